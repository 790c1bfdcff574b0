// Package config loads lockr server configuration from lockr.yaml and
// LOCKR_* environment variables.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/org/lockr/internal/crypto"
	"github.com/org/lockr/internal/messaging"
	"github.com/org/lockr/internal/password"
	"github.com/org/lockr/internal/probe"
	"github.com/spf13/viper"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

type Config struct {
	LogLevel  string        `mapstructure:"log_level"`
	Server    ServerConfig  `mapstructure:"server"`
	Storage   StorageConfig `mapstructure:"storage"`
	Vault     VaultConfig   `mapstructure:"vault"`
	Audit     AuditConfig   `mapstructure:"audit"`
	Prober    probe.Config  `mapstructure:"prober"`
	Redis     RedisConfig   `mapstructure:"redis"`
	NATS      NATSConfig    `mapstructure:"nats"`
	Operators []Operator    `mapstructure:"operators"`
}

type ServerConfig struct {
	ListenAddr   string        `mapstructure:"listen_addr"`
	TLSCertFile  string        `mapstructure:"tls_cert"`
	TLSKeyFile   string        `mapstructure:"tls_key"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	RateLimit    int           `mapstructure:"rate_limit"`
	RateBurst    int           `mapstructure:"rate_burst"`
}

type StorageConfig struct {
	Backend       string `mapstructure:"backend"`
	Dir           string `mapstructure:"dir"`
	SQLitePath    string `mapstructure:"sqlite_path"`
	PostgresURL   string `mapstructure:"postgres_url"`
	MigrationsDir string `mapstructure:"migrations_dir"`
}

type VaultConfig struct {
	PasswordLength int    `mapstructure:"password_length"`
	ListPageSize   int    `mapstructure:"list_page_size"`
	Cipher         string `mapstructure:"cipher"`
	// KeyFile, when set, supplies the root key directly and the vault
	// starts unsealed. Otherwise the key is split into unseal shares.
	KeyFile string            `mapstructure:"key_file"`
	Exec    crypto.ExecConfig `mapstructure:"exec"`
}

type AuditConfig struct {
	// File mirrors every entry to a JSON lines file when set.
	File string `mapstructure:"file"`
	// PublishNATS mirrors every entry to Subject.
	PublishNATS bool   `mapstructure:"publish_nats"`
	Subject     string `mapstructure:"subject"`
}

type RedisConfig struct {
	// URL enables the probe result cache, e.g. redis://localhost:6379/0.
	URL string `mapstructure:"url"`
}

type NATSConfig struct {
	Enabled          bool `mapstructure:"enabled"`
	messaging.Config `mapstructure:",squash"`
	// PublishProbes publishes every probe result.
	PublishProbes bool `mapstructure:"publish_probes"`
}

// Operator is an API caller. TokenSHA256 is the hex SHA-256 of its token.
type Operator struct {
	Name        string `mapstructure:"name"`
	TokenSHA256 string `mapstructure:"token_sha256"`
}

func setDefaults(v *viper.Viper) {
	pd := probe.DefaultConfig()
	nd := messaging.DefaultConfig()

	v.SetDefault("log_level", "info")

	v.SetDefault("server.listen_addr", ":8200")
	v.SetDefault("server.tls_cert", "")
	v.SetDefault("server.tls_key", "")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "120s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.rate_limit", 100)
	v.SetDefault("server.rate_burst", 200)

	v.SetDefault("storage.backend", BackendFile)
	v.SetDefault("storage.dir", "data/secrets")
	v.SetDefault("storage.sqlite_path", "data/lockr.db")
	v.SetDefault("storage.postgres_url", "")
	v.SetDefault("storage.migrations_dir", "migrations/postgres")

	v.SetDefault("vault.password_length", 16)
	v.SetDefault("vault.list_page_size", 100)
	v.SetDefault("vault.cipher", crypto.AlgAESGCM)
	v.SetDefault("vault.key_file", "")
	v.SetDefault("vault.exec.encrypt_args", []string{})
	v.SetDefault("vault.exec.decrypt_args", []string{})
	v.SetDefault("vault.exec.timeout", "30s")
	v.SetDefault("vault.exec.key_encoding", "hex")
	v.SetDefault("vault.exec.temp_dir", "")

	v.SetDefault("audit.file", "")
	v.SetDefault("audit.publish_nats", false)
	v.SetDefault("audit.subject", messaging.SubjectAudit)

	v.SetDefault("prober.port", pd.Port)
	v.SetDefault("prober.fallback_ports", pd.FallbackPorts)
	v.SetDefault("prober.disable_icmp", pd.DisableICMP)
	v.SetDefault("prober.ping_timeout", pd.PingTimeout)
	v.SetDefault("prober.connect_timeout", pd.ConnectTimeout)
	v.SetDefault("prober.ssh_timeout", pd.SSHTimeout)
	v.SetDefault("prober.command_timeout", pd.CommandTimeout)
	v.SetDefault("prober.budget", pd.Budget)
	v.SetDefault("prober.user", "")
	v.SetDefault("prober.key_path", "")
	v.SetDefault("prober.use_agent", pd.UseAgent)
	v.SetDefault("prober.known_hosts", "")
	v.SetDefault("prober.insecure_host_key", false)
	v.SetDefault("prober.thresholds.load_per_cpu", pd.Thresholds.LoadPerCPU)
	v.SetDefault("prober.thresholds.memory_used_percent", pd.Thresholds.MemoryUsedPercent)
	v.SetDefault("prober.thresholds.disk_used_percent", pd.Thresholds.DiskUsedPercent)
	v.SetDefault("prober.workers", pd.Workers)
	v.SetDefault("prober.result_ttl", pd.ResultTTL)

	v.SetDefault("redis.url", "")

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", nd.URL)
	v.SetDefault("nats.name", nd.Name)
	v.SetDefault("nats.max_reconnects", nd.MaxReconnects)
	v.SetDefault("nats.reconnect_wait", nd.ReconnectWait)
	v.SetDefault("nats.timeout", nd.Timeout)
	v.SetDefault("nats.token", "")
	v.SetDefault("nats.publish_probes", false)
}

// Load reads configPath, or lockr.yaml from the working directory or
// /etc/lockr when configPath is empty. A missing file is not an error.
// LOCKR_<SECTION>_<KEY> environment variables override file values.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("lockr")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/lockr")
	}

	v.SetEnvPrefix("LOCKR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings that would otherwise fail late.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendFile:
		if c.Storage.Dir == "" {
			return errors.New("storage.dir is required for the file backend")
		}
	case BackendSQLite:
		if c.Storage.SQLitePath == "" {
			return errors.New("storage.sqlite_path is required for the sqlite backend")
		}
	case BackendPostgres:
		if c.Storage.PostgresURL == "" {
			return errors.New("storage.postgres_url is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	if c.Vault.Cipher == crypto.AlgExec {
		if len(c.Vault.Exec.EncryptArgs) == 0 || len(c.Vault.Exec.DecryptArgs) == 0 {
			return errors.New("vault.exec.encrypt_args and decrypt_args are required for the exec cipher")
		}
	} else if _, err := crypto.New(c.Vault.Cipher); err != nil {
		return fmt.Errorf("vault.cipher: %w", err)
	}

	if c.Vault.PasswordLength < 0 || c.Vault.PasswordLength > password.MaxLength {
		return fmt.Errorf("vault.password_length must be between 0 and %d", password.MaxLength)
	}

	seen := map[string]bool{}
	for i, op := range c.Operators {
		if op.Name == "" {
			return fmt.Errorf("operators[%d]: name is required", i)
		}
		if seen[op.Name] {
			return fmt.Errorf("operators[%d]: duplicate name %q", i, op.Name)
		}
		seen[op.Name] = true
		if b, err := hex.DecodeString(op.TokenSHA256); err != nil || len(b) != 32 {
			return fmt.Errorf("operator %s: token_sha256 must be 64 hex characters", op.Name)
		}
	}

	if c.Audit.PublishNATS && !c.NATS.Enabled {
		return errors.New("audit.publish_nats requires nats.enabled")
	}
	if c.NATS.PublishProbes && !c.NATS.Enabled {
		return errors.New("nats.publish_probes requires nats.enabled")
	}
	return nil
}
