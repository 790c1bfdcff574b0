package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/org/lockr/internal/api"
	"github.com/org/lockr/internal/audit"
	"github.com/org/lockr/internal/config"
	"github.com/org/lockr/internal/core"
	"github.com/org/lockr/internal/crypto"
	"github.com/org/lockr/internal/messaging"
	"github.com/org/lockr/internal/probe"
	"github.com/org/lockr/internal/secret"
	"github.com/org/lockr/internal/storage"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	configPath := flag.String("config", os.Getenv("LOCKR_CONFIG"), "path to lockr.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	ctx := context.Background()

	store, err := openStorage(ctx, cfg.Storage)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Storage.Backend).Msg("failed to open storage")
	}
	defer store.Close()

	cipher, err := newCipher(cfg.Vault)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up cipher")
	}

	var nc *messaging.Client
	if cfg.NATS.Enabled {
		nc, err = messaging.Connect(cfg.NATS.Config)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to nats")
		}
		defer nc.Close() //nolint:errcheck
		log.Info().Str("url", cfg.NATS.URL).Msg("nats connected")
	}

	var sinks []audit.Sink
	if cfg.Audit.File != "" {
		fs, err := audit.NewFileSink(cfg.Audit.File)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open audit file")
		}
		defer fs.Close() //nolint:errcheck
		sinks = append(sinks, fs)
	}
	if cfg.Audit.PublishNATS {
		sinks = append(sinks, audit.NewNATSSink(nc, cfg.Audit.Subject))
	}
	auditor, err := audit.NewLogger(ctx, store, sinks...)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open audit log")
	}

	// Key file mode starts unsealed; otherwise the root key is rebuilt
	// from unseal shares.
	var (
		seal *core.SealManager
		keys secret.KeyProvider
	)
	if cfg.Vault.KeyFile != "" {
		keys = core.NewFileKeyProvider(cfg.Vault.KeyFile)
		log.Info().Str("key_file", cfg.Vault.KeyFile).Msg("using vault key file")
	} else {
		seal = core.NewSealManager(store)
		keys = seal
	}

	vcfg := secret.DefaultConfig()
	vcfg.PasswordLength = cfg.Vault.PasswordLength
	vcfg.ListPageSize = cfg.Vault.ListPageSize
	vcfg.KeyContext = core.VaultKeyContext
	vault := secret.NewVault(vcfg, store, cipher, keys, auditor, nil)

	var popts []probe.Option
	if cfg.Redis.URL != "" {
		rs, err := probe.NewRedisStore(ctx, cfg.Redis.URL, cfg.Prober.ResultTTL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer rs.Close() //nolint:errcheck
		popts = append(popts, probe.WithResultStore(rs))
	}
	if cfg.NATS.PublishProbes && nc != nil {
		popts = append(popts, probe.WithPublisher(nc))
	}
	prober := probe.New(cfg.Prober, popts...)

	operators := make(map[string]string, len(cfg.Operators))
	for _, op := range cfg.Operators {
		operators[op.TokenSHA256] = op.Name
	}

	srv := api.NewServer(api.Config{
		ListenAddr:   cfg.Server.ListenAddr,
		TLSCertFile:  cfg.Server.TLSCertFile,
		TLSKeyFile:   cfg.Server.TLSKeyFile,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		RateLimit:    cfg.Server.RateLimit,
		RateBurst:    cfg.Server.RateBurst,
		Operators:    operators,
	}, store, seal, vault, prober, auditor)

	if seal != nil {
		initialized, err := store.IsInitialized(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to check init state")
		}
		if !initialized {
			log.Info().Msg("vault not yet initialized - POST /v1/sys/init to initialize")
		} else {
			log.Info().Msg("vault sealed - POST /v1/sys/unseal with key shares to unseal")
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	log.Info().Str("addr", cfg.Server.ListenAddr).Str("storage", cfg.Storage.Backend).Str("cipher", cipher.Name()).Msg("server started")
	<-quit

	log.Info().Msg("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	log.Info().Msg("server stopped")
}

func openStorage(ctx context.Context, sc config.StorageConfig) (storage.Backend, error) {
	switch sc.Backend {
	case config.BackendMemory:
		log.Warn().Msg("memory storage: secrets are lost on restart")
		return storage.NewMemoryBackend(), nil
	case config.BackendSQLite:
		return storage.NewSQLiteBackend(ctx, sc.SQLitePath)
	case config.BackendPostgres:
		store, err := storage.NewPostgresBackend(ctx, sc.PostgresURL)
		if err != nil {
			return nil, err
		}
		if err := storage.RunMigrations(sc.PostgresURL, sc.MigrationsDir); err != nil {
			store.Close()
			return nil, err
		}
		log.Info().Msg("migrations applied")
		return store, nil
	default:
		return storage.NewFileBackend(sc.Dir)
	}
}

func newCipher(vc config.VaultConfig) (crypto.Cipher, error) {
	if vc.Cipher == crypto.AlgExec {
		return crypto.NewExec(vc.Exec)
	}
	return crypto.New(vc.Cipher)
}
