package main

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"
)

const defaultAddress = "http://127.0.0.1:8200"

var outputFormats = []string{"table", "json", "raw"}

// CLIConfig is the persistent CLI configuration. Format is the default for
// --format when the flag is not given.
type CLIConfig struct {
	Address   string `yaml:"address"`
	Token     string `yaml:"token,omitempty"`
	TLSCACert string `yaml:"tls_ca_cert,omitempty"`
	Format    string `yaml:"format,omitempty"`
}

var cfg CLIConfig

// configPath returns the CLI config file, ~/.lockr/config.yaml unless
// LOCKR_CLI_CONFIG names another.
func configPath() string {
	if p := os.Getenv("LOCKR_CLI_CONFIG"); p != "" {
		return p
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".lockr", "config.yaml")
}

// loadConfig reads the CLI config. A missing file leaves the defaults; a
// malformed one is an error so a typo never silently drops the token.
func loadConfig() error {
	cfg = CLIConfig{Address: defaultAddress}
	path := configPath()
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	if cfg.Token != "" && info.Mode().Perm()&0o077 != 0 {
		fmt.Fprintf(os.Stderr, "Warning: %s holds an operator token but has mode %v; run chmod 600\n", path, info.Mode().Perm())
	}
	return cfg.validate()
}

func (c CLIConfig) validate() error {
	u, err := url.Parse(c.Address)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("address %q must be an http or https URL", c.Address)
	}
	if c.Format != "" && !slices.Contains(outputFormats, c.Format) {
		return fmt.Errorf("format %q must be one of %v", c.Format, outputFormats)
	}
	return nil
}

// saveConfig persists the CLI config to disk. The file holds the operator
// token so it is written owner-only.
func saveConfig() error {
	if err := cfg.validate(); err != nil {
		return err
	}
	path := configPath()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return err
	}
	// WriteFile keeps the mode of an existing file.
	return os.Chmod(path, 0600)
}
