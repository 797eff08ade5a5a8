// Package config loads the bridge configuration from a TOML file with
// defaults for everything, so an empty or missing file yields a runnable
// sqlite-backed instance.
package config

import (
	"errors"
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
)

// Config is the bridge process configuration.
type Config struct {
	Listen   string        `toml:"listen"`
	LogLevel string        `toml:"log_level"`
	Storage  StorageConfig `toml:"storage"`
	Metrics  MetricsConfig `toml:"metrics"`
}

// StorageConfig selects the document store driver and the attachment
// directory.
type StorageConfig struct {
	// Driver is one of "sqlite3", "postgres", "mysql".
	Driver string `toml:"driver"`
	// DSN is driver-specific; for sqlite3 it is the database file path.
	DSN []string `toml:"dsn"`
	// BlobDir is the flat attachment directory.
	BlobDir string `toml:"blob_dir"`
	// Debug enables SQL statement logging.
	Debug bool `toml:"debug"`
}

// MetricsConfig controls the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
}

// Default returns the configuration used when the file is absent.
func Default() Config {
	return Config{
		Listen:   ":8080",
		LogLevel: "info",
		Storage: StorageConfig{
			Driver:  "sqlite3",
			DSN:     []string{"mailboy.db"},
			BlobDir: "attachments",
		},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// Load parses the TOML file at path, merged over defaults. A missing file is
// not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config file: %w", err)
	}

	// Unmarshal straight into the defaults: only keys present in the file
	// are touched, so explicit false values override boolean defaults too.
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Default(), fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// Validate rejects configurations the process cannot start with.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return errors.New("listen address is required")
	}
	switch c.Storage.Driver {
	case "sqlite3", "postgres", "mysql":
	default:
		return fmt.Errorf("unsupported storage driver %q", c.Storage.Driver)
	}
	if len(c.Storage.DSN) == 0 {
		return errors.New("storage dsn is required")
	}
	if c.Storage.BlobDir == "" {
		return errors.New("blob_dir is required")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}
	return nil
}
