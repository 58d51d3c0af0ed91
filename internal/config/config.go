// Package config provides the YAML configuration model with full
// load/save behavior, including first-run config creation, 0600 permissions
// and an environment variable overlay.
package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/caarlos0/env"
	"gopkg.in/yaml.v3"
)

// BasicAuthConfig holds HTTP Basic Auth credentials for the admin API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the feed and admin API.
	Listen string `yaml:"listen" json:"listen" env:"UNICAL_LISTEN"`

	// DBPath is the SQLite database file path.
	DBPath string `yaml:"db_path" json:"db_path" env:"UNICAL_DB_PATH"`

	// SyncIntervalMinutes is the process-wide periodic sync interval,
	// clamped to [1, 1440].
	SyncIntervalMinutes int `yaml:"sync_interval_minutes" json:"sync_interval_minutes" env:"UNICAL_SYNC_INTERVAL_MINUTES"`

	// SyncTimeoutSeconds bounds one sync attempt end to end. An attempt
	// exceeding it is aborted and recorded as a transient failure.
	SyncTimeoutSeconds int `yaml:"sync_timeout_seconds" json:"sync_timeout_seconds" env:"UNICAL_SYNC_TIMEOUT_SECONDS"`

	// WindowPastDays / WindowFutureDays define the fetch window around now.
	WindowPastDays   int `yaml:"window_past_days" json:"window_past_days" env:"UNICAL_WINDOW_PAST_DAYS"`
	WindowFutureDays int `yaml:"window_future_days" json:"window_future_days" env:"UNICAL_WINDOW_FUTURE_DAYS"`

	// MaxConcurrentSyncs bounds the sync worker pool across sources.
	MaxConcurrentSyncs int `yaml:"max_concurrent_syncs" json:"max_concurrent_syncs" env:"UNICAL_MAX_CONCURRENT_SYNCS"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on the
	// admin API endpoints. The feed and /health stay unauthenticated;
	// the feed is authorized by its own token.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:              "127.0.0.1:8080",
		DBPath:              "unical.db",
		SyncIntervalMinutes: 10,
		SyncTimeoutSeconds:  120,
		WindowPastDays:      30,
		WindowFutureDays:    365,
		MaxConcurrentSyncs:  4,
		BasicAuth:           nil,
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly, and clamps the sync
// interval to its documented bounds.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8080"
	}
	if c.DBPath == "" {
		c.DBPath = "unical.db"
	}
	if c.SyncIntervalMinutes <= 0 {
		c.SyncIntervalMinutes = 10
	}
	if c.SyncIntervalMinutes > 1440 {
		c.SyncIntervalMinutes = 1440
	}
	if c.SyncTimeoutSeconds <= 0 {
		c.SyncTimeoutSeconds = 120
	}
	if c.WindowPastDays <= 0 {
		c.WindowPastDays = 30
	}
	if c.WindowFutureDays <= 0 {
		c.WindowFutureDays = 365
	}
	if c.MaxConcurrentSyncs <= 0 {
		c.MaxConcurrentSyncs = 4
	}
}

// Load loads configuration from the given YAML path, then applies
// environment variable overrides.
//
// Behavior:
//   - If the file does not exist: create parent directory if needed, write a
//     default config with 0600 perms, and return the default config.
//   - If the file exists: read YAML, unmarshal, apply env overrides and
//     normalize defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			if err := env.Parse(cfg); err != nil {
				return nil, err
			}
			cfg.Normalize()
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".unical-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}

	return nil
}
