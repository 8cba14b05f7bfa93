// Package config loads runlog settings from YAML with environment overrides.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend kinds.
const (
	BackendFile     = "file"
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendPebble   = "pebble"
)

// Lease store kinds.
const (
	LeaseStoreBackend = "backend"
	LeaseStoreRedis   = "redis"
)

// Config is the top-level configuration loaded from file and env.
type Config struct {
	Backend BackendConfig `yaml:"backend"`
	Leases  LeaseConfig   `yaml:"leases"`
	Log     LogConfig     `yaml:"log"`
}

// BackendConfig selects where run histories are stored.
type BackendConfig struct {
	// Kind is one of file, memory, sqlite, postgres or pebble.
	Kind string `yaml:"kind"`

	// Root is the data directory for file, sqlite and pebble backends.
	Root string `yaml:"root"`

	// DSN is the Postgres connection string, or the SQLite database path.
	DSN string `yaml:"dsn"`

	// Codec is msgpack (default) or json.
	Codec string `yaml:"codec"`
}

// LeaseConfig selects where leases are kept.
type LeaseConfig struct {
	// Store is "backend" to keep leases next to the runs, or "redis".
	Store     string        `yaml:"store"`
	RedisAddr string        `yaml:"redis_addr"`
	TTL       time.Duration `yaml:"ttl"`
	Owner     string        `yaml:"owner"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		Backend: BackendConfig{Kind: BackendFile, Codec: "msgpack"},
		Leases:  LeaseConfig{Store: LeaseStoreBackend, TTL: 30 * time.Second},
		Log:     LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads configuration from a YAML file and applies RUNLOG_*
// environment overrides. If path is empty, only defaults and environment
// apply.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	overrides := []struct {
		key    string
		target *string
	}{
		{"RUNLOG_BACKEND", &c.Backend.Kind},
		{"RUNLOG_ROOT", &c.Backend.Root},
		{"RUNLOG_DSN", &c.Backend.DSN},
		{"RUNLOG_CODEC", &c.Backend.Codec},
		{"RUNLOG_LEASE_STORE", &c.Leases.Store},
		{"RUNLOG_REDIS_ADDR", &c.Leases.RedisAddr},
		{"RUNLOG_LOG_LEVEL", &c.Log.Level},
	}
	for _, o := range overrides {
		if value, ok := lookup(o.key); ok {
			*o.target = value
		}
	}
}

// Validate checks the configuration for missing or unknown settings.
func (c Config) Validate() error {
	switch c.Backend.Kind {
	case BackendFile, BackendMemory, BackendSQLite, BackendPebble:
	case BackendPostgres:
		if c.Backend.DSN == "" {
			return fmt.Errorf("backend.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unknown backend kind %q", c.Backend.Kind)
	}
	switch c.Leases.Store {
	case LeaseStoreBackend:
	case LeaseStoreRedis:
		if c.Leases.RedisAddr == "" {
			return fmt.Errorf("leases.redis_addr is required for the redis lease store")
		}
	default:
		return fmt.Errorf("unknown lease store %q", c.Leases.Store)
	}
	if c.Leases.TTL <= 0 {
		return fmt.Errorf("leases.ttl must be positive")
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}

// LogLevel parses the configured level.
func (c Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(c.Log.Level))); err != nil {
		return 0, fmt.Errorf("invalid log level %q", c.Log.Level)
	}
	return level, nil
}

// DataDir returns the backend root, defaulting to ~/.deepnoodle/runlog.
func (c Config) DataDir() (string, error) {
	if c.Backend.Root != "" {
		return c.Backend.Root, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(homeDir, ".deepnoodle", "runlog"), nil
}

// SQLitePath returns the SQLite database path: the DSN when set, otherwise
// runlog.db in the data directory.
func (c Config) SQLitePath() (string, error) {
	if c.Backend.DSN != "" {
		return c.Backend.DSN, nil
	}
	dir, err := c.DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "runlog.db"), nil
}
