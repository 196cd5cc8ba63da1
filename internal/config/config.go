// Package config holds the offsync client settings stored at
// ~/.config/offsync/config.json. Every getter resolves the environment
// first, then the file, then a default.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/marcus/offsync/internal/connectivity"
)

// Storage backends for the outbox and snapshot store.
const (
	StorageSQLite = "sqlite"
	StorageMemory = "memory"
)

const (
	defaultServerURL   = "http://localhost:8080/v1"
	defaultHTTPTimeout = 30 * time.Second
	configFileName     = "config.json"
	dbFileName         = "offsync.db"
)

// Config is the client config file.
type Config struct {
	ServerURL     string `json:"server_url,omitempty"`
	APIKey        string `json:"api_key,omitempty"`
	Storage       string `json:"storage,omitempty"`
	DBPath        string `json:"db_path,omitempty"`
	TickInterval  string `json:"tick_interval,omitempty"`  // duration string, default "60s"
	ProbeInterval string `json:"probe_interval,omitempty"` // duration string, default "15s"
	HTTPTimeout   string `json:"http_timeout,omitempty"`   // duration string, default "30s"
	LogFile       string `json:"log_file,omitempty"`
}

// ConfigDir returns the config directory, creating it if necessary.
// OFFSYNC_HOME overrides the default ~/.config/offsync.
func ConfigDir() (string, error) {
	dir := os.Getenv("OFFSYNC_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("get home dir: %w", err)
		}
		dir = filepath.Join(home, ".config", "offsync")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	return dir, nil
}

// Load reads the config file. A missing file yields an empty Config.
func Load() (*Config, error) {
	dir, err := ConfigDir()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, configFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", configFileName, err)
	}
	return &cfg, nil
}

// Save writes the config file (0600 perms, it may hold an API key).
func Save(cfg *Config) error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, configFileName), data, 0600)
}

// setters maps settable keys to the field they write. Duration keys are
// validated before saving.
var setters = map[string]func(c *Config, v string) error{
	"server_url": func(c *Config, v string) error { c.ServerURL = v; return nil },
	"api_key":    func(c *Config, v string) error { c.APIKey = v; return nil },
	"storage": func(c *Config, v string) error {
		if v != "" && v != StorageSQLite && v != StorageMemory {
			return fmt.Errorf("storage must be %q or %q", StorageSQLite, StorageMemory)
		}
		c.Storage = v
		return nil
	},
	"db_path":        func(c *Config, v string) error { c.DBPath = v; return nil },
	"tick_interval":  durationSetter(func(c *Config) *string { return &c.TickInterval }),
	"probe_interval": durationSetter(func(c *Config) *string { return &c.ProbeInterval }),
	"http_timeout":   durationSetter(func(c *Config) *string { return &c.HTTPTimeout }),
	"log_file":       func(c *Config, v string) error { c.LogFile = v; return nil },
}

func durationSetter(field func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		if v != "" {
			if d, err := time.ParseDuration(v); err != nil || d <= 0 {
				return fmt.Errorf("invalid duration %q", v)
			}
		}
		*field(c) = v
		return nil
	}
}

// Keys returns the settable config keys in sorted order.
func Keys() []string {
	keys := make([]string, 0, len(setters))
	for k := range setters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Set updates one key in the config file. An empty value clears it.
func Set(key, value string) error {
	set, ok := setters[key]
	if !ok {
		return fmt.Errorf("unknown config key %q (valid: %s)", key, strings.Join(Keys(), ", "))
	}
	cfg, err := Load()
	if err != nil {
		return err
	}
	if err := set(cfg, strings.TrimSpace(value)); err != nil {
		return err
	}
	return Save(cfg)
}

// load returns the config file or an empty one when it cannot be read.
func load() *Config {
	cfg, err := Load()
	if err != nil {
		return &Config{}
	}
	return cfg
}

// GetServerURL returns the mutation server base URL.
// Priority: OFFSYNC_SERVER_URL env > config.json > default.
func GetServerURL() string {
	if v := os.Getenv("OFFSYNC_SERVER_URL"); v != "" {
		return v
	}
	if cfg := load(); cfg.ServerURL != "" {
		return cfg.ServerURL
	}
	return defaultServerURL
}

// GetAPIKey returns the bearer token.
// Priority: OFFSYNC_API_KEY env > config.json.
func GetAPIKey() string {
	if v := os.Getenv("OFFSYNC_API_KEY"); v != "" {
		return v
	}
	return load().APIKey
}

// GetStorage returns the storage backend.
// Priority: OFFSYNC_STORAGE env > config.json > sqlite.
func GetStorage() string {
	v := os.Getenv("OFFSYNC_STORAGE")
	if v == "" {
		v = load().Storage
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case StorageMemory:
		return StorageMemory
	default:
		return StorageSQLite
	}
}

// GetDBPath returns the outbox database path.
// Priority: OFFSYNC_OUTBOX_PATH env > config.json > <config dir>/offsync.db.
func GetDBPath() (string, error) {
	if v := os.Getenv("OFFSYNC_OUTBOX_PATH"); v != "" {
		return v, nil
	}
	if cfg := load(); cfg.DBPath != "" {
		return cfg.DBPath, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, dbFileName), nil
}

// GetTickInterval returns the periodic drain interval.
// Priority: OFFSYNC_TICK_INTERVAL env > config.json tick_interval > 60s.
func GetTickInterval() time.Duration {
	return getDuration("OFFSYNC_TICK_INTERVAL", load().TickInterval, connectivity.DefaultTickInterval)
}

// GetProbeInterval returns the reachability probe interval.
// Priority: OFFSYNC_PROBE_INTERVAL env > config.json probe_interval > 15s.
func GetProbeInterval() time.Duration {
	return getDuration("OFFSYNC_PROBE_INTERVAL", load().ProbeInterval, connectivity.DefaultProbeInterval)
}

// GetHTTPTimeout returns the per-request HTTP client timeout.
// Priority: OFFSYNC_HTTP_TIMEOUT env > config.json http_timeout > 30s.
func GetHTTPTimeout() time.Duration {
	return getDuration("OFFSYNC_HTTP_TIMEOUT", load().HTTPTimeout, defaultHTTPTimeout)
}

// GetLogFile returns the log file path for `offsync watch`, or "".
// Priority: OFFSYNC_LOG_FILE env > config.json.
func GetLogFile() string {
	if v := os.Getenv("OFFSYNC_LOG_FILE"); v != "" {
		return v
	}
	return load().LogFile
}

func getDuration(envKey, fileValue string, def time.Duration) time.Duration {
	if v := os.Getenv(envKey); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	if fileValue != "" {
		if d, err := time.ParseDuration(fileValue); err == nil && d > 0 {
			return d
		}
	}
	return def
}
