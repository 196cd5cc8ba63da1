package api

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/marcus/offsync/internal/idempotency"
)

// Idempotency cache backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Config holds the server configuration, loaded from environment variables.
type Config struct {
	ListenAddr      string
	DBPath          string
	ShutdownTimeout time.Duration
	LogFormat       string // "json" (default) or "text"
	LogLevel        string // "debug", "info" (default), "warn", "error"

	// APIKeys maps bearer tokens to actor ids. Keys issued with
	// `offsync-server keys create` are checked after this map.
	APIKeys map[string]string

	IdempotencyBackend string // memory (default), sqlite, redis
	IdempotencyTTL     time.Duration
	RedisAddr          string
	RedisPassword      string
	RedisDB            int

	RateLimitWrite int // mutations per actor per minute (default: 120)
	RateLimitRead  int // reads per actor per minute (default: 600)

	CleanupInterval time.Duration

	CORSAllowedOrigins []string // empty = disabled
}

// LoadConfig reads configuration from environment variables with sensible defaults.
func LoadConfig() Config {
	cfg := Config{
		ListenAddr:      ":8080",
		DBPath:          "./data/server.db",
		ShutdownTimeout: 30 * time.Second,
		LogFormat:       "json",
		LogLevel:        "info",

		IdempotencyBackend: BackendMemory,
		IdempotencyTTL:     idempotency.DefaultTTL,
		RedisAddr:          "localhost:6379",

		RateLimitWrite: 120,
		RateLimitRead:  600,

		CleanupInterval: 5 * time.Minute,
	}

	if v := os.Getenv("OFFSYNC_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("OFFSYNC_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("OFFSYNC_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ShutdownTimeout = d
		}
	}
	if v := os.Getenv("OFFSYNC_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("OFFSYNC_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	cfg.APIKeys = parseAPIKeys(os.Getenv("OFFSYNC_API_KEYS"))

	if v := os.Getenv("OFFSYNC_IDEMPOTENCY_BACKEND"); v != "" {
		cfg.IdempotencyBackend = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("OFFSYNC_IDEMPOTENCY_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.IdempotencyTTL = d
		}
	}
	if v := os.Getenv("OFFSYNC_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("OFFSYNC_REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("OFFSYNC_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.RedisDB = n
		}
	}

	if v := os.Getenv("OFFSYNC_RATE_LIMIT_WRITE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RateLimitWrite = n
		}
	}
	if v := os.Getenv("OFFSYNC_RATE_LIMIT_READ"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RateLimitRead = n
		}
	}

	if v := os.Getenv("OFFSYNC_CLEANUP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.CleanupInterval = d
		}
	}

	if v := os.Getenv("OFFSYNC_CORS_ALLOWED_ORIGINS"); v != "" {
		origins := strings.Split(v, ",")
		for _, o := range origins {
			o = strings.TrimSpace(o)
			if o != "" {
				cfg.CORSAllowedOrigins = append(cfg.CORSAllowedOrigins, o)
			}
		}
	}

	return cfg
}

// parseAPIKeys parses "token:actor,token2:actor2". Entries without an
// actor are skipped.
func parseAPIKeys(s string) map[string]string {
	keys := map[string]string{}
	for _, pair := range strings.Split(s, ",") {
		token, actor, ok := strings.Cut(strings.TrimSpace(pair), ":")
		token = strings.TrimSpace(token)
		actor = strings.TrimSpace(actor)
		if !ok || token == "" || actor == "" {
			continue
		}
		keys[token] = actor
	}
	return keys
}
