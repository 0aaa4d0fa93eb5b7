// Package config loads server configuration from the environment.
package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port      string
	LogLevel  string
	LogFormat string

	// DatabaseURL selects Postgres. Empty runs in lite mode on SQLite under DataDir.
	DatabaseURL string
	DataDir     string

	OutboxTick        time.Duration
	OutboxBatch       int
	OutboxMaxAttempts int

	DeliveryTimeout     time.Duration
	DeliveryMaxAttempts int

	JWTSecret string
	OpsToken  string

	RedisAddr      string
	RateLimitRPS   int
	RateLimitBurst int

	PolicyDir string

	OTelEnabled  bool
	OTelEndpoint string

	Failpoints string
}

// Load loads configuration from environment variables.
func Load() *Config {
	dataDir := envOr("DATA_DIR", "data")
	outboxMax := envInt("OUTBOX_MAX_ATTEMPTS", 8)
	deliveryMax := envInt("DELIVERY_MAX_ATTEMPTS", 5)
	if deliveryMax > outboxMax {
		deliveryMax = outboxMax
	}
	return &Config{
		Port:                envOr("PORT", "8080"),
		LogLevel:            strings.ToUpper(envOr("LOG_LEVEL", "INFO")),
		LogFormat:           strings.ToLower(envOr("LOG_FORMAT", "text")),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		DataDir:             dataDir,
		OutboxTick:          envDuration("OUTBOX_TICK", time.Second),
		OutboxBatch:         envInt("OUTBOX_BATCH", 100),
		OutboxMaxAttempts:   outboxMax,
		DeliveryTimeout:     envDuration("DELIVERY_TIMEOUT", 10*time.Second),
		DeliveryMaxAttempts: deliveryMax,
		JWTSecret:           os.Getenv("JWT_HMAC_SECRET"),
		OpsToken:            os.Getenv("OPS_TOKEN"),
		RedisAddr:           os.Getenv("REDIS_ADDR"),
		RateLimitRPS:        envInt("RATE_LIMIT_RPS", 50),
		RateLimitBurst:      envInt("RATE_LIMIT_BURST", 100),
		PolicyDir:           os.Getenv("POLICY_DIR"),
		OTelEnabled:         os.Getenv("OTEL_ENABLED") == "true",
		OTelEndpoint:        envOr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		Failpoints:          os.Getenv("SETTLD_FAILPOINT"),
	}
}

// LiteMode reports whether the server runs on the embedded SQLite database.
func (c *Config) LiteMode() bool { return c.DatabaseURL == "" }

// SQLitePath is the lite mode database file.
func (c *Config) SQLitePath() string { return filepath.Join(c.DataDir, "settld.db") }

// RootKeyPath is where the master signing seed is persisted.
func (c *Config) RootKeyPath() string { return filepath.Join(c.DataDir, "root.key") }

// Level maps LogLevel to a slog level. Unknown values are INFO.
func (c *Config) Level() slog.Level {
	switch c.LogLevel {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds the process logger.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.Level()}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		slog.Warn("ignoring invalid integer setting", "key", key, "value", v)
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		slog.Warn("ignoring invalid duration setting", "key", key, "value", v)
		return def
	}
	return d
}
