package config_test

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Mindburn-Labs/settld/pkg/config"
)

var keys = []string{
	"PORT", "LOG_LEVEL", "LOG_FORMAT", "DATABASE_URL", "DATA_DIR", "OUTBOX_TICK", "OUTBOX_BATCH",
	"OUTBOX_MAX_ATTEMPTS", "DELIVERY_TIMEOUT", "DELIVERY_MAX_ATTEMPTS", "JWT_HMAC_SECRET", "OPS_TOKEN",
	"REDIS_ADDR", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "POLICY_DIR", "OTEL_ENABLED", "SETTLD_FAILPOINT",
}

func clearEnv(t *testing.T) {
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg := config.Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, slog.LevelInfo, cfg.Level())
	assert.True(t, cfg.LiteMode())
	assert.Equal(t, "data/settld.db", cfg.SQLitePath())
	assert.Equal(t, time.Second, cfg.OutboxTick)
	assert.Equal(t, 8, cfg.OutboxMaxAttempts)
	assert.Equal(t, 5, cfg.DeliveryMaxAttempts)
	assert.False(t, cfg.OTelEnabled)
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("DATABASE_URL", "postgres://prod:5432/settld")
	t.Setenv("OUTBOX_TICK", "250ms")
	t.Setenv("OUTBOX_BATCH", "20")
	t.Setenv("OTEL_ENABLED", "true")

	cfg := config.Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, slog.LevelDebug, cfg.Level())
	assert.False(t, cfg.LiteMode())
	assert.Equal(t, 250*time.Millisecond, cfg.OutboxTick)
	assert.Equal(t, 20, cfg.OutboxBatch)
	assert.True(t, cfg.OTelEnabled)
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	clearEnv(t)
	t.Setenv("OUTBOX_BATCH", "lots")
	t.Setenv("OUTBOX_TICK", "-1s")

	cfg := config.Load()

	assert.Equal(t, 100, cfg.OutboxBatch)
	assert.Equal(t, time.Second, cfg.OutboxTick)
}

func TestLoad_DeliveryAttemptsCappedByOutbox(t *testing.T) {
	clearEnv(t)
	t.Setenv("OUTBOX_MAX_ATTEMPTS", "3")
	t.Setenv("DELIVERY_MAX_ATTEMPTS", "10")

	cfg := config.Load()

	assert.Equal(t, 3, cfg.DeliveryMaxAttempts)
}
