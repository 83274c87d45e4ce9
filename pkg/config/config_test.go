package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-once/pkg/config"
)

var envKeys = []string{
	"HELM_ONCE_SERVICE", "DATABASE_DRIVER", "DATABASE_URL", "REDIS_ADDR", "LOG_LEVEL", "LOG_FORMAT",
	"RECORD_TTL", "LEASE_DURATION", "DUPLICATE_WAIT", "OUTBOX_BATCH_SIZE", "OUTBOX_POLL_INTERVAL",
	"OUTBOX_MAX_ATTEMPTS", "OUTBOX_BASE_BACKOFF", "OUTBOX_MAX_BACKOFF", "OUTBOX_RATE",
	"SAGA_STEP_ATTEMPTS", "SAGA_RETENTION", "OTEL_ENABLED", "OTEL_EXPORTER_OTLP_ENDPOINT",
}

func clearEnv(t *testing.T) {
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, config.DriverSQLite, cfg.Driver)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, 24*time.Hour, cfg.RecordTTL)
	assert.Equal(t, 30*time.Second, cfg.Lease)
	assert.False(t, cfg.OTel.Enabled)
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("HELM_ONCE_SERVICE", "trading")
	t.Setenv("DATABASE_DRIVER", "Postgres")
	t.Setenv("DATABASE_URL", "postgres://once@db:5432/once")
	t.Setenv("RECORD_TTL", "48h")
	t.Setenv("OUTBOX_MAX_ATTEMPTS", "4")
	t.Setenv("OUTBOX_RATE", "12.5")
	t.Setenv("OTEL_ENABLED", "true")
	t.Setenv("SAGA_STEP_ATTEMPTS", "5")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "trading", cfg.Service)
	assert.Equal(t, config.DriverPostgres, cfg.Driver)
	assert.Equal(t, 48*time.Hour, cfg.RecordTTL)
	assert.Equal(t, 4, cfg.Outbox.MaxAttempts)
	assert.InDelta(t, 12.5, cfg.Outbox.Rate, 1e-9)
	assert.True(t, cfg.OTel.Enabled)

	relay := cfg.Relay("relay-1")
	assert.Equal(t, "relay-1", relay.WorkerID)
	assert.Equal(t, 4, relay.Backoff.MaxAttempts)
	assert.Equal(t, "trading", cfg.Executor().Service)
	assert.Equal(t, 5, cfg.Executor().StepRetry.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Coordinator("c1").LockTTL)
}

func TestLoadRejectsMalformedEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("RECORD_TTL", "a day")
	t.Setenv("OUTBOX_BATCH_SIZE", "many")
	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RECORD_TTL")
	assert.Contains(t, err.Error(), "OUTBOX_BATCH_SIZE")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"unknown driver", func(c *config.Config) { c.Driver = "mysql" }},
		{"missing url", func(c *config.Config) { c.DatabaseURL = "" }},
		{"lease outlives record", func(c *config.Config) { c.Lease = 25 * time.Hour }},
		{"inverted backoff", func(c *config.Config) { c.Outbox.MaxBackoff = time.Millisecond }},
		{"log format", func(c *config.Config) { c.LogFormat = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	mem := config.Default()
	mem.Driver = config.DriverMemory
	mem.DatabaseURL = ""
	assert.NoError(t, mem.Validate())
}

func TestLoadFileEnvWins(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "once.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
service: payments
database_driver: memory
lease_duration: 10s
outbox:
  batch_size: 25
  poll_interval: 250ms
saga:
  step_attempts: 5
`), 0o600))
	t.Setenv("LEASE_DURATION", "15s")

	cfg, err := config.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "payments", cfg.Service)
	assert.Equal(t, config.DriverMemory, cfg.Driver)
	assert.Equal(t, 15*time.Second, cfg.Lease)
	assert.Equal(t, 25, cfg.Outbox.BatchSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Outbox.PollInterval)
	assert.Equal(t, 5, cfg.Saga.StepAttempts)
	assert.Equal(t, 10, cfg.Outbox.MaxAttempts, "unset keys keep defaults")

	_, err = config.LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
