package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeEnvFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadWithPath_Defaults(t *testing.T) {
	cfg, err := LoadWithPath(writeEnvFile(t, "APP_NAME=booking-core-test\n"))
	require.NoError(t, err)

	assert.Equal(t, "booking-core-test", cfg.App.Name)
	assert.Equal(t, 15*time.Second, cfg.Lock.TTL)
	assert.Equal(t, 60*time.Minute, cfg.Ledger.BufferWindow)
	assert.Equal(t, 1, cfg.Ledger.DeliveryCapacity)
	assert.Equal(t, []string{"countable", "time_bound"}, cfg.Admission.QueueCategories)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "log", cfg.Events.Sink)
	assert.True(t, cfg.Queue.Embedded)
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())
}

func TestLoadWithPath_Overrides(t *testing.T) {
	path := writeEnvFile(t, `
KAFKA_BROKERS=k1:9092, k2:9092,
LOCK_TTL=30s
LEDGER_BUFFER_WINDOW=45m
EVENTS_SINK=KAFKA
QUEUE_MAX_ATTEMPTS=3
QUEUE_EMBEDDED=false
`)
	cfg, err := LoadWithPath(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 30*time.Second, cfg.Lock.TTL)
	assert.Equal(t, 45*time.Minute, cfg.Ledger.BufferWindow)
	assert.Equal(t, "kafka", cfg.Events.Sink)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.False(t, cfg.Queue.Embedded)
}

func TestLoadWithPath_MissingFile(t *testing.T) {
	_, err := LoadWithPath(filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := LoadWithPath(writeEnvFile(t, "APP_NAME=x\n"))
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"lock ttl too short", func(c *Config) { c.Lock.TTL = 500 * time.Millisecond }},
		{"lock ttl too long", func(c *Config) { c.Lock.TTL = 2 * time.Minute }},
		{"zero buffer window", func(c *Config) { c.Ledger.BufferWindow = 0 }},
		{"zero delivery capacity", func(c *Config) { c.Ledger.DeliveryCapacity = 0 }},
		{"zero failure threshold", func(c *Config) { c.Breaker.FailureThreshold = 0 }},
		{"unknown sink", func(c *Config) { c.Events.Sink = "smtp" }},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }},
		{"zero max attempts", func(c *Config) { c.Queue.MaxAttempts = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitList(" a ,,b, "))
	assert.Empty(t, splitList(""))
}
