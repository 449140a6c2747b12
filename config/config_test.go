package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := Default()
	cfg.AppName = "api"
	cfg.DestinationApp = "worker"
	return cfg
}

func TestDefaultValidates(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 5, cfg.MaxDeliver)
	assert.Equal(t, 30*time.Second, cfg.AckWait)
	assert.Equal(t, []time.Duration{time.Second, 5 * time.Second, 15 * time.Second, 30 * time.Second, 60 * time.Second}, cfg.Backoff)
	assert.Equal(t, ModePull, cfg.ConsumerMode)
	assert.True(t, cfg.UseDLQ)
	assert.False(t, cfg.UseOutbox)
	assert.False(t, cfg.UseInbox)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty app_name", func(c *Config) { c.AppName = "" }},
		{"dotted app_name", func(c *Config) { c.AppName = "a.b" }},
		{"wildcard destination", func(c *Config) { c.DestinationApp = "*" }},
		{"same app and destination", func(c *Config) { c.DestinationApp = c.AppName }},
		{"empty env", func(c *Config) { c.Env = "" }},
		{"zero max_deliver", func(c *Config) { c.MaxDeliver = 0 }},
		{"zero ack_wait", func(c *Config) { c.AckWait = 0 }},
		{"empty backoff", func(c *Config) { c.Backoff = nil }},
		{"negative backoff entry", func(c *Config) { c.Backoff = []time.Duration{-time.Second} }},
		{"unknown consumer mode", func(c *Config) { c.ConsumerMode = "poll" }},
		{"zero batch", func(c *Config) { c.BatchSize = 0 }},
		{"zero workers", func(c *Config) { c.Workers = 0 }},
		{"no urls", func(c *Config) { c.NatsURLs = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}

func TestDerivedNames(t *testing.T) {
	cfg := validConfig()
	cfg.Env = "production"

	assert.Equal(t, "production-jetstream-bridge-stream", cfg.StreamName())
	assert.Equal(t, "api.sync.worker", cfg.EventSubject())
	assert.Equal(t, "api.sync.worker.dlq", cfg.DLQSubject())
	assert.Equal(t, "worker.sync.api", cfg.FilterSubject())
	assert.Equal(t, "api--worker", cfg.DurableName())
	assert.Equal(t, []string{"api.sync.worker", "api.sync.worker.dlq"}, cfg.DesiredSubjects())
}

func TestBackoffAtClamps(t *testing.T) {
	cfg := validConfig()
	cfg.Backoff = []time.Duration{time.Second, 5 * time.Second}

	assert.Equal(t, time.Second, cfg.BackoffAt(0))
	assert.Equal(t, 5*time.Second, cfg.BackoffAt(1))
	assert.Equal(t, 5*time.Second, cfg.BackoffAt(7))
	assert.Equal(t, time.Second, cfg.BackoffAt(-1))
}

func TestParseBackoff(t *testing.T) {
	got, err := ParseBackoff("1s, 5s,15s")
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{time.Second, 5 * time.Second, 15 * time.Second}, got)

	_, err = ParseBackoff("")
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = ParseBackoff("1s,banana")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestFromEnv(t *testing.T) {
	t.Setenv("BRIDGE_APP_NAME", "api")
	t.Setenv("BRIDGE_DESTINATION_APP", "worker")
	t.Setenv("BRIDGE_ENV", "staging")
	t.Setenv("BRIDGE_NATS_URLS", "nats://a:4222,nats://b:4222")
	t.Setenv("BRIDGE_BACKOFF", "2s,4s")
	t.Setenv("BRIDGE_USE_OUTBOX", "true")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "api", cfg.AppName)
	assert.Equal(t, "staging", cfg.Env)
	assert.Equal(t, []string{"nats://a:4222", "nats://b:4222"}, cfg.NatsURLs)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, cfg.Backoff)
	assert.True(t, cfg.UseOutbox)
	assert.Equal(t, AutoStartSkipIfInteractive, cfg.AutoStart)
}

func TestFromEnvRequiresIdentity(t *testing.T) {
	t.Setenv("BRIDGE_APP_NAME", "")
	t.Setenv("BRIDGE_DESTINATION_APP", "")

	_, err := FromEnv()
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestAutoStartFlags(t *testing.T) {
	t.Setenv("BRIDGE_APP_NAME", "api")
	t.Setenv("BRIDGE_DESTINATION_APP", "worker")

	t.Run("disable", func(t *testing.T) {
		t.Setenv("DISABLE_AUTOSTART", "1")
		cfg, err := FromEnv()
		require.NoError(t, err)
		assert.Equal(t, AutoStartNever, cfg.AutoStart)
		assert.False(t, cfg.AutoStart.ShouldStart(false))
	})

	t.Run("force wins over disable", func(t *testing.T) {
		t.Setenv("DISABLE_AUTOSTART", "1")
		t.Setenv("FORCE_AUTOSTART", "1")
		cfg, err := FromEnv()
		require.NoError(t, err)
		assert.Equal(t, AutoStartAlways, cfg.AutoStart)
		assert.True(t, cfg.AutoStart.ShouldStart(true))
	})
}

func TestAutoStartPolicyShouldStart(t *testing.T) {
	assert.True(t, AutoStartSkipIfInteractive.ShouldStart(false))
	assert.False(t, AutoStartSkipIfInteractive.ShouldStart(true))
	assert.True(t, AutoStartAlways.ShouldStart(true))
	assert.False(t, AutoStartNever.ShouldStart(false))
}
