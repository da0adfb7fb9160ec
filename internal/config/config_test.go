package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.HTTPAddr)
	require.Equal(t, time.Second, cfg.Streaming.CacheFlushInterval)
	require.Equal(t, 4*time.Second, cfg.Streaming.DurableFlushInterval)
	require.Equal(t, 5*time.Minute, cfg.Streaming.SweepInterval)
	require.Equal(t, time.Hour, cfg.Streaming.SessionCeiling)
	require.False(t, cfg.Worker.Enabled)
	require.Equal(t, "wegent-worker", cfg.Worker.ExecutorName)
	require.Equal(t, "skip", cfg.Scheduler.ConcurrencyPolicy)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
http_addr: ":9090"
streaming:
  cache_flush_interval: 2s
  durable_flush_interval: 8s
worker:
  enabled: true
  size: 8
scheduler:
  enabled: true
  triggers:
    - name: nightly
      schedule: "0 2 * * *"
      user_id: user-1
      prompt: report
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.HTTPAddr)
	require.Equal(t, 2*time.Second, cfg.Streaming.CacheFlushInterval)
	require.Equal(t, 8*time.Second, cfg.Streaming.DurableFlushInterval)
	require.True(t, cfg.Worker.Enabled)
	require.Equal(t, 8, cfg.Worker.Size)
	require.Len(t, cfg.Scheduler.Triggers, 1)
	require.Equal(t, "nightly", cfg.Scheduler.Triggers[0].Name)
	require.Equal(t, "0 2 * * *", cfg.Scheduler.Triggers[0].Schedule)
	// Unset keys keep their defaults.
	require.Equal(t, time.Hour, cfg.Streaming.SessionCeiling)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults valid", func(c *Config) {}, false},
		{"empty addr", func(c *Config) { c.HTTPAddr = "" }, true},
		{"zero cache interval", func(c *Config) { c.Streaming.CacheFlushInterval = 0 }, true},
		{"durable below cache", func(c *Config) { c.Streaming.DurableFlushInterval = 500 * time.Millisecond }, true},
		{"zero ceiling", func(c *Config) { c.Streaming.SessionCeiling = 0 }, true},
		{"enabled worker without size", func(c *Config) { c.Worker.Enabled = true; c.Worker.Size = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}
