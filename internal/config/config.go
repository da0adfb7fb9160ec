// Package config loads server configuration from a YAML file with WEGENT_*
// environment overrides layered on top.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all server-level settings.
type Config struct {
	// HTTPAddr is the listen address for the API server, e.g. ":8080".
	HTTPAddr string `mapstructure:"http_addr"`

	// DatabaseURL is the Postgres connection string. Empty selects the
	// in-memory store (single-binary / test mode).
	DatabaseURL string `mapstructure:"database_url"`

	// AllowedOrigins lists CORS origins for the live channel endpoints.
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	Streaming StreamingConfig `mapstructure:"streaming"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

// StreamingConfig tunes the ingestion pipeline cadences.
type StreamingConfig struct {
	// CacheFlushInterval throttles writes of stream buffers to the fast cache.
	CacheFlushInterval time.Duration `mapstructure:"cache_flush_interval"`
	// DurableFlushInterval throttles RUNNING-state writes to the durable store.
	DurableFlushInterval time.Duration `mapstructure:"durable_flush_interval"`
	// SweepInterval is how often abandoned sessions are reclaimed.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	// SessionCeiling is the idle age past which a session is reclaimed.
	SessionCeiling time.Duration `mapstructure:"session_ceiling"`
	// CacheSize bounds the fast-cache entry count.
	CacheSize int `mapstructure:"cache_size"`
	// CacheTTL bounds the lifetime of fast-cache entries.
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// WorkerConfig tunes the claim-and-run worker pool.
type WorkerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Size is the number of concurrent claim loops.
	Size int `mapstructure:"size"`
	// PollInterval is the idle sleep between empty claim calls.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// ExecutorName and ExecutorNamespace identify this worker fleet on
	// claimed subtasks.
	ExecutorName      string `mapstructure:"executor_name"`
	ExecutorNamespace string `mapstructure:"executor_namespace"`
}

// SchedulerConfig holds the cron subscription scheduler settings.
type SchedulerConfig struct {
	Enabled           bool            `mapstructure:"enabled"`
	ConcurrencyPolicy string          `mapstructure:"concurrency_policy"`
	Triggers          []TriggerConfig `mapstructure:"triggers"`
}

// TriggerConfig describes one recurring task subscription.
type TriggerConfig struct {
	Name     string   `mapstructure:"name"`
	Schedule string   `mapstructure:"schedule"`
	UserID   string   `mapstructure:"user_id"`
	Title    string   `mapstructure:"title"`
	Prompt   string   `mapstructure:"prompt"`
	BotIDs   []string `mapstructure:"bot_ids"`
	TeamID   string   `mapstructure:"team_id"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTPAddr: ":8080",
		Streaming: StreamingConfig{
			CacheFlushInterval:   time.Second,
			DurableFlushInterval: 4 * time.Second,
			SweepInterval:        5 * time.Minute,
			SessionCeiling:       time.Hour,
			CacheSize:            4096,
			CacheTTL:             10 * time.Minute,
		},
		Worker: WorkerConfig{
			Enabled:           false,
			Size:              4,
			PollInterval:      2 * time.Second,
			ExecutorName:      "wegent-worker",
			ExecutorNamespace: "default",
		},
		Scheduler: SchedulerConfig{
			ConcurrencyPolicy: "skip",
		},
	}
}

// Load reads configuration from path (optional) and the environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("WEGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := Default()
	setDefaults(v, cfg)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("http_addr", cfg.HTTPAddr)
	v.SetDefault("database_url", cfg.DatabaseURL)
	v.SetDefault("streaming.cache_flush_interval", cfg.Streaming.CacheFlushInterval)
	v.SetDefault("streaming.durable_flush_interval", cfg.Streaming.DurableFlushInterval)
	v.SetDefault("streaming.sweep_interval", cfg.Streaming.SweepInterval)
	v.SetDefault("streaming.session_ceiling", cfg.Streaming.SessionCeiling)
	v.SetDefault("streaming.cache_size", cfg.Streaming.CacheSize)
	v.SetDefault("streaming.cache_ttl", cfg.Streaming.CacheTTL)
	v.SetDefault("worker.enabled", cfg.Worker.Enabled)
	v.SetDefault("worker.size", cfg.Worker.Size)
	v.SetDefault("worker.poll_interval", cfg.Worker.PollInterval)
	v.SetDefault("worker.executor_name", cfg.Worker.ExecutorName)
	v.SetDefault("worker.executor_namespace", cfg.Worker.ExecutorNamespace)
	v.SetDefault("scheduler.enabled", cfg.Scheduler.Enabled)
	v.SetDefault("scheduler.concurrency_policy", cfg.Scheduler.ConcurrencyPolicy)
}

// Validate rejects configurations the server cannot run with.
func (c Config) Validate() error {
	if c.HTTPAddr == "" {
		return fmt.Errorf("http_addr must not be empty")
	}
	if c.Streaming.CacheFlushInterval <= 0 {
		return fmt.Errorf("streaming.cache_flush_interval must be positive")
	}
	if c.Streaming.DurableFlushInterval < c.Streaming.CacheFlushInterval {
		return fmt.Errorf("streaming.durable_flush_interval must be >= cache_flush_interval")
	}
	if c.Streaming.SessionCeiling <= 0 {
		return fmt.Errorf("streaming.session_ceiling must be positive")
	}
	if c.Worker.Enabled && c.Worker.Size <= 0 {
		return fmt.Errorf("worker.size must be positive when worker.enabled")
	}
	return nil
}
