// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Store      StoreConfig      `mapstructure:"store"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Circuit    CircuitConfig    `mapstructure:"circuit"`
	Quarantine QuarantineConfig `mapstructure:"quarantine"`
	Rotation   RotationConfig   `mapstructure:"rotation"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	DeadLetter DeadLetterConfig `mapstructure:"dead_letter"`
	Incident   IncidentConfig   `mapstructure:"incident"`
	FastMode   FastModeConfig   `mapstructure:"fast_mode"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Extractor  ExtractorConfig  `mapstructure:"extractor"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// StoreConfig selects the durable key-value provider.
type StoreConfig struct {
	Provider string         `mapstructure:"provider"` // memory, redis, postgres
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig configures the Redis key-value provider.
type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
}

// PostgresConfig configures the Postgres key-value provider.
type PostgresConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// CacheConfig governs the response cache envelopes.
type CacheConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	TTLSeconds   int  `mapstructure:"ttl_seconds"`
	StaleSeconds int  `mapstructure:"stale_seconds"`
	SWREnabled   bool `mapstructure:"swr_enabled"`
}

// QueueConfig bounds concurrent and queued work at the front door.
type QueueConfig struct {
	Concurrency         int `mapstructure:"concurrency"`
	MaxSize             int `mapstructure:"max_size"`
	TaskTimeoutSeconds  int `mapstructure:"task_timeout_seconds"`
	DrainTimeoutSeconds int `mapstructure:"drain_timeout_seconds"`
}

// RetryConfig controls the adaptive retry policy.
type RetryConfig struct {
	MaxAttempts    int `mapstructure:"max_attempts"`
	BaseDelayMs    int `mapstructure:"base_delay_ms"`
	MaxDelayMs     int `mapstructure:"max_delay_ms"`
	BlockedDelayMs int `mapstructure:"blocked_delay_ms"`
	JitterMs       int `mapstructure:"jitter_ms"`
}

// CircuitConfig controls the per-source circuit breaker registry.
type CircuitConfig struct {
	FailureThreshold         int `mapstructure:"failure_threshold"`
	OpenSeconds              int `mapstructure:"open_seconds"`
	HalfOpenSuccessThreshold int `mapstructure:"half_open_success_threshold"`
}

// QuarantineConfig sets default quarantine durations.
type QuarantineConfig struct {
	SourceSeconds int `mapstructure:"source_seconds"`
	ProxySeconds  int `mapstructure:"proxy_seconds"`
}

// RotationConfig declares the static proxy and fingerprint candidate sets.
type RotationConfig struct {
	Enabled      bool               `mapstructure:"enabled"`
	Proxies      []ProxyEntry       `mapstructure:"proxies"`
	Fingerprints []FingerprintEntry `mapstructure:"fingerprints"`
}

// ProxyEntry is one configured egress proxy.
type ProxyEntry struct {
	ID  string `mapstructure:"id"`
	URL string `mapstructure:"url"`
}

// FingerprintEntry is one configured browser identity profile.
type FingerprintEntry struct {
	ID        string `mapstructure:"id"`
	UserAgent string `mapstructure:"user_agent"`
	Locale    string `mapstructure:"locale"`
	Platform  string `mapstructure:"platform"`
}

// CheckpointConfig bounds the execution trace store.
type CheckpointConfig struct {
	MaxRecords int `mapstructure:"max_records"`
}

// DeadLetterConfig bounds the dead-letter queue.
type DeadLetterConfig struct {
	MaxEntries       int  `mapstructure:"max_entries"`
	RetentionHours   int  `mapstructure:"retention_hours"`
	ArchiveEvictions bool `mapstructure:"archive_evictions"`
	ArchiveProvider  string `mapstructure:"archive_provider"` // memory, local, gcs
	ArchivePath      string `mapstructure:"archive_path"`
	ArchiveBucket    string `mapstructure:"archive_bucket"`
}

// IncidentConfig tunes spike detection and delivery.
type IncidentConfig struct {
	BufferSize           int    `mapstructure:"buffer_size"`
	BlockedWindowSeconds int    `mapstructure:"blocked_window_seconds"`
	BlockedSpikeCount    int    `mapstructure:"blocked_spike_count"`
	WebhookURL           string `mapstructure:"webhook_url"`
	Publisher            string `mapstructure:"publisher"` // none, memory, pubsub
	PubSubProjectID      string `mapstructure:"pubsub_project_id"`
	PubSubTopic          string `mapstructure:"pubsub_topic"`
}

// FastModeConfig trims requested fields for latency-sensitive callers.
type FastModeConfig struct {
	Enabled   bool                         `mapstructure:"enabled"`
	MaxFields int                          `mapstructure:"max_fields"`
	Defaults  map[string]map[string][]string `mapstructure:"defaults"` // source -> operation -> fields
}

// RateLimitConfig paces attempts per source.
type RateLimitConfig struct {
	DefaultRPS   float64            `mapstructure:"default_rps"`
	DefaultBurst int                `mapstructure:"default_burst"`
	SourceRPS    map[string]float64 `mapstructure:"source_rps"`
}

// ExtractorConfig configures the built-in extraction adapters.
type ExtractorConfig struct {
	UserAgent       string                 `mapstructure:"user_agent"`
	TimeoutSeconds  int                    `mapstructure:"timeout_seconds"`
	Headless        bool                   `mapstructure:"headless"`
	HeadlessMaxPar  int                    `mapstructure:"headless_max_parallel"`
	HeadlessNavSecs int                    `mapstructure:"headless_nav_timeout_seconds"`
	Sources         map[string]SourceEntry `mapstructure:"sources"`
}

// SourceEntry declares one content source and its supported operations.
type SourceEntry struct {
	Operations map[string]OperationEntry `mapstructure:"operations"`
}

// OperationEntry maps one operation to its URL template and field selectors.
type OperationEntry struct {
	URLTemplate string            `mapstructure:"url_template"`
	Selectors   map[string]string `mapstructure:"selectors"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FETCHGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("store.provider", "memory")
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.ttl_seconds", 120)
	v.SetDefault("cache.stale_seconds", 600)
	v.SetDefault("cache.swr_enabled", true)
	v.SetDefault("queue.concurrency", 8)
	v.SetDefault("queue.max_size", 64)
	v.SetDefault("queue.task_timeout_seconds", 60)
	v.SetDefault("queue.drain_timeout_seconds", 30)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay_ms", 250)
	v.SetDefault("retry.max_delay_ms", 5000)
	v.SetDefault("retry.blocked_delay_ms", 2000)
	v.SetDefault("retry.jitter_ms", 200)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.open_seconds", 60)
	v.SetDefault("circuit.half_open_success_threshold", 2)
	v.SetDefault("quarantine.source_seconds", 300)
	v.SetDefault("quarantine.proxy_seconds", 600)
	v.SetDefault("rotation.enabled", true)
	v.SetDefault("checkpoint.max_records", 500)
	v.SetDefault("dead_letter.max_entries", 200)
	v.SetDefault("dead_letter.retention_hours", 0)
	v.SetDefault("dead_letter.archive_evictions", false)
	v.SetDefault("dead_letter.archive_provider", "memory")
	v.SetDefault("incident.buffer_size", 200)
	v.SetDefault("incident.blocked_window_seconds", 300)
	v.SetDefault("incident.blocked_spike_count", 5)
	v.SetDefault("incident.publisher", "none")
	v.SetDefault("fast_mode.enabled", true)
	v.SetDefault("fast_mode.max_fields", 8)
	v.SetDefault("rate_limit.default_rps", 1)
	v.SetDefault("rate_limit.default_burst", 2)
	v.SetDefault("extractor.user_agent", "fetchgate/1.0")
	v.SetDefault("extractor.timeout_seconds", 20)
	v.SetDefault("extractor.headless", false)
	v.SetDefault("extractor.headless_max_parallel", 1)
	v.SetDefault("extractor.headless_nav_timeout_seconds", 25)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Store.Provider {
	case "memory":
	case "redis":
		if c.Store.Redis.URL == "" {
			return fmt.Errorf("store.redis.url must be set when provider is redis")
		}
	case "postgres":
		if c.Store.Postgres.DSN == "" {
			return fmt.Errorf("store.postgres.dsn must be set when provider is postgres")
		}
	default:
		return fmt.Errorf("unknown store provider: %s", c.Store.Provider)
	}
	if c.Queue.Concurrency <= 0 {
		return fmt.Errorf("queue.concurrency must be > 0")
	}
	if c.Queue.MaxSize < 0 {
		return fmt.Errorf("queue.max_size must be >= 0")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	if c.Retry.MaxDelayMs < c.Retry.BaseDelayMs {
		return fmt.Errorf("retry.max_delay_ms must be >= retry.base_delay_ms")
	}
	if c.Circuit.FailureThreshold <= 0 {
		return fmt.Errorf("circuit.failure_threshold must be > 0")
	}
	if c.Circuit.HalfOpenSuccessThreshold <= 0 {
		return fmt.Errorf("circuit.half_open_success_threshold must be > 0")
	}
	if c.DeadLetter.MaxEntries <= 0 {
		return fmt.Errorf("dead_letter.max_entries must be > 0")
	}
	if c.Incident.Publisher == "pubsub" && (c.Incident.PubSubProjectID == "" || c.Incident.PubSubTopic == "") {
		return fmt.Errorf("incident.pubsub_project_id and incident.pubsub_topic must be set for the pubsub publisher")
	}
	if c.DeadLetter.ArchiveEvictions && c.DeadLetter.ArchiveProvider == "gcs" && c.DeadLetter.ArchiveBucket == "" {
		return fmt.Errorf("dead_letter.archive_bucket must be set for the gcs archive provider")
	}
	for name, src := range c.Extractor.Sources {
		for op, entry := range src.Operations {
			if entry.URLTemplate == "" {
				return fmt.Errorf("extractor.sources.%s.operations.%s.url_template must be set", name, op)
			}
		}
	}
	return nil
}

// CacheTTL returns the fresh lifetime of cache entries.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}

// CacheStaleTTL returns the additional stale-while-revalidate window.
func (c Config) CacheStaleTTL() time.Duration {
	return time.Duration(c.Cache.StaleSeconds) * time.Second
}
