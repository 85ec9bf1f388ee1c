// Package config loads and validates pagewatch configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Governor  GovernorConfig  `mapstructure:"governor"`
	Fetcher   FetcherConfig   `mapstructure:"fetcher"`
	Checker   CheckerConfig   `mapstructure:"checker"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Export    ExportConfig    `mapstructure:"export"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int     `mapstructure:"port"`
	RequestTimeoutSeconds int     `mapstructure:"request_timeout_seconds"`
	RateLimitRPS          float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst        int     `mapstructure:"rate_limit_burst"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features and the tailable log file.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	File        string `mapstructure:"file"`
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	Driver      string `mapstructure:"driver"`
	SQLitePath  string `mapstructure:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
	MaxConns    int    `mapstructure:"max_conns"`
}

// CacheConfig configures the page cache tiers.
type CacheConfig struct {
	Dir         string `mapstructure:"dir"`
	TTLSeconds  int    `mapstructure:"ttl_seconds"`
	MemoryItems int    `mapstructure:"memory_items"`
}

// GovernorConfig configures process-wide request pacing.
type GovernorConfig struct {
	MinIntervalMs        int `mapstructure:"min_interval_ms"`
	MaxPerMinute         int `mapstructure:"max_per_minute"`
	PerDomainConcurrency int `mapstructure:"per_domain_concurrency"`
	FailureThreshold     int `mapstructure:"failure_threshold"`
	BlockBaseSeconds     int `mapstructure:"block_base_seconds"`
	BlockMaxSeconds      int `mapstructure:"block_max_seconds"`
	RetryBaseSeconds     int `mapstructure:"retry_base_seconds"`
	RetryMaxSeconds      int `mapstructure:"retry_max_seconds"`
}

// DomainRule overrides page validation for one host.
type DomainRule struct {
	Domain    string   `mapstructure:"domain"`
	MinLength int      `mapstructure:"min_length"`
	Markers   []string `mapstructure:"markers"`
}

// IntervalConfig tunes the fetcher's local adaptive interval.
type IntervalConfig struct {
	StartMs int     `mapstructure:"start_ms"`
	MinMs   int     `mapstructure:"min_ms"`
	MaxMs   int     `mapstructure:"max_ms"`
	Penalty float64 `mapstructure:"penalty"`
}

// FetcherConfig configures the page fetcher.
type FetcherConfig struct {
	MaxRetries            int            `mapstructure:"max_retries"`
	ConnectTimeoutSeconds int            `mapstructure:"connect_timeout_seconds"`
	ReadTimeoutSeconds    int            `mapstructure:"read_timeout_seconds"`
	MinContentLength      int            `mapstructure:"min_content_length"`
	Proxies               []string       `mapstructure:"proxies"`
	DomainRules           []DomainRule   `mapstructure:"domain_rules"`
	Interval              IntervalConfig `mapstructure:"interval"`
}

// CheckerConfig configures the update orchestrator.
type CheckerConfig struct {
	Workers   int `mapstructure:"workers"`
	StaggerMs int `mapstructure:"stagger_ms"`
}

// SchedulerConfig configures the auto-check loop.
type SchedulerConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	WarmupSeconds int  `mapstructure:"warmup_seconds"`
	TickSeconds   int  `mapstructure:"tick_seconds"`
}

// ProgressConfig sizes the progress hub and the live stream buffers.
type ProgressConfig struct {
	BufferSize     int  `mapstructure:"buffer_size"`
	MaxBatchEvents int  `mapstructure:"max_batch_events"`
	MaxBatchWaitMs int  `mapstructure:"max_batch_wait_ms"`
	SinkTimeoutMs  int  `mapstructure:"sink_timeout_ms"`
	LogEvents      bool `mapstructure:"log_events"`
	StreamBuffer   int  `mapstructure:"stream_buffer"`
}

// TelegramConfig configures the optional new-item notifier.
type TelegramConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Token   string `mapstructure:"token"`
	ChatID  int64  `mapstructure:"chat_id"`
}

// NotifyConfig groups notification channels.
type NotifyConfig struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// ExportConfig configures feed and JSON exports.
type ExportConfig struct {
	FeedTitle string `mapstructure:"feed_title"`
	FeedLink  string `mapstructure:"feed_link"`
	MaxItems  int    `mapstructure:"max_items"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PAGEWATCH")
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

// DefaultMarkers are class-name patterns whose presence marks a real listing
// page. A domain rule without markers uses them.
var DefaultMarkers = []string{
	`col-xs-6\s+col-md-3`,
	`thumbnail`,
	`video-item`,
	`item`,
	`card`,
	`video-card`,
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 30)
	v.SetDefault("server.rate_limit_rps", 2.0)
	v.SetDefault("server.rate_limit_burst", 5)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.file", "")
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.sqlite_path", "data/pagewatch.db")
	v.SetDefault("storage.max_conns", 8)
	v.SetDefault("cache.dir", "data/cache")
	v.SetDefault("cache.ttl_seconds", 300)
	v.SetDefault("cache.memory_items", 50)
	v.SetDefault("governor.min_interval_ms", 1000)
	v.SetDefault("governor.max_per_minute", 30)
	v.SetDefault("governor.per_domain_concurrency", 2)
	v.SetDefault("governor.failure_threshold", 3)
	v.SetDefault("governor.block_base_seconds", 30)
	v.SetDefault("governor.block_max_seconds", 300)
	v.SetDefault("governor.retry_base_seconds", 2)
	v.SetDefault("governor.retry_max_seconds", 60)
	v.SetDefault("fetcher.max_retries", 5)
	v.SetDefault("fetcher.connect_timeout_seconds", 10)
	v.SetDefault("fetcher.read_timeout_seconds", 30)
	v.SetDefault("fetcher.min_content_length", 500)
	v.SetDefault("fetcher.proxies", []string{})
	v.SetDefault("fetcher.domain_rules", []map[string]any{})
	v.SetDefault("fetcher.interval.start_ms", 1000)
	v.SetDefault("fetcher.interval.min_ms", 2000)
	v.SetDefault("fetcher.interval.max_ms", 15000)
	v.SetDefault("fetcher.interval.penalty", 2.0)
	v.SetDefault("checker.workers", 6)
	v.SetDefault("checker.stagger_ms", 200)
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.warmup_seconds", 10)
	v.SetDefault("scheduler.tick_seconds", 60)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch_events", 100)
	v.SetDefault("progress.max_batch_wait_ms", 250)
	v.SetDefault("progress.sink_timeout_ms", 5000)
	v.SetDefault("progress.log_events", false)
	v.SetDefault("progress.stream_buffer", 64)
	v.SetDefault("notify.telegram.enabled", false)
	v.SetDefault("export.feed_title", "pagewatch updates")
	v.SetDefault("export.feed_link", "http://localhost:8080/")
	v.SetDefault("export.max_items", 100)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("storage.sqlite_path must be set for the sqlite driver")
		}
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("storage.postgres_dsn must be set for the postgres driver")
		}
	case "memory":
	default:
		return fmt.Errorf("storage.driver %q is not supported", c.Storage.Driver)
	}
	if c.Cache.TTLSeconds <= 0 {
		return fmt.Errorf("cache.ttl_seconds must be > 0")
	}
	if c.Cache.MemoryItems <= 0 {
		return fmt.Errorf("cache.memory_items must be > 0")
	}
	if c.Governor.MaxPerMinute <= 0 {
		return fmt.Errorf("governor.max_per_minute must be > 0")
	}
	if c.Governor.PerDomainConcurrency <= 0 {
		return fmt.Errorf("governor.per_domain_concurrency must be > 0")
	}
	if c.Fetcher.MaxRetries <= 0 {
		return fmt.Errorf("fetcher.max_retries must be > 0")
	}
	if c.Fetcher.ReadTimeoutSeconds <= 0 {
		return fmt.Errorf("fetcher.read_timeout_seconds must be > 0")
	}
	for i, rule := range c.Fetcher.DomainRules {
		if rule.Domain == "" {
			return fmt.Errorf("fetcher.domain_rules[%d].domain must be set", i)
		}
	}
	if c.Checker.Workers <= 0 {
		return fmt.Errorf("checker.workers must be > 0")
	}
	if c.Notify.Telegram.Enabled && (c.Notify.Telegram.Token == "" || c.Notify.Telegram.ChatID == 0) {
		return fmt.Errorf("notify.telegram.token and chat_id must be set when telegram is enabled")
	}
	return nil
}

// ReadTimeout returns the fetcher read timeout as a duration.
func (c Config) ReadTimeout() time.Duration {
	return time.Duration(c.Fetcher.ReadTimeoutSeconds) * time.Second
}

// ConnectTimeout returns the fetcher dial timeout as a duration.
func (c Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Fetcher.ConnectTimeoutSeconds) * time.Second
}

// CacheTTL returns the page cache TTL as a duration.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}
