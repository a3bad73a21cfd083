// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. BOOST_SERVER_PORT.
const EnvPrefix = "BOOST"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Registry RegistryConfig `mapstructure:"registry"`
	Fetch    FetchConfig    `mapstructure:"fetch"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Crawl    CrawlConfig    `mapstructure:"crawl"`
	Training TrainingConfig `mapstructure:"training"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Catalog  CatalogConfig  `mapstructure:"catalog"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
	// RequestTimeoutSeconds bounds every route except synchronous training.
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
	ShutdownSeconds       int `mapstructure:"shutdown_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// RegistryConfig points at the project registry file.
type RegistryConfig struct {
	File string `mapstructure:"file"`
	// Project selects the startup project; BOOST_PROJECT also sets it.
	Project string `mapstructure:"project"`
	// Model, when set, is activated at startup instead of the project's latest.
	Model string `mapstructure:"model"`
}

// FetchConfig configures the HTTP page fetcher chain.
type FetchConfig struct {
	UserAgent        string          `mapstructure:"user_agent"`
	TimeoutSeconds   int             `mapstructure:"timeout_seconds"`
	RespectRobots    bool            `mapstructure:"respect_robots"`
	MaxBodyBytes     int             `mapstructure:"max_body_bytes"`
	MaxRetries       int             `mapstructure:"max_retries"`
	BackoffInitialMs int             `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int             `mapstructure:"backoff_max_ms"`
	RateLimit        RateLimitConfig `mapstructure:"rate_limit"`
	Headless         HeadlessConfig  `mapstructure:"headless"`
}

// RateLimitConfig throttles requests per host.
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// HeadlessConfig configures optional browser rendering of script-heavy pages.
type HeadlessConfig struct {
	Enabled            bool `mapstructure:"enabled"`
	MaxParallel        int  `mapstructure:"max_parallel"`
	NavTimeoutSec      int  `mapstructure:"nav_timeout_seconds"`
	PromotionThreshold int  `mapstructure:"promotion_threshold"`
	MinTextBytes       int  `mapstructure:"min_text_bytes"`
}

// ArchiveConfig limits what is read out of downloaded archives.
type ArchiveConfig struct {
	MaxFileBytes int64 `mapstructure:"max_file_bytes"`
	MaxFiles     int   `mapstructure:"max_files"`
}

// CrawlConfig governs breadth-first crawls.
type CrawlConfig struct {
	DefaultMaxPages int      `mapstructure:"default_max_pages"`
	DenyDomains     []string `mapstructure:"deny_domains"`
}

// TrainingConfig sizes the asynchronous training pool.
type TrainingConfig struct {
	Workers           int `mapstructure:"workers"`
	QueueDepth        int `mapstructure:"queue_depth"`
	Rounds            int `mapstructure:"rounds"`
	JobTimeoutSeconds int `mapstructure:"job_timeout_seconds"`
}

// StorageConfig selects the artifact blob backend.
type StorageConfig struct {
	Backend string             `mapstructure:"backend"`
	Prefix  string             `mapstructure:"prefix"`
	Local   LocalStorageConfig `mapstructure:"local"`
	GCS     GCSStorageConfig   `mapstructure:"gcs"`
}

// LocalStorageConfig roots the filesystem backend.
type LocalStorageConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// GCSStorageConfig names the bucket for the GCS backend.
type GCSStorageConfig struct {
	Bucket string `mapstructure:"bucket"`
}

// CatalogConfig controls the optional Postgres artifact catalog.
type CatalogConfig struct {
	DSN                    string `mapstructure:"dsn"`
	Table                  string `mapstructure:"table"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeSeconds int    `mapstructure:"max_conn_lifetime_seconds"`
}

// PubSubConfig holds metadata for model lifecycle notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// TracingConfig controls OpenTelemetry sampling.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("registry.project", EnvPrefix+"_PROJECT", EnvPrefix+"_REGISTRY_PROJECT"); err != nil {
		return Config{}, fmt.Errorf("bind env: %w", err)
	}

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
	v.SetDefault("server.request_timeout_seconds", 30)
	v.SetDefault("server.shutdown_seconds", 10)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("registry.file", "projects.yaml")
	v.SetDefault("fetch.user_agent", "boostserve/0.1")
	v.SetDefault("fetch.timeout_seconds", 15)
	v.SetDefault("fetch.respect_robots", false)
	v.SetDefault("fetch.max_body_bytes", 10<<20)
	v.SetDefault("fetch.max_retries", 2)
	v.SetDefault("fetch.backoff_initial_ms", 250)
	v.SetDefault("fetch.backoff_max_ms", 2000)
	v.SetDefault("fetch.rate_limit.rps", 2.0)
	v.SetDefault("fetch.rate_limit.burst", 2)
	v.SetDefault("fetch.headless.enabled", false)
	v.SetDefault("fetch.headless.max_parallel", 1)
	v.SetDefault("fetch.headless.nav_timeout_seconds", 25)
	v.SetDefault("fetch.headless.promotion_threshold", 2048)
	v.SetDefault("fetch.headless.min_text_bytes", 200)
	v.SetDefault("archive.max_file_bytes", 1<<20)
	v.SetDefault("archive.max_files", 5000)
	v.SetDefault("crawl.default_max_pages", 10)
	v.SetDefault("training.workers", 2)
	v.SetDefault("training.queue_depth", 16)
	v.SetDefault("training.rounds", 10)
	v.SetDefault("training.job_timeout_seconds", 1800)
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.prefix", "models")
	v.SetDefault("storage.local.base_dir", "data")
	v.SetDefault("catalog.table", "model_artifacts")
	v.SetDefault("catalog.max_conns", 4)
	v.SetDefault("catalog.max_conn_lifetime_seconds", 3600)
	v.SetDefault("tracing.service_name", "boostserve")
	v.SetDefault("tracing.sample_ratio", 0.1)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	if c.Fetch.MaxRetries < 0 {
		return fmt.Errorf("fetch.max_retries must be >= 0")
	}
	if c.Fetch.RateLimit.RPS < 0 {
		return fmt.Errorf("fetch.rate_limit.rps must be >= 0")
	}
	if c.Fetch.Headless.Enabled && c.Fetch.Headless.MaxParallel <= 0 {
		return fmt.Errorf("fetch.headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Crawl.DefaultMaxPages <= 0 {
		return fmt.Errorf("crawl.default_max_pages must be > 0")
	}
	if c.Training.Workers <= 0 {
		return fmt.Errorf("training.workers must be > 0")
	}
	if c.Training.QueueDepth <= 0 {
		return fmt.Errorf("training.queue_depth must be > 0")
	}
	if c.Training.Rounds <= 0 {
		return fmt.Errorf("training.rounds must be > 0")
	}
	switch c.Storage.Backend {
	case "memory":
	case "local":
		if c.Storage.Local.BaseDir == "" {
			return fmt.Errorf("storage.local.base_dir must be set for the local backend")
		}
	case "gcs":
		if c.Storage.GCS.Bucket == "" {
			return fmt.Errorf("storage.gcs.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend must be one of memory, local, gcs; got %q", c.Storage.Backend)
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
	}
	return nil
}

// FetchTimeout is the per-request budget of the page fetcher.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}

// JobTimeout bounds one asynchronous training job; zero disables the bound.
func (c Config) JobTimeout() time.Duration {
	return time.Duration(c.Training.JobTimeoutSeconds) * time.Second
}

// RequestTimeout bounds synchronous API handlers.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}
