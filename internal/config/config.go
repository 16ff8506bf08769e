// Package config loads and validates archiver configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	API       APIConfig       `mapstructure:"api"`
	Capture   CaptureConfig   `mapstructure:"capture"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Events    EventsConfig    `mapstructure:"events"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int `mapstructure:"port"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	APIKey      string `mapstructure:"api_key"`
	OwnerHeader string `mapstructure:"owner_header"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// APIConfig bounds request payloads and lists browser origins allowed to
// call the API. An empty origin list disables CORS handling.
type APIConfig struct {
	MaxBulkIDs     int      `mapstructure:"max_bulk_ids"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// CaptureConfig governs the capture worker.
type CaptureConfig struct {
	Enabled              bool    `mapstructure:"enabled"`
	Concurrency          int     `mapstructure:"concurrency"`
	NavTimeoutSeconds    int     `mapstructure:"nav_timeout_seconds"`
	SettleTimeoutSeconds int     `mapstructure:"settle_timeout_seconds"`
	SettleQuietMs        int     `mapstructure:"settle_quiet_ms"`
	StepTimeoutSeconds   int     `mapstructure:"step_timeout_seconds"`
	TimeoutSeconds       int     `mapstructure:"timeout_seconds"`
	ViewportWidth        int     `mapstructure:"viewport_width"`
	ViewportHeight       int     `mapstructure:"viewport_height"`
	ScreenshotQuality    int     `mapstructure:"screenshot_quality"`
	UserAgent            string  `mapstructure:"user_agent"`
	MaxHTMLBytes         int     `mapstructure:"max_html_bytes"`
	MaxTextBytes         int     `mapstructure:"max_text_bytes"`
	MaxArtifactBytes     int     `mapstructure:"max_artifact_bytes"`
	DomainQPS            float64 `mapstructure:"domain_qps"`
	PreflightEnabled     bool    `mapstructure:"preflight_enabled"`
	PreflightTimeoutSec  int     `mapstructure:"preflight_timeout_seconds"`
}

// BrowserConfig controls how Chrome sessions are launched.
type BrowserConfig struct {
	ExecPath             string `mapstructure:"exec_path"`
	NoSandbox            bool   `mapstructure:"no_sandbox"`
	Headless             bool   `mapstructure:"headless"`
	LaunchTimeoutSeconds int    `mapstructure:"launch_timeout_seconds"`
}

// SchedulerConfig tunes dispatch and reconciliation.
type SchedulerConfig struct {
	WriteTimeoutSeconds int  `mapstructure:"write_timeout_seconds"`
	StaleAfterSeconds   int  `mapstructure:"stale_after_seconds"`
	ReconcileOnStart    bool `mapstructure:"reconcile_on_start"`
	ReconcileBatch      int  `mapstructure:"reconcile_batch"`
	// ReconcileIntervalSeconds spaces the periodic stale sweep. Zero means
	// half of stale_after_seconds; negative disables the sweep.
	ReconcileIntervalSeconds int `mapstructure:"reconcile_interval_seconds"`
}

// StorageConfig selects the artifact backend.
type StorageConfig struct {
	Backend       string      `mapstructure:"backend"`
	Prefix        string      `mapstructure:"prefix"`
	PublicBaseURL string      `mapstructure:"public_base_url"`
	Local         LocalConfig `mapstructure:"local"`
	GCS           GCSConfig   `mapstructure:"gcs"`
	S3            S3Config    `mapstructure:"s3"`
}

// LocalConfig roots the filesystem backend.
type LocalConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// GCSConfig names the bucket for the GCS backend.
type GCSConfig struct {
	Bucket string `mapstructure:"bucket"`
}

// S3Config addresses an S3-compatible bucket.
type S3Config struct {
	Bucket       string `mapstructure:"bucket"`
	Region       string `mapstructure:"region"`
	Endpoint     string `mapstructure:"endpoint"`
	AccessKey    string `mapstructure:"access_key"`
	SecretKey    string `mapstructure:"secret_key"`
	UsePathStyle bool   `mapstructure:"use_path_style"`
}

// DatabaseConfig selects the item store.
type DatabaseConfig struct {
	Backend            string `mapstructure:"backend"`
	DSN                string `mapstructure:"dsn"`
	Table              string `mapstructure:"table"`
	MaxConns           int32  `mapstructure:"max_conns"`
	MinConns           int32  `mapstructure:"min_conns"`
	MaxConnLifetimeSec int    `mapstructure:"max_conn_lifetime_seconds"`
	SQLitePath         string `mapstructure:"sqlite_path"`
}

// PubSubConfig holds metadata for lifecycle notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// EventsConfig tunes the lifecycle event hub.
type EventsConfig struct {
	BufferSize      int  `mapstructure:"buffer_size"`
	MaxBatchEvents  int  `mapstructure:"max_batch_events"`
	MaxBatchWaitMs  int  `mapstructure:"max_batch_wait_ms"`
	TerminalGraceMs int  `mapstructure:"terminal_grace_ms"`
	SinkTimeoutMs   int  `mapstructure:"sink_timeout_ms"`
	LogEnabled      bool `mapstructure:"log_enabled"`
	StreamBuffer    int  `mapstructure:"stream_buffer"`
}

// Load builds a Config from an optional .env file, disk and the environment.
func Load(path string) (Config, error) {
	// A missing .env file is fine.
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("ARCHIVER")
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
	v.SetDefault("server.request_timeout_seconds", 30)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("auth.owner_header", "X-Owner-ID")
	v.SetDefault("logging.development", true)
	v.SetDefault("api.max_bulk_ids", 500)
	v.SetDefault("api.allowed_origins", []string{})
	v.SetDefault("capture.enabled", true)
	v.SetDefault("capture.concurrency", 2)
	v.SetDefault("capture.nav_timeout_seconds", 45)
	v.SetDefault("capture.settle_timeout_seconds", 10)
	v.SetDefault("capture.settle_quiet_ms", 500)
	v.SetDefault("capture.step_timeout_seconds", 20)
	v.SetDefault("capture.timeout_seconds", 90)
	v.SetDefault("capture.viewport_width", 1280)
	v.SetDefault("capture.viewport_height", 800)
	v.SetDefault("capture.screenshot_quality", 100)
	v.SetDefault("capture.user_agent", "")
	v.SetDefault("capture.max_html_bytes", 5<<20)
	v.SetDefault("capture.max_text_bytes", 1<<20)
	v.SetDefault("capture.max_artifact_bytes", 50<<20)
	v.SetDefault("capture.domain_qps", 0.0)
	v.SetDefault("capture.preflight_enabled", true)
	v.SetDefault("capture.preflight_timeout_seconds", 10)
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.no_sandbox", true)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.launch_timeout_seconds", 30)
	v.SetDefault("scheduler.write_timeout_seconds", 10)
	v.SetDefault("scheduler.stale_after_seconds", 300)
	v.SetDefault("scheduler.reconcile_on_start", true)
	v.SetDefault("scheduler.reconcile_batch", 500)
	v.SetDefault("scheduler.reconcile_interval_seconds", 0)
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.prefix", "archives")
	v.SetDefault("storage.public_base_url", "")
	v.SetDefault("storage.local.base_dir", "./data/artifacts")
	v.SetDefault("storage.gcs.bucket", "")
	v.SetDefault("storage.s3.bucket", "")
	v.SetDefault("storage.s3.region", "us-east-1")
	v.SetDefault("storage.s3.endpoint", "")
	v.SetDefault("storage.s3.access_key", "")
	v.SetDefault("storage.s3.secret_key", "")
	v.SetDefault("storage.s3.use_path_style", false)
	v.SetDefault("database.backend", "sqlite")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.table", "archive_items")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_lifetime_seconds", 1800)
	v.SetDefault("database.sqlite_path", "./data/archiver.db")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("events.buffer_size", 1024)
	v.SetDefault("events.max_batch_events", 50)
	v.SetDefault("events.max_batch_wait_ms", 100)
	v.SetDefault("events.terminal_grace_ms", 50)
	v.SetDefault("events.sink_timeout_ms", 2000)
	v.SetDefault("events.log_enabled", true)
	v.SetDefault("events.stream_buffer", 32)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if strings.TrimSpace(c.Auth.OwnerHeader) == "" {
		return fmt.Errorf("auth.owner_header must be set")
	}
	if c.Capture.Concurrency <= 0 {
		return fmt.Errorf("capture.concurrency must be > 0")
	}
	if c.Capture.NavTimeoutSeconds <= 0 {
		return fmt.Errorf("capture.nav_timeout_seconds must be > 0")
	}
	if c.Capture.TimeoutSeconds < c.Capture.NavTimeoutSeconds {
		return fmt.Errorf("capture.timeout_seconds must be >= capture.nav_timeout_seconds")
	}
	if c.Capture.ViewportWidth <= 0 || c.Capture.ViewportHeight <= 0 {
		return fmt.Errorf("capture viewport must be positive")
	}
	if c.Capture.ScreenshotQuality <= 0 || c.Capture.ScreenshotQuality > 100 {
		return fmt.Errorf("capture.screenshot_quality must be within 1..100")
	}
	if c.Capture.MaxTextBytes <= 0 || c.Capture.MaxHTMLBytes <= 0 {
		return fmt.Errorf("capture text and html caps must be > 0")
	}
	if c.Capture.DomainQPS < 0 {
		return fmt.Errorf("capture.domain_qps must be >= 0")
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
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket must be set for the s3 backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	switch c.Database.Backend {
	case "memory":
	case "sqlite":
		if c.Database.SQLitePath == "" {
			return fmt.Errorf("database.sqlite_path must be set for the sqlite backend")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("database.backend %q is not supported", c.Database.Backend)
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set together")
	}
	return nil
}

// NavigationTimeout bounds page navigation.
func (c CaptureConfig) NavigationTimeout() time.Duration {
	return time.Duration(c.NavTimeoutSeconds) * time.Second
}

// SettleTimeout bounds the network-idle wait.
func (c CaptureConfig) SettleTimeout() time.Duration {
	return time.Duration(c.SettleTimeoutSeconds) * time.Second
}

// SettleQuiet is the idle window that counts as settled.
func (c CaptureConfig) SettleQuiet() time.Duration {
	return time.Duration(c.SettleQuietMs) * time.Millisecond
}

// StepTimeout bounds each screenshot/PDF/extract call.
func (c CaptureConfig) StepTimeout() time.Duration {
	return time.Duration(c.StepTimeoutSeconds) * time.Second
}

// Budget is the total time one capture may hold a browser session.
func (c CaptureConfig) Budget() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// PreflightTimeout bounds the HEAD request sent before rendering.
func (c CaptureConfig) PreflightTimeout() time.Duration {
	return time.Duration(c.PreflightTimeoutSec) * time.Second
}

// LaunchTimeout bounds starting a browser.
func (c BrowserConfig) LaunchTimeout() time.Duration {
	return time.Duration(c.LaunchTimeoutSeconds) * time.Second
}

// WriteTimeout bounds a status write-back.
func (c SchedulerConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutSeconds) * time.Second
}

// StaleAfter is the age at which a pending item is considered abandoned.
func (c SchedulerConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterSeconds) * time.Second
}

// ReconcileInterval converts the sweep interval; zero derives it from
// StaleAfter and a negative value disables the sweep.
func (c SchedulerConfig) ReconcileInterval() time.Duration {
	switch {
	case c.ReconcileIntervalSeconds < 0:
		return -1
	case c.ReconcileIntervalSeconds == 0:
		return c.StaleAfter() / 2
	default:
		return time.Duration(c.ReconcileIntervalSeconds) * time.Second
	}
}

// RequestTimeout bounds non-streaming HTTP handlers.
func (c ServerConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// MaxConnLifetime converts the configured lifetime.
func (c DatabaseConfig) MaxConnLifetime() time.Duration {
	return time.Duration(c.MaxConnLifetimeSec) * time.Second
}

// MaxBatchWait converts the batching window.
func (c EventsConfig) MaxBatchWait() time.Duration {
	return time.Duration(c.MaxBatchWaitMs) * time.Millisecond
}

// TerminalGrace converts how long terminal events may wait for buffer space.
func (c EventsConfig) TerminalGrace() time.Duration {
	return time.Duration(c.TerminalGraceMs) * time.Millisecond
}

// SinkTimeout converts the per-sink deadline.
func (c EventsConfig) SinkTimeout() time.Duration {
	return time.Duration(c.SinkTimeoutMs) * time.Millisecond
}
