// Package config loads and validates adnotifier configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage and archive backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"

	ArchiveNone  = "none"
	ArchiveLocal = "local"
	ArchiveGCS   = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	SMTP      SMTPConfig      `mapstructure:"smtp"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// SchedulerConfig controls the detection cycle timer.
type SchedulerConfig struct {
	JobID      string        `mapstructure:"job_id"`
	Interval   time.Duration `mapstructure:"interval"`
	RunOnStart bool          `mapstructure:"run_on_start"`
}

// FetchConfig configures the static fetch path and extraction.
type FetchConfig struct {
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxBodyBytes   int    `mapstructure:"max_body_bytes"`
	RespectRobots  bool   `mapstructure:"respect_robots"`
	FragmentLevels int    `mapstructure:"fragment_levels"`
}

// HeadlessConfig configures the rendered fetch path.
type HeadlessConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	MaxParallel   int    `mapstructure:"max_parallel"`
	NavTimeoutSec int    `mapstructure:"nav_timeout_seconds"`
	SettleMillis  int    `mapstructure:"settle_ms"`
	ExecPath      string `mapstructure:"exec_path"`
}

// RateLimitConfig sets the per-host request budget.
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// StorageConfig selects the persistence gateway.
type StorageConfig struct {
	Backend  string `mapstructure:"backend"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// ArchiveConfig selects where change snapshots are written.
type ArchiveConfig struct {
	Backend string `mapstructure:"backend"`
	Dir     string `mapstructure:"dir"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
}

// PubSubConfig holds the change-event topic.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// SMTPConfig configures the email transport. An empty host keeps emails in memory.
type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
	FromName string `mapstructure:"from_name"`
}

// TelegramConfig configures the chat transport. An empty token disables chat.
type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
	BaseURL  string `mapstructure:"base_url"`
}

// NotifyConfig tunes delivery semantics.
type NotifyConfig struct {
	RedeliverMissed bool `mapstructure:"redeliver_missed"`
}

// LoggingConfig toggles zap development features and the log file.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	File        string `mapstructure:"file"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ADNOTIFIER")
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
	v.SetDefault("server.shutdown_timeout_seconds", 10)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("scheduler.job_id", "check_adv_count")
	v.SetDefault("scheduler.interval", "48h")
	v.SetDefault("scheduler.run_on_start", false)
	v.SetDefault("fetch.user_agent", "adnotifier/1.0")
	v.SetDefault("fetch.timeout_seconds", 15)
	v.SetDefault("fetch.max_body_bytes", 5*1024*1024)
	v.SetDefault("fetch.respect_robots", false)
	v.SetDefault("fetch.fragment_levels", 3)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("headless.settle_ms", 2000)
	v.SetDefault("headless.exec_path", "")
	v.SetDefault("ratelimit.rps", 1.0)
	v.SetDefault("ratelimit.burst", 1)
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.max_conns", 4)
	v.SetDefault("storage.min_conns", 0)
	v.SetDefault("archive.backend", ArchiveNone)
	v.SetDefault("archive.dir", "snapshots")
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.prefix", "snapshots")
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "adnotifier-changes")
	v.SetDefault("smtp.host", "")
	v.SetDefault("smtp.port", 587)
	v.SetDefault("smtp.username", "")
	v.SetDefault("smtp.password", "")
	v.SetDefault("smtp.from", "")
	v.SetDefault("smtp.from_name", "AdNotifier")
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.base_url", "")
	v.SetDefault("notify.redeliver_missed", false)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.file", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Scheduler.JobID == "" {
		return fmt.Errorf("scheduler.job_id must be set")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be > 0")
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.RateLimit.RPS <= 0 || c.RateLimit.Burst <= 0 {
		return fmt.Errorf("ratelimit.rps and ratelimit.burst must be > 0")
	}
	if err := c.validateStorage(); err != nil {
		return err
	}
	if err := c.validateArchive(); err != nil {
		return err
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.Topic == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic must be set when pubsub is enabled")
	}
	if c.SMTP.Host != "" && (c.SMTP.From == "" || c.SMTP.Port <= 0) {
		return fmt.Errorf("smtp.from and smtp.port must be set when smtp.host is configured")
	}
	// Without a relay, emails are only recorded and would advance the watermark.
	if c.Notify.RedeliverMissed && c.SMTP.Host == "" {
		return fmt.Errorf("notify.redeliver_missed requires smtp.host")
	}
	return nil
}

func (c Config) validateStorage() error {
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendPostgres, BackendSQLite:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn must be set for the %s backend", c.Storage.Backend)
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of memory, postgres, sqlite", c.Storage.Backend)
	}
	return nil
}

func (c Config) validateArchive() error {
	switch c.Archive.Backend {
	case ArchiveNone:
	case ArchiveLocal:
		if c.Archive.Dir == "" {
			return fmt.Errorf("archive.dir must be set for the local archive")
		}
	case ArchiveGCS:
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket must be set for the gcs archive")
		}
	default:
		return fmt.Errorf("archive.backend %q is not one of none, local, gcs", c.Archive.Backend)
	}
	return nil
}

// FetchTimeout is the per-request timeout of the static fetcher.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}

// ShutdownTimeout bounds graceful HTTP shutdown.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}
