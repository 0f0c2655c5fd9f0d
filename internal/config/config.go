// Package config loads and validates release pipeline configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
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
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Data      DataConfig      `mapstructure:"data"`
	Feed      FeedConfig      `mapstructure:"feed"`
	Dedup     DedupConfig     `mapstructure:"dedup"`
	Catalogs  CatalogsConfig  `mapstructure:"catalogs"`
	Enrich    EnrichConfig    `mapstructure:"enrich"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Health    HealthConfig    `mapstructure:"health"`
	Backup    BackupConfig    `mapstructure:"backup"`
	Events    EventsConfig    `mapstructure:"events"`
	Journal   JournalConfig   `mapstructure:"journal"`
}

// ServerConfig controls the admin HTTP server.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
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

// TelemetryConfig selects where traces are exported.
type TelemetryConfig struct {
	// ProjectID is the Google Cloud project receiving traces. Empty falls
	// back to events.project_id; both empty disables export.
	ProjectID string `mapstructure:"project_id"`
}

// TraceProjectID returns the project traces are exported to, or "".
func (c Config) TraceProjectID() string {
	if c.Telemetry.ProjectID != "" {
		return c.Telemetry.ProjectID
	}
	return c.Events.ProjectID
}

// DataConfig locates durable state on disk.
type DataConfig struct {
	Dir string `mapstructure:"dir"`
}

// FeedConfig configures the release feed poller.
type FeedConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	URL          string        `mapstructure:"url"`
	UserAgent    string        `mapstructure:"user_agent"`
	Timeout      time.Duration `mapstructure:"timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// DedupConfig tunes title matching.
type DedupConfig struct {
	AliasThreshold float64 `mapstructure:"alias_threshold"`
}

// CatalogsConfig configures the metadata catalogs, tried in Order.
type CatalogsConfig struct {
	Order   []string      `mapstructure:"order"`
	Timeout time.Duration `mapstructure:"timeout"`
	IGDB    IGDBConfig    `mapstructure:"igdb"`
	RAWG    RAWGConfig    `mapstructure:"rawg"`
}

// IGDBConfig holds Twitch/IGDB credentials and endpoints.
type IGDBConfig struct {
	ClientID     string  `mapstructure:"client_id"`
	ClientSecret string  `mapstructure:"client_secret"`
	TokenURL     string  `mapstructure:"token_url"`
	BaseURL      string  `mapstructure:"base_url"`
	RPS          float64 `mapstructure:"rps"`
}

// RAWGConfig holds RAWG endpoints.
type RAWGConfig struct {
	APIKey  string  `mapstructure:"api_key"`
	BaseURL string  `mapstructure:"base_url"`
	RPS     float64 `mapstructure:"rps"`
}

// EnrichConfig controls the re-enrichment pass.
type EnrichConfig struct {
	Batch int `mapstructure:"batch"`
}

// QueueConfig governs the download resolution queue.
type QueueConfig struct {
	Workers        int           `mapstructure:"workers"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	TickInterval   time.Duration `mapstructure:"tick_interval"`
	BackoffBase    time.Duration `mapstructure:"backoff_base"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	SessionTimeout time.Duration `mapstructure:"session_timeout"`
}

// HeadlessConfig configures the browser automation engine.
type HeadlessConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	ExecPath         string        `mapstructure:"exec_path"`
	MaxSessions      int           `mapstructure:"max_sessions"`
	UserAgent        string        `mapstructure:"user_agent"`
	DownloadSelector string        `mapstructure:"download_selector"`
	SettleDelay      time.Duration `mapstructure:"settle_delay"`
}

// HealthConfig configures the link health monitor.
type HealthConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
	Threshold     int           `mapstructure:"threshold"`
	DegradedAfter int           `mapstructure:"degraded_after"`
}

// BackupConfig configures snapshots and retention.
type BackupConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	Retention int           `mapstructure:"retention"`
	Dir       string        `mapstructure:"dir"`
	GCSBucket string        `mapstructure:"gcs_bucket"`
	GCSPrefix string        `mapstructure:"gcs_prefix"`
}

// EventsConfig selects the delivery event transport.
type EventsConfig struct {
	Backend   string `mapstructure:"backend"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// JournalConfig enables the optional Postgres event journal.
type JournalConfig struct {
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
}

// Load builds a Config from an optional .env file, disk and environment.
func Load(path string) (Config, error) {
	if err := loadDotenv(path); err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetEnvPrefix("RELEASEBOT")
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
	if cfg.Backup.Dir == "" {
		cfg.Backup.Dir = filepath.Join(cfg.Data.Dir, "backups")
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// loadDotenv reads .env next to the config file, or from the working directory.
// Variables already set in the environment win.
func loadDotenv(configPath string) error {
	envPath := ".env"
	if configPath != "" {
		envPath = filepath.Join(filepath.Dir(configPath), ".env")
	}
	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load dotenv %s: %w", envPath, err)
	}
	return nil
}

// setDefaults registers every key, including empty secrets, so AutomaticEnv can
// supply them during Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("telemetry.project_id", "")
	v.SetDefault("data.dir", "data")
	v.SetDefault("feed.enabled", true)
	v.SetDefault("feed.url", "https://fitgirl-repacks.site/feed/")
	v.SetDefault("feed.user_agent", "releasebot/0.1")
	v.SetDefault("feed.timeout", "20s")
	v.SetDefault("feed.poll_interval", "10m")
	v.SetDefault("dedup.alias_threshold", 0.9)
	v.SetDefault("catalogs.order", []string{"igdb", "rawg"})
	v.SetDefault("catalogs.timeout", "10s")
	v.SetDefault("catalogs.igdb.client_id", "")
	v.SetDefault("catalogs.igdb.client_secret", "")
	v.SetDefault("catalogs.igdb.token_url", "https://id.twitch.tv/oauth2/token")
	v.SetDefault("catalogs.igdb.base_url", "https://api.igdb.com/v4")
	v.SetDefault("catalogs.igdb.rps", 4)
	v.SetDefault("catalogs.rawg.api_key", "")
	v.SetDefault("catalogs.rawg.base_url", "https://api.rawg.io/api")
	v.SetDefault("catalogs.rawg.rps", 5)
	v.SetDefault("enrich.batch", 5)
	v.SetDefault("queue.workers", 2)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.tick_interval", "5s")
	v.SetDefault("queue.backoff_base", "1s")
	v.SetDefault("queue.backoff_max", "60s")
	v.SetDefault("queue.session_timeout", "90s")
	v.SetDefault("headless.enabled", true)
	v.SetDefault("headless.exec_path", "")
	v.SetDefault("headless.max_sessions", 2)
	v.SetDefault("headless.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36")
	v.SetDefault("headless.download_selector", "a[download], a.link-button, a[href*='download']")
	v.SetDefault("headless.settle_delay", "2s")
	v.SetDefault("health.interval", "24h")
	v.SetDefault("health.probe_timeout", "10s")
	v.SetDefault("health.threshold", 5)
	v.SetDefault("health.degraded_after", 1)
	v.SetDefault("backup.interval", "24h")
	v.SetDefault("backup.retention", 7)
	v.SetDefault("backup.dir", "")
	v.SetDefault("backup.gcs_bucket", "")
	v.SetDefault("backup.gcs_prefix", "releasebot/backups")
	v.SetDefault("events.backend", "memory")
	v.SetDefault("events.project_id", "")
	v.SetDefault("events.topic", "release-events")
	v.SetDefault("journal.dsn", "")
	v.SetDefault("journal.table", "release_events")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Data.Dir == "" {
		return fmt.Errorf("data.dir is required")
	}
	if c.Feed.Enabled && c.Feed.URL == "" {
		return fmt.Errorf("feed.url is required when the feed is enabled")
	}
	if c.Feed.PollInterval <= 0 {
		return fmt.Errorf("feed.poll_interval must be > 0")
	}
	if c.Dedup.AliasThreshold <= 0 || c.Dedup.AliasThreshold > 1 {
		return fmt.Errorf("dedup.alias_threshold must be in (0, 1]")
	}
	for _, name := range c.Catalogs.Order {
		switch name {
		case "igdb", "rawg":
		default:
			return fmt.Errorf("catalogs.order: unknown catalog %q", name)
		}
	}
	if c.Queue.Workers <= 0 {
		return fmt.Errorf("queue.workers must be > 0")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be > 0")
	}
	if c.Queue.TickInterval <= 0 {
		return fmt.Errorf("queue.tick_interval must be > 0")
	}
	if c.Headless.MaxSessions <= 0 {
		return fmt.Errorf("headless.max_sessions must be > 0")
	}
	if c.Health.Threshold <= 0 {
		return fmt.Errorf("health.threshold must be > 0")
	}
	if c.Health.DegradedAfter <= 0 || c.Health.DegradedAfter > c.Health.Threshold {
		return fmt.Errorf("health.degraded_after must be in [1, health.threshold]")
	}
	if c.Backup.Retention <= 0 {
		return fmt.Errorf("backup.retention must be > 0")
	}
	switch c.Events.Backend {
	case "memory":
	case "pubsub":
		if c.Events.ProjectID == "" || c.Events.Topic == "" {
			return fmt.Errorf("events.project_id and events.topic are required for pubsub")
		}
	default:
		return fmt.Errorf("events.backend must be memory or pubsub")
	}
	return nil
}

// IGDBEnabled reports whether IGDB credentials are configured.
func (c Config) IGDBEnabled() bool {
	return c.Catalogs.IGDB.ClientID != "" && c.Catalogs.IGDB.ClientSecret != ""
}
