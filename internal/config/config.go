// Package config loads and validates scheduler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Summary   SummaryConfig   `mapstructure:"summary"`
	CrawlAPI  CrawlAPIConfig  `mapstructure:"crawlapi"`
	History   HistoryConfig   `mapstructure:"history"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Bootstrap BootstrapConfig `mapstructure:"bootstrap"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Tenants   []TenantEntry   `mapstructure:"tenants"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
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

// SchedulerConfig sizes the worker pool and job timers.
type SchedulerConfig struct {
	Workers    int `mapstructure:"workers"`
	QueueDepth int `mapstructure:"queue_depth"`
	// MisfireGrace drops fires that waited longer than this for a worker.
	MisfireGrace time.Duration `mapstructure:"misfire_grace"`
	StaggerStep  time.Duration `mapstructure:"stagger_step"`
	StaggerCap   time.Duration `mapstructure:"stagger_cap"`
	// MaxPollDuration bounds a single poll unit; zero polls until terminal.
	MaxPollDuration time.Duration `mapstructure:"max_poll_duration"`
}

// DiscoveryConfig controls the periodic website refresh.
type DiscoveryConfig struct {
	// Interval of zero disables the refresh job.
	Interval    time.Duration `mapstructure:"interval"`
	StaggerStep time.Duration `mapstructure:"stagger_step"`
	StaggerCap  time.Duration `mapstructure:"stagger_cap"`
}

// SummaryConfig controls status summaries.
type SummaryConfig struct {
	// Interval of zero disables the periodic summary job.
	Interval     time.Duration `mapstructure:"interval"`
	Cooldown     time.Duration `mapstructure:"cooldown"`
	ActiveWindow time.Duration `mapstructure:"active_window"`
	Archive      ArchiveConfig `mapstructure:"archive"`
}

// ArchiveConfig selects where summaries are written.
type ArchiveConfig struct {
	Provider string `mapstructure:"provider"`
	BaseDir  string `mapstructure:"base_dir"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
}

// CrawlAPIConfig holds outbound crawl service client settings.
type CrawlAPIConfig struct {
	DefaultBaseURL string        `mapstructure:"default_base_url"`
	ListTimeout    time.Duration `mapstructure:"list_timeout"`
	TriggerTimeout time.Duration `mapstructure:"trigger_timeout"`
	Retries        int           `mapstructure:"retries"`
	RatePerSecond  float64       `mapstructure:"rate_per_second"`
	Burst          int           `mapstructure:"burst"`
}

// HistoryConfig selects the crawl cycle history store.
type HistoryConfig struct {
	Provider string `mapstructure:"provider"`
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	Capacity int    `mapstructure:"capacity"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// PublisherConfig selects where terminal cycle notifications go.
type PublisherConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// BootstrapConfig controls how the tenants list is applied at startup.
type BootstrapConfig struct {
	// InitialCrawl runs one aggregated crawl per tenant right after start.
	InitialCrawl bool `mapstructure:"initial_crawl"`
}

// TelemetryConfig selects the trace exporter.
type TelemetryConfig struct {
	Exporter    string  `mapstructure:"exporter"`
	ProjectID   string  `mapstructure:"project_id"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// TenantEntry is one bootstrap tenant. When Spaces has entries they replace
// the single-space fields.
type TenantEntry struct {
	UserID                string       `mapstructure:"user_id"`
	APIKey                string       `mapstructure:"api_key"`
	BaseURL               string       `mapstructure:"base_url"`
	ScheduleMinutes       float64      `mapstructure:"schedule_minutes"`
	StatusCheckInterval   float64      `mapstructure:"status_check_interval"`
	WebsiteFilter         []string     `mapstructure:"website_filter"`
	SpaceID               string       `mapstructure:"space_id"`
	SpaceName             string       `mapstructure:"space_name"`
	CrawlAllSpaceWebsites bool         `mapstructure:"crawl_all_space_websites"`
	Spaces                []SpaceEntry `mapstructure:"spaces"`
}

// SpaceEntry configures one space of a multi-space tenant.
type SpaceEntry struct {
	SpaceID               string   `mapstructure:"space_id"`
	SpaceName             string   `mapstructure:"space_name"`
	ScheduleMinutes       float64  `mapstructure:"schedule_minutes"`
	StatusCheckInterval   float64  `mapstructure:"status_check_interval"`
	WebsiteFilter         []string `mapstructure:"website_filter"`
	CrawlAllSpaceWebsites bool     `mapstructure:"crawl_all_space_websites"`
}

// Bootstrap tenant defaults for omitted intervals.
const (
	DefaultScheduleMinutes     = 5
	DefaultStatusCheckInterval = 60
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLSCHED")
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
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("scheduler.workers", 10)
	v.SetDefault("scheduler.queue_depth", 256)
	v.SetDefault("scheduler.misfire_grace", "10m")
	v.SetDefault("scheduler.stagger_step", "20s")
	v.SetDefault("scheduler.stagger_cap", "300s")
	v.SetDefault("scheduler.max_poll_duration", "0s")
	v.SetDefault("discovery.interval", "60m")
	v.SetDefault("discovery.stagger_step", "10s")
	v.SetDefault("discovery.stagger_cap", "120s")
	v.SetDefault("summary.interval", "5m")
	v.SetDefault("summary.cooldown", "60s")
	v.SetDefault("summary.active_window", "2m")
	v.SetDefault("summary.archive.provider", "none")
	v.SetDefault("summary.archive.prefix", "summaries")
	v.SetDefault("crawlapi.default_base_url", crawler.DefaultBaseURL)
	v.SetDefault("crawlapi.list_timeout", "10s")
	v.SetDefault("crawlapi.trigger_timeout", "30s")
	v.SetDefault("crawlapi.retries", 2)
	v.SetDefault("crawlapi.rate_per_second", 5.0)
	v.SetDefault("crawlapi.burst", 5)
	v.SetDefault("history.provider", "memory")
	v.SetDefault("history.table", "crawl_cycles")
	v.SetDefault("history.capacity", 1000)
	v.SetDefault("history.max_conns", 4)
	v.SetDefault("publisher.provider", "none")
	v.SetDefault("publisher.topic", "crawl-cycles")
	v.SetDefault("bootstrap.initial_crawl", true)
	v.SetDefault("telemetry.exporter", "none")
	v.SetDefault("telemetry.service_name", "crawl-scheduler")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("scheduler.workers must be > 0")
	}
	if c.Scheduler.QueueDepth <= 0 {
		return fmt.Errorf("scheduler.queue_depth must be > 0")
	}
	if c.Scheduler.StaggerStep < 0 || c.Scheduler.StaggerCap < 0 {
		return fmt.Errorf("scheduler.stagger_step and scheduler.stagger_cap must be >= 0")
	}
	switch c.Summary.Archive.Provider {
	case "", "none", "memory":
	case "local":
		if strings.TrimSpace(c.Summary.Archive.BaseDir) == "" {
			return fmt.Errorf("summary.archive.base_dir is required for the local provider")
		}
	case "gcs":
		if strings.TrimSpace(c.Summary.Archive.Bucket) == "" {
			return fmt.Errorf("summary.archive.bucket is required for the gcs provider")
		}
	default:
		return fmt.Errorf("summary.archive.provider %q is not supported", c.Summary.Archive.Provider)
	}
	switch c.History.Provider {
	case "memory":
	case "postgres":
		if strings.TrimSpace(c.History.DSN) == "" {
			return fmt.Errorf("history.dsn is required for the postgres provider")
		}
	default:
		return fmt.Errorf("history.provider %q is not supported", c.History.Provider)
	}
	switch c.Publisher.Provider {
	case "", "none", "memory":
	case "pubsub":
		if c.Publisher.ProjectID == "" || c.Publisher.Topic == "" {
			return fmt.Errorf("publisher.project_id and publisher.topic are required for the pubsub provider")
		}
	default:
		return fmt.Errorf("publisher.provider %q is not supported", c.Publisher.Provider)
	}
	switch c.Telemetry.Exporter {
	case "", "none":
	case "gcp":
		if strings.TrimSpace(c.Telemetry.ProjectID) == "" {
			return fmt.Errorf("telemetry.project_id is required for the gcp exporter")
		}
	default:
		return fmt.Errorf("telemetry.exporter %q is not supported", c.Telemetry.Exporter)
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be between 0 and 1")
	}
	return nil
}

// TenantConfigs expands the bootstrap tenants list. A tenant with more than
// one space becomes one tenant per space named "<user_id>_space<N>",
// numbered from 1; a single space keeps the user id. Entries without a
// user id are dropped and reported in skipped.
func (c Config) TenantConfigs() (tenants []crawler.TenantConfig, skipped []string) {
	for i, entry := range c.Tenants {
		id := strings.TrimSpace(entry.UserID)
		if id == "" {
			skipped = append(skipped, fmt.Sprintf("tenants[%d]: user_id is required", i))
			continue
		}
		base := crawler.TenantConfig{
			ID:      id,
			APIKey:  entry.APIKey,
			BaseURL: entry.BaseURL,
		}
		if base.BaseURL == "" {
			base.BaseURL = c.CrawlAPI.DefaultBaseURL
		}
		if len(entry.Spaces) == 0 {
			tenants = append(tenants, withSpace(base, SpaceEntry{
				SpaceID:               entry.SpaceID,
				SpaceName:             entry.SpaceName,
				ScheduleMinutes:       entry.ScheduleMinutes,
				StatusCheckInterval:   entry.StatusCheckInterval,
				WebsiteFilter:         entry.WebsiteFilter,
				CrawlAllSpaceWebsites: entry.CrawlAllSpaceWebsites,
			}))
			continue
		}
		for n, space := range entry.Spaces {
			cfg := withSpace(base, space)
			if len(entry.Spaces) > 1 {
				cfg.ID = fmt.Sprintf("%s_space%d", id, n+1)
			}
			tenants = append(tenants, cfg)
		}
	}
	return tenants, skipped
}

func withSpace(cfg crawler.TenantConfig, space SpaceEntry) crawler.TenantConfig {
	minutes := space.ScheduleMinutes
	if minutes <= 0 {
		minutes = DefaultScheduleMinutes
	}
	seconds := space.StatusCheckInterval
	if seconds <= 0 {
		seconds = DefaultStatusCheckInterval
	}
	cfg.SpaceID = space.SpaceID
	cfg.SpaceName = space.SpaceName
	cfg.WebsiteFilter = append([]string(nil), space.WebsiteFilter...)
	cfg.CrawlAllSpaceWebsites = space.CrawlAllSpaceWebsites
	cfg.ScheduleInterval = time.Duration(minutes * float64(time.Minute))
	cfg.StatusCheckInterval = time.Duration(seconds * float64(time.Second))
	return cfg
}
