package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8000 {
		t.Fatalf("expected default port 8000, got %d", cfg.Server.Port)
	}
	if cfg.Scheduler.Workers != 10 || cfg.Scheduler.MisfireGrace != 10*time.Minute {
		t.Fatalf("unexpected scheduler defaults: %+v", cfg.Scheduler)
	}
	if cfg.Scheduler.StaggerStep != 20*time.Second || cfg.Scheduler.StaggerCap != 300*time.Second {
		t.Fatalf("unexpected stagger defaults: %+v", cfg.Scheduler)
	}
	if cfg.Summary.Cooldown != time.Minute || cfg.Summary.Archive.Provider != "none" {
		t.Fatalf("unexpected summary defaults: %+v", cfg.Summary)
	}
	if cfg.CrawlAPI.ListTimeout != 10*time.Second || cfg.CrawlAPI.TriggerTimeout != 30*time.Second {
		t.Fatalf("unexpected crawl api timeouts: %+v", cfg.CrawlAPI)
	}
	if cfg.History.Provider != "memory" || !cfg.Bootstrap.InitialCrawl {
		t.Fatalf("unexpected history/bootstrap defaults: %+v %+v", cfg.History, cfg.Bootstrap)
	}
	if cfg.Telemetry.Exporter != "none" || cfg.Telemetry.ServiceName != "crawl-scheduler" || cfg.Telemetry.SampleRatio != 1 {
		t.Fatalf("unexpected telemetry defaults: %+v", cfg.Telemetry)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
logging:
  development: false
  level: debug
scheduler:
  workers: 4
  misfire_grace: 5m
  max_poll_duration: 2h
summary:
  interval: 0s
  archive:
    provider: local
    base_dir: /tmp/summaries
crawlapi:
  rate_per_second: 2.5
history:
  provider: postgres
  dsn: postgres://localhost/crawl
publisher:
  provider: pubsub
  project_id: proj
  topic: cycles
tenants:
  - user_id: alice
    api_key: inp_alice_key
    base_url: https://crawl.example/api/v1
    schedule_minutes: 30
    space_id: space-a
    website_filter: ["docs"]
  - user_id: bob
    api_key: inp_bob_key
    spaces:
      - space_name: Marketing
      - space_id: space-b2
        schedule_minutes: 15
        status_check_interval: 30
        crawl_all_space_websites: true
  - api_key: inp_orphan
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, 4, cfg.Scheduler.Workers)
	require.Equal(t, 5*time.Minute, cfg.Scheduler.MisfireGrace)
	require.Equal(t, 2*time.Hour, cfg.Scheduler.MaxPollDuration)
	require.Zero(t, cfg.Summary.Interval)
	require.Equal(t, "/tmp/summaries", cfg.Summary.Archive.BaseDir)
	require.InDelta(t, 2.5, cfg.CrawlAPI.RatePerSecond, 0.0001)
	require.Equal(t, "postgres", cfg.History.Provider)
	require.Equal(t, "cycles", cfg.Publisher.Topic)

	tenants, skipped := cfg.TenantConfigs()
	require.Len(t, skipped, 1)
	require.Contains(t, skipped[0], "tenants[2]")
	require.Len(t, tenants, 3)

	alice := tenants[0]
	require.Equal(t, "alice", alice.ID)
	require.Equal(t, "space-a", alice.SpaceID)
	require.Equal(t, 30*time.Minute, alice.ScheduleInterval)
	require.Equal(t, 60*time.Second, alice.StatusCheckInterval)
	require.Equal(t, []string{"docs"}, alice.WebsiteFilter)

	require.Equal(t, "bob_space1", tenants[1].ID)
	require.Equal(t, "Marketing", tenants[1].SpaceName)
	require.Equal(t, crawler.DefaultBaseURL, tenants[1].BaseURL)
	require.Equal(t, 5*time.Minute, tenants[1].ScheduleInterval)

	require.Equal(t, "bob_space2", tenants[2].ID)
	require.Equal(t, "space-b2", tenants[2].SpaceID)
	require.Equal(t, 15*time.Minute, tenants[2].ScheduleInterval)
	require.Equal(t, 30*time.Second, tenants[2].StatusCheckInterval)
	require.True(t, tenants[2].CrawlAllSpaceWebsites)
	require.Equal(t, "inp_bob_key", tenants[2].APIKey)
}

func TestTenantConfigsSingleSpaceKeepsID(t *testing.T) {
	t.Parallel()

	cfg := Config{Tenants: []TenantEntry{{
		UserID: "carol",
		APIKey: "inp_carol_key",
		Spaces: []SpaceEntry{{SpaceName: "Only"}},
	}}}
	tenants, skipped := cfg.TenantConfigs()
	require.Empty(t, skipped)
	require.Len(t, tenants, 1)
	require.Equal(t, "carol", tenants[0].ID)
	require.Equal(t, "Only", tenants[0].SpaceName)
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:    ServerConfig{Port: 8080},
		Scheduler: SchedulerConfig{Workers: 1, QueueDepth: 1},
		History:   HistoryConfig{Provider: "memory"},
	}

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "invalid port",
			cfg: func() Config {
				c := base
				c.Server.Port = 0
				return c
			}(),
			want: "server.port",
		},
		{
			name: "invalid workers",
			cfg: func() Config {
				c := base
				c.Scheduler.Workers = 0
				return c
			}(),
			want: "scheduler.workers",
		},
		{
			name: "auth missing api key",
			cfg: func() Config {
				c := base
				c.Auth.Enabled = true
				return c
			}(),
			want: "auth.api_key",
		},
		{
			name: "gcs archive missing bucket",
			cfg: func() Config {
				c := base
				c.Summary.Archive.Provider = "gcs"
				return c
			}(),
			want: "summary.archive.bucket",
		},
		{
			name: "postgres history missing dsn",
			cfg: func() Config {
				c := base
				c.History.Provider = "postgres"
				return c
			}(),
			want: "history.dsn",
		},
		{
			name: "unknown publisher",
			cfg: func() Config {
				c := base
				c.Publisher.Provider = "kafka"
				return c
			}(),
			want: "publisher.provider",
		},
		{
			name: "gcp exporter missing project",
			cfg: func() Config {
				c := base
				c.Telemetry.Exporter = "gcp"
				return c
			}(),
			want: "telemetry.project_id",
		},
		{
			name: "unknown exporter",
			cfg: func() Config {
				c := base
				c.Telemetry.Exporter = "jaeger"
				return c
			}(),
			want: "telemetry.exporter",
		},
		{
			name: "sample ratio out of range",
			cfg: func() Config {
				c := base
				c.Telemetry.SampleRatio = 1.5
				return c
			}(),
			want: "telemetry.sample_ratio",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
