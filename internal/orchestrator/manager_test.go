package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
	"github.com/JakeFAU/crawl-scheduler/internal/crawler/crawlertest"
	"github.com/JakeFAU/crawl-scheduler/internal/dispatcher"
	queuemem "github.com/JakeFAU/crawl-scheduler/internal/queue/memory"
	"github.com/JakeFAU/crawl-scheduler/internal/scheduler"
	"github.com/JakeFAU/crawl-scheduler/internal/storage/memory"
	"github.com/JakeFAU/crawl-scheduler/internal/worker"
)

type fixture struct {
	mgr      *Manager
	sched    *scheduler.Scheduler
	registry *memory.Registry
	svc      *crawlertest.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	q := queuemem.NewQueue(16)
	d := dispatcher.New(q, dispatcher.Config{Workers: 2}, nil, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)

	reg := memory.NewRegistry(nil)
	poller := worker.NewPoller(d, reg, nil, nil, worker.PollerConfig{}, zap.NewNop())
	exec := worker.NewExecutor(reg, poller, nil, nil, nil, zap.NewNop())
	sched := scheduler.New(d, nil, zap.NewNop())
	t.Cleanup(func() {
		_ = poller.Close(context.Background())
		cancel()
	})

	svc := crawlertest.New("space-1",
		crawler.Website{ID: "w1", Name: "Acme Docs", URL: "https://acme.example/docs"},
		crawler.Website{ID: "w2", Name: "Blog", URL: "https://blog.example"},
	)
	factory := func(crawler.TenantConfig) (crawler.CrawlService, error) { return svc, nil }
	return &fixture{
		mgr:      New(reg, sched, exec, factory, Config{}, zap.NewNop()),
		sched:    sched,
		registry: reg,
		svc:      svc,
	}
}

func validConfig(id string) crawler.TenantConfig {
	return crawler.TenantConfig{
		ID:                  id,
		APIKey:              "inp_abcdefghijk",
		SpaceID:             "space-1",
		ScheduleInterval:    time.Hour,
		StatusCheckInterval: 5 * time.Millisecond,
	}
}

func TestConfigureValidates(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	bad := validConfig("alice")
	bad.APIKey = "sk_123456789"
	_, err := f.mgr.Configure(bad)
	require.ErrorIs(t, err, crawler.ErrInvalidConfig)

	cfg, err := f.mgr.Configure(validConfig("alice"))
	require.NoError(t, err)
	require.Equal(t, crawler.DefaultBaseURL, cfg.BaseURL)
	require.Equal(t, []string{"alice"}, f.mgr.TenantIDs())
}

func TestStartTwiceIsNoop(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.mgr.Configure(validConfig("alice"))
	require.NoError(t, err)

	res, err := f.mgr.Start(context.Background(), "alice")
	require.NoError(t, err)
	require.False(t, res.AlreadyRunning)
	require.Equal(t, 2, res.Websites)
	require.Equal(t, []string{"alice_crawl_w1", "alice_crawl_w2"}, f.sched.TenantJobs("alice"))

	st, ok := f.registry.Get("alice", "w1")
	require.True(t, ok)
	require.Equal(t, crawler.StatusIdle, st.Status)
	require.Equal(t, "Acme Docs", st.WebsiteName)

	res, err = f.mgr.Start(context.Background(), "alice")
	require.NoError(t, err)
	require.True(t, res.AlreadyRunning)
	require.Len(t, f.sched.Jobs(), 2)
	require.Equal(t, []string{"alice"}, f.mgr.ActiveTenants())
}

func TestStartErrors(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.mgr.Start(context.Background(), "nobody")
	require.ErrorIs(t, err, crawler.ErrTenantNotFound)

	_, err = f.mgr.Configure(validConfig("alice"))
	require.NoError(t, err)
	f.svc.FailList(errors.New("API Error 500: boom"))
	_, err = f.mgr.Start(context.Background(), "alice")
	require.Error(t, err)
	require.Empty(t, f.sched.TenantJobs("alice"))

	f.svc.FailList(nil)
	f.svc.SetWebsites()
	res, err := f.mgr.Start(context.Background(), "alice")
	require.NoError(t, err)
	require.Zero(t, res.Websites)
	require.Empty(t, f.mgr.ActiveTenants())
}

func TestStopClearsJobsAndKeepsConfig(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.mgr.Configure(validConfig("alice"))
	require.NoError(t, err)
	_, err = f.mgr.Start(context.Background(), "alice")
	require.NoError(t, err)

	require.NoError(t, f.mgr.Stop("alice"))
	require.Empty(t, f.sched.TenantJobs("alice"))
	for _, st := range f.registry.TenantSnapshot("alice") {
		require.Equal(t, crawler.StatusStopped, st.Status)
		require.False(t, st.EndTime.IsZero())
	}
	require.Equal(t, []string{"alice"}, f.mgr.TenantIDs())
	require.ErrorIs(t, f.mgr.Stop("bob"), crawler.ErrTenantNotFound)

	res, err := f.mgr.Start(context.Background(), "alice")
	require.NoError(t, err)
	require.False(t, res.AlreadyRunning, "stopped tenants can start again")
}

func TestConfigureClearsExistingJobs(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.mgr.Configure(validConfig("alice"))
	require.NoError(t, err)
	_, err = f.mgr.Start(context.Background(), "alice")
	require.NoError(t, err)

	_, err = f.mgr.Configure(validConfig("alice"))
	require.NoError(t, err)
	require.Empty(t, f.sched.TenantJobs("alice"))
	st, _ := f.registry.Get("alice", "w2")
	require.Equal(t, crawler.StatusStopped, st.Status)
}

func TestRunOnceCrawlsEveryWebsite(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.mgr.Configure(validConfig("alice"))
	require.NoError(t, err)
	f.svc.SetTrigger("w1", crawler.TriggerFailure("boom"))
	f.svc.SetTrigger("w2", crawler.Started("r2"))
	f.svc.SetRun("w2", "r2", crawler.StatusComplete)

	ch, err := f.mgr.RunOnce(context.Background(), "alice")
	require.NoError(t, err)
	select {
	case err := <-ch:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("one-shot crawl did not finish")
	}

	st, _ := f.registry.Get("alice", "w1")
	require.Equal(t, crawler.StatusFailed, st.Status)
	st, _ = f.registry.Get("alice", "w2")
	require.Equal(t, crawler.StatusComplete, st.Status)
	require.Empty(t, f.sched.TenantJobs("alice"), "one-shot runs schedule nothing")

	_, err = f.mgr.RunOnce(context.Background(), "nobody")
	require.ErrorIs(t, err, crawler.ErrTenantNotFound)

	f.svc.SetWebsites()
	ch, err = f.mgr.RunOnce(context.Background(), "alice")
	require.NoError(t, err)
	require.ErrorIs(t, <-ch, crawler.ErrNoWebsites)
}

func TestOnboarderContract(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.mgr.Configure(validConfig("alice"))
	require.NoError(t, err)
	_, err = f.mgr.Start(context.Background(), "alice")
	require.NoError(t, err)

	known := f.mgr.KnownWebsites("alice")
	require.Equal(t, map[string]struct{}{"w1": {}, "w2": {}}, known)

	f.svc.SetWebsites(
		crawler.Website{ID: "w1"},
		crawler.Website{ID: "w2"},
		crawler.Website{ID: "w3", Name: "New"},
	)
	sites, gen, err := f.mgr.FetchWebsites(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, sites, 3)

	require.NoError(t, f.mgr.Onboard("alice", gen, []crawler.Website{{ID: "w3", Name: "New"}}, scheduler.Stagger{}))
	require.Contains(t, f.sched.TenantJobs("alice"), "alice_crawl_w3")
	st, ok := f.registry.Get("alice", "w3")
	require.True(t, ok)
	require.Equal(t, crawler.StatusIdle, st.Status)

	status, err := f.mgr.Status(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, 3, status.JobCount)
	require.Len(t, status.WebsitesMatched, 3)
}

func TestOnboardRejectsStaleGeneration(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.mgr.Configure(validConfig("alice"))
	require.NoError(t, err)
	_, err = f.mgr.Start(context.Background(), "alice")
	require.NoError(t, err)

	f.svc.SetWebsites(crawler.Website{ID: "w1"}, crawler.Website{ID: "w3"})
	_, gen, err := f.mgr.FetchWebsites(context.Background(), "alice")
	require.NoError(t, err)

	// Replaced between the fetch and the onboard.
	_, err = f.mgr.Configure(validConfig("alice"))
	require.NoError(t, err)
	_, err = f.mgr.Start(context.Background(), "alice")
	require.NoError(t, err)

	err = f.mgr.Onboard("alice", gen, []crawler.Website{{ID: "w4"}}, scheduler.Stagger{})
	require.ErrorIs(t, err, crawler.ErrReconfigured)
	require.NotContains(t, f.sched.TenantJobs("alice"), "alice_crawl_w4")
	_, ok := f.registry.Get("alice", "w4")
	require.False(t, ok)

	_, gen, err = f.mgr.FetchWebsites(context.Background(), "alice")
	require.NoError(t, err)
	require.NoError(t, f.mgr.Onboard("alice", gen, []crawler.Website{{ID: "w4"}}, scheduler.Stagger{}))
	require.Contains(t, f.sched.TenantJobs("alice"), "alice_crawl_w4")
}

func TestStatusResolvesSpaceName(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.svc.SetSpaces(crawler.Space{ID: "space-1", Name: "Acme Space"})
	_, err := f.mgr.Configure(validConfig("alice"))
	require.NoError(t, err)

	status, err := f.mgr.Status(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, "Acme Space", status.Config.SpaceName)
	require.Equal(t, "inp_a...ijk", status.Config.APIKey)
	require.Equal(t, 60.0, status.Config.ScheduleMinutes)
	require.False(t, status.JobsCreated)
	require.Empty(t, status.ActiveJobIDs)

	f.svc.SetSpaces()
	status, err = f.mgr.Status(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, "Error fetching name", status.Config.SpaceName)

	_, err = f.mgr.Status(context.Background(), "bob")
	require.ErrorIs(t, err, crawler.ErrTenantNotFound)
}

func TestHealthAndStartAll(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	bad := validConfig("bad")
	bad.SpaceID = ""
	started := f.mgr.StartAll(context.Background(), []crawler.TenantConfig{validConfig("alice"), bad, validConfig("bob")})
	require.Equal(t, 2, started)

	h := f.mgr.Health()
	require.Equal(t, "ok", h.Status)
	require.Equal(t, 2, h.Users)
	require.Equal(t, 4, h.Jobs)
	require.False(t, h.SchedulerRunning)
}
