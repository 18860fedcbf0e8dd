// Package orchestrator owns per-tenant state: configuration, crawl service
// client, matched websites and job lifecycle. It is the single context object
// behind the admin API, discovery and the summary aggregator.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
	"github.com/JakeFAU/crawl-scheduler/internal/scheduler"
	"github.com/JakeFAU/crawl-scheduler/internal/worker"
)

// DefaultStagger spreads the first fires of a tenant's initial jobs.
var DefaultStagger = scheduler.Stagger{Step: 20 * time.Second, Cap: 300 * time.Second}

// ClientFactory builds the crawl service client for a tenant.
type ClientFactory func(cfg crawler.TenantConfig) (crawler.CrawlService, error)

// StatusStore is the registry view the manager needs.
type StatusStore interface {
	crawler.StatusRegistry
	Seed(tenantID string, site crawler.Website) crawler.JobStatus
	Clear(tenantID string) int
	TenantSnapshot(tenantID string) []crawler.JobStatus
}

// Config tunes the manager.
type Config struct {
	Stagger scheduler.Stagger
}

type tenantState struct {
	// gen changes on every Configure so in-flight operations can detect replacement.
	gen         uint64
	cfg         crawler.TenantConfig
	client      crawler.CrawlService
	websites    []crawler.Website
	jobsCreated bool
}

// Manager coordinates tenants with the scheduler, executor and registry.
type Manager struct {
	registry  StatusStore
	sched     *scheduler.Scheduler
	exec      *worker.Executor
	newClient ClientFactory
	cfg       Config
	logger    *zap.Logger

	mu      sync.RWMutex
	tenants map[string]*tenantState
	gen     uint64
}

// New constructs a Manager.
func New(
	registry StatusStore,
	sched *scheduler.Scheduler,
	exec *worker.Executor,
	newClient ClientFactory,
	cfg Config,
	logger *zap.Logger,
) *Manager {
	if cfg.Stagger == (scheduler.Stagger{}) {
		cfg.Stagger = DefaultStagger
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		registry:  registry,
		sched:     sched,
		exec:      exec,
		newClient: newClient,
		cfg:       cfg,
		logger:    logger,
		tenants:   make(map[string]*tenantState),
	}
}

// Configure validates and stores a tenant configuration, replacing any
// previous one. Existing jobs for the tenant are cleared first.
func (m *Manager) Configure(cfg crawler.TenantConfig) (crawler.TenantConfig, error) {
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return crawler.TenantConfig{}, err
	}
	client, err := m.newClient(cfg)
	if err != nil {
		return crawler.TenantConfig{}, fmt.Errorf("build client for %s: %w", cfg.ID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearLocked(cfg.ID)
	m.gen++
	m.tenants[cfg.ID] = &tenantState{gen: m.gen, cfg: cfg, client: client}
	m.logger.Info("tenant configured",
		zap.String("tenant", cfg.ID),
		zap.String("space", cfg.SpaceLabel()),
		zap.Duration("interval", cfg.ScheduleInterval),
		zap.Int("filters", len(cfg.WebsiteFilter)),
	)
	return cfg, nil
}

// StartResult reports what Start did.
type StartResult struct {
	// AlreadyRunning is set when the tenant's jobs existed before the call.
	AlreadyRunning bool
	Websites       int
	Interval       string
}

// Start lists the tenant's websites and schedules one job per website.
// Calling Start while jobs exist does nothing.
func (m *Manager) Start(ctx context.Context, tenantID string) (StartResult, error) {
	m.mu.RLock()
	st, ok := m.tenants[tenantID]
	var (
		cfg     crawler.TenantConfig
		client  crawler.CrawlService
		gen     uint64
		created bool
		known   int
	)
	if ok {
		cfg, client, gen, created, known = st.cfg, st.client, st.gen, st.jobsCreated, len(st.websites)
	}
	m.mu.RUnlock()
	if !ok {
		return StartResult{}, fmt.Errorf("%w: %s", crawler.ErrTenantNotFound, tenantID)
	}
	if created {
		return StartResult{AlreadyRunning: true, Websites: known}, nil
	}

	sites, err := client.ListWebsites(ctx)
	if err != nil {
		return StartResult{}, fmt.Errorf("fetch websites for %s: %w", tenantID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok = m.tenants[tenantID]
	if !ok || st.gen != gen {
		return StartResult{}, fmt.Errorf("%w: %s was reconfigured during start", crawler.ErrTenantNotFound, tenantID)
	}
	if st.jobsCreated {
		return StartResult{AlreadyRunning: true, Websites: len(st.websites)}, nil
	}
	st.websites = sites
	if len(sites) == 0 {
		m.logger.Warn("no websites matched filter, nothing scheduled", zap.String("tenant", tenantID))
		return StartResult{Websites: 0, Interval: cfg.ScheduleInterval.String()}, nil
	}
	if err := m.scheduleLocked(st, sites, m.cfg.Stagger); err != nil {
		return StartResult{}, err
	}
	m.logger.Info("tenant scheduled",
		zap.String("tenant", tenantID),
		zap.Int("websites", len(sites)),
		zap.Duration("interval", cfg.ScheduleInterval),
	)
	return StartResult{Websites: len(sites), Interval: cfg.ScheduleInterval.String()}, nil
}

// StartAll configures and starts every bootstrap tenant, skipping invalid
// entries and continuing past start failures.
func (m *Manager) StartAll(ctx context.Context, tenants []crawler.TenantConfig) int {
	started := 0
	for _, cfg := range tenants {
		if _, err := m.Configure(cfg); err != nil {
			m.logger.Warn("skipping tenant", zap.String("tenant", cfg.ID), zap.Error(err))
			continue
		}
		res, err := m.Start(ctx, strings.TrimSpace(cfg.ID))
		if err != nil {
			m.logger.Error("start tenant failed", zap.String("tenant", cfg.ID), zap.Error(err))
			continue
		}
		if res.Websites > 0 {
			started++
		}
	}
	return started
}

// Stop removes the tenant's jobs and marks their statuses stopped. The
// configuration is kept.
func (m *Manager) Stop(tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tenants[tenantID]; !ok {
		return fmt.Errorf("%w: %s", crawler.ErrTenantNotFound, tenantID)
	}
	m.clearLocked(tenantID)
	return nil
}

// RunOnce crawls every matched website of the tenant once, one after another,
// in the background. The returned channel yields the run's error (or nil)
// and is then closed.
func (m *Manager) RunOnce(ctx context.Context, tenantID string) (<-chan error, error) {
	cfg, client, err := m.lookup(tenantID)
	if err != nil {
		return nil, err
	}
	out := make(chan error, 1)
	go func() {
		defer close(out)
		out <- m.runOnce(ctx, cfg, client)
	}()
	return out, nil
}

func (m *Manager) runOnce(ctx context.Context, cfg crawler.TenantConfig, client crawler.CrawlService) error {
	logger := m.logger.With(zap.String("tenant", cfg.ID))
	logger.Info("starting one-shot crawl")
	sites, err := client.ListWebsites(ctx)
	if err != nil {
		logger.Error("failed to fetch websites for one-shot crawl", zap.Error(err))
		return fmt.Errorf("fetch websites for %s: %w", cfg.ID, err)
	}
	if len(sites) == 0 {
		logger.Warn("no websites matched filter criteria")
		return fmt.Errorf("%s: %w", cfg.ID, crawler.ErrNoWebsites)
	}
	logger.Info("one-shot crawl websites", zap.Int("websites", len(sites)))
	for _, site := range sites {
		if err := ctx.Err(); err != nil {
			return err
		}
		m.registry.Seed(cfg.ID, site)
		target := worker.Target{Tenant: cfg, Client: client, Website: site}
		release, ok := m.sched.Acquire(target.JobID())
		if !ok {
			logger.Info("website already in flight, skipping", zap.String("website_id", site.ID))
			continue
		}
		finished := make(chan struct{})
		m.exec.Execute(ctx, target, func() {
			release()
			close(finished)
		})
		select {
		case <-finished:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	logger.Info("one-shot crawl completed")
	return nil
}

// Tenants returns every configured tenant sorted by id.
func (m *Manager) Tenants() []crawler.TenantConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]crawler.TenantConfig, 0, len(m.tenants))
	for _, st := range m.tenants {
		out = append(out, st.cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TenantIDs returns the configured tenant ids, sorted.
func (m *Manager) TenantIDs() []string {
	tenants := m.Tenants()
	ids := make([]string, len(tenants))
	for i, cfg := range tenants {
		ids[i] = cfg.ID
	}
	return ids
}

// ActiveTenants lists tenants whose jobs are scheduled.
func (m *Manager) ActiveTenants() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for id, st := range m.tenants {
		if st.jobsCreated {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// KnownWebsites returns the website ids that have a scheduled job.
func (m *Manager) KnownWebsites(tenantID string) map[string]struct{} {
	prefix := crawler.JobID(tenantID, "")
	out := make(map[string]struct{})
	for _, id := range m.sched.TenantJobs(tenantID) {
		out[strings.TrimPrefix(id, prefix)] = struct{}{}
	}
	return out
}

// FetchWebsites re-lists the tenant's websites and refreshes its cache. The
// returned generation identifies the configuration the list was fetched
// under and must be handed back to Onboard.
func (m *Manager) FetchWebsites(ctx context.Context, tenantID string) ([]crawler.Website, uint64, error) {
	m.mu.RLock()
	st, ok := m.tenants[tenantID]
	var (
		client crawler.CrawlService
		gen    uint64
	)
	if ok {
		client, gen = st.client, st.gen
	}
	m.mu.RUnlock()
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", crawler.ErrTenantNotFound, tenantID)
	}
	sites, err := client.ListWebsites(ctx)
	if err != nil {
		return nil, 0, err
	}
	m.mu.Lock()
	if st, ok := m.tenants[tenantID]; ok && st.gen == gen {
		st.websites = sites
	}
	m.mu.Unlock()
	return sites, gen, nil
}

// Onboard schedules jobs for new websites of an active tenant. A batch
// fetched under an older generation is rejected with ErrReconfigured.
func (m *Manager) Onboard(tenantID string, gen uint64, sites []crawler.Website, stagger scheduler.Stagger) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.tenants[tenantID]
	if !ok {
		return fmt.Errorf("%w: %s", crawler.ErrTenantNotFound, tenantID)
	}
	if st.gen != gen {
		return fmt.Errorf("%w: %s", crawler.ErrReconfigured, tenantID)
	}
	if !st.jobsCreated {
		return nil
	}
	return m.scheduleLocked(st, sites, stagger)
}

func (m *Manager) scheduleLocked(st *tenantState, sites []crawler.Website, stagger scheduler.Stagger) error {
	jobs := make([]scheduler.Job, 0, len(sites))
	for _, site := range sites {
		if site.ID == "" {
			continue
		}
		m.registry.Seed(st.cfg.ID, site)
		jobs = append(jobs, m.job(worker.Target{Tenant: st.cfg, Client: st.client, Website: site}))
	}
	err := m.sched.ScheduleBatch(st.cfg.ID, jobs, stagger)
	st.jobsCreated = st.jobsCreated || len(jobs) > 0
	if err != nil {
		return fmt.Errorf("schedule %s: %w", st.cfg.ID, err)
	}
	return nil
}

func (m *Manager) job(target worker.Target) scheduler.Job {
	return scheduler.Job{
		ID:       target.JobID(),
		Interval: target.Tenant.ScheduleInterval,
		Task: func(ctx context.Context, done func()) {
			m.exec.Execute(ctx, target, done)
		},
	}
}

func (m *Manager) clearLocked(tenantID string) {
	removed := m.sched.RemoveTenant(tenantID)
	stopped := m.registry.Clear(tenantID)
	if st, ok := m.tenants[tenantID]; ok {
		st.jobsCreated = false
	}
	if removed > 0 || stopped > 0 {
		m.logger.Info("tenant jobs cleared",
			zap.String("tenant", tenantID),
			zap.Int("jobs_removed", removed),
			zap.Int("statuses_stopped", stopped),
		)
	}
}

func (m *Manager) lookup(tenantID string) (crawler.TenantConfig, crawler.CrawlService, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.tenants[tenantID]
	if !ok {
		return crawler.TenantConfig{}, nil, fmt.Errorf("%w: %s", crawler.ErrTenantNotFound, tenantID)
	}
	return st.cfg, st.client, nil
}
