// Package server builds the scheduler's dependency graph and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-scheduler/internal/api"
	"github.com/JakeFAU/crawl-scheduler/internal/clock"
	"github.com/JakeFAU/crawl-scheduler/internal/config"
	"github.com/JakeFAU/crawl-scheduler/internal/crawlapi"
	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
	"github.com/JakeFAU/crawl-scheduler/internal/discovery"
	"github.com/JakeFAU/crawl-scheduler/internal/dispatcher"
	"github.com/JakeFAU/crawl-scheduler/internal/id/uuid"
	"github.com/JakeFAU/crawl-scheduler/internal/metrics"
	"github.com/JakeFAU/crawl-scheduler/internal/orchestrator"
	"github.com/JakeFAU/crawl-scheduler/internal/policy/ratelimit"
	"github.com/JakeFAU/crawl-scheduler/internal/progress"
	progresssinks "github.com/JakeFAU/crawl-scheduler/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/crawl-scheduler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/crawl-scheduler/internal/publisher/pubsub"
	queuemem "github.com/JakeFAU/crawl-scheduler/internal/queue/memory"
	"github.com/JakeFAU/crawl-scheduler/internal/scheduler"
	gcsstorage "github.com/JakeFAU/crawl-scheduler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/crawl-scheduler/internal/storage/local"
	memorystorage "github.com/JakeFAU/crawl-scheduler/internal/storage/memory"
	pgstore "github.com/JakeFAU/crawl-scheduler/internal/storage/postgres"
	"github.com/JakeFAU/crawl-scheduler/internal/store"
	"github.com/JakeFAU/crawl-scheduler/internal/summary"
	"github.com/JakeFAU/crawl-scheduler/internal/telemetry"
	"github.com/JakeFAU/crawl-scheduler/internal/worker"
)

// Names of the scheduler's system jobs.
const (
	summaryJobName   = "status-summary"
	discoveryJobName = "website-refresh"
)

// App contains the application's dependencies.
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	clock  crawler.Clock

	registry  *memorystorage.Registry
	queue     *queuemem.Queue
	dispatch  *dispatcher.Dispatcher
	sched     *scheduler.Scheduler
	poller    *worker.Poller
	manager   *orchestrator.Manager
	refresher *discovery.Refresher
	summary   *summary.Aggregator
	hub       *progress.Hub
	apiServer *api.Server

	history   store.HistoryRepository
	pgHistory *pgstore.HistoryStore
	publisher notifier
	gcs       *storage.Client

	registerer prometheus.Registerer
	tracer     trace.TracerProvider
	// tracing is set when Build created the provider and owns its shutdown.
	tracing *sdktrace.TracerProvider

	dispatchCancel context.CancelFunc
	dispatchDone   chan struct{}
	closeOnce      sync.Once
}

type notifier interface {
	crawler.Publisher
	Close(ctx context.Context) error
}

// Option customizes Build.
type Option func(*App)

// WithRegisterer registers the cycle collectors against reg instead of the
// default Prometheus registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *App) {
		a.registerer = reg
	}
}

// WithTracerProvider records spans on tp instead of creating a provider from
// the telemetry config.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(a *App) {
		a.tracer = tp
	}
}

// Build creates the application's dependencies. Nothing runs until Run or
// RunOnce is called.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	app := &App{
		cfg:        cfg,
		logger:     logger,
		clock:      clock.System{},
		registerer: prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(app)
	}
	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.Int("workers", cfg.Scheduler.Workers),
		zap.String("history", cfg.History.Provider),
		zap.String("publisher", cfg.Publisher.Provider),
		zap.String("archive", cfg.Summary.Archive.Provider),
		zap.String("trace_exporter", cfg.Telemetry.Exporter),
	)

	if err := app.setupTracing(ctx); err != nil {
		return nil, err
	}
	if err := app.setupHistory(ctx); err != nil {
		app.closeStores(ctx)
		return nil, err
	}
	if err := app.setupPublisher(ctx); err != nil {
		app.closeStores(ctx)
		return nil, err
	}
	archive, err := app.setupArchive(ctx)
	if err != nil {
		app.closeStores(ctx)
		return nil, err
	}

	app.registry = memorystorage.NewRegistry(app.clock)
	app.queue = queuemem.NewQueue(cfg.Scheduler.QueueDepth)
	app.dispatch = dispatcher.New(app.queue, dispatcher.Config{
		Workers:      cfg.Scheduler.Workers,
		MisfireGrace: cfg.Scheduler.MisfireGrace,
	}, app.clock, logger.Named("dispatcher"))
	app.sched = scheduler.New(app.dispatch, app.clock, logger.Named("scheduler"))

	// The aggregator reads tenants from the manager, which is built after
	// the hub that feeds the aggregator.
	tenants := &tenantSource{}
	app.summary = summary.New(tenants, app.registry, archive, app.clock, summary.Config{
		Cooldown:      cfg.Summary.Cooldown,
		ActiveWindow:  cfg.Summary.ActiveWindow,
		ArchivePrefix: cfg.Summary.Archive.Prefix,
	}, logger.Named("summary"))

	hub, err := app.setupProgress()
	if err != nil {
		app.closeStores(ctx)
		return nil, err
	}
	app.hub = hub

	app.poller = worker.NewPoller(app.dispatch, app.registry, hub, app.clock, worker.PollerConfig{
		MaxLifetime:    cfg.Scheduler.MaxPollDuration,
		TracerProvider: app.tracer,
	}, logger.Named("poller"))
	exec := worker.NewExecutor(app.registry, app.poller, hub, uuid.New(), app.clock, logger.Named("executor"))

	app.manager = orchestrator.New(
		app.registry,
		app.sched,
		exec,
		app.clientFactory(),
		orchestrator.Config{Stagger: scheduler.Stagger{
			Step: cfg.Scheduler.StaggerStep,
			Cap:  cfg.Scheduler.StaggerCap,
		}},
		logger.Named("orchestrator"),
	)
	tenants.mgr = app.manager

	app.refresher = discovery.New(app.manager, discovery.Config{
		Stagger: scheduler.Stagger{Step: cfg.Discovery.StaggerStep, Cap: cfg.Discovery.StaggerCap},
		AfterOnboard: func(ctx context.Context) {
			app.summary.Generate(ctx, false)
		},
	}, logger.Named("discovery"))

	if err := app.setupSystemJobs(); err != nil {
		app.closeStores(ctx)
		return nil, err
	}

	app.apiServer = api.NewServer(app.manager, app.summary, app.history, app.clock, api.Config{
		AuthEnabled:    cfg.Auth.Enabled,
		APIKey:         cfg.Auth.APIKey,
		RequestTimeout: cfg.Server.RequestTimeout,
	}, logger.Named("api"))
	return app, nil
}

// Handler exposes the admin API router.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Manager exposes the tenant manager.
func (a *App) Manager() *orchestrator.Manager {
	return a.manager
}

// Run starts the workers, timers and HTTP server, applies the bootstrap
// tenants, and blocks until ctx is canceled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.startDispatcher()
	a.sched.Start()
	a.logger.Info("scheduler started")

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	go a.bootstrap(ctx)

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	return a.Close(shutdownCtx)
}

// RunOnce configures one bootstrap tenant, crawls each of its websites once
// and waits for every crawl to finish.
func (a *App) RunOnce(ctx context.Context, tenantID string) error {
	tenants, skipped := a.cfg.TenantConfigs()
	for _, reason := range skipped {
		a.logger.Warn("skipping bootstrap tenant", zap.String("reason", reason))
	}
	var found *crawler.TenantConfig
	for i := range tenants {
		if tenants[i].ID == tenantID {
			found = &tenants[i]
			break
		}
	}
	if found == nil {
		return fmt.Errorf("%w: %s is not in the tenants list", crawler.ErrTenantNotFound, tenantID)
	}
	if _, err := a.manager.Configure(*found); err != nil {
		return fmt.Errorf("configure %s: %w", tenantID, err)
	}

	a.startDispatcher()
	done, err := a.manager.RunOnce(ctx, tenantID)
	if err != nil {
		return err
	}
	runErr := <-done

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.shutdownTimeout())
	defer cancel()
	a.summary.Generate(closeCtx, true)
	if err := a.Close(closeCtx); err != nil {
		return err
	}
	return runErr
}

// Close stops timers, abandons in-flight polls, drains the workers and
// flushes every sink and store. It is safe to call more than once.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		if err := a.sched.Stop(ctx); err != nil {
			a.logger.Warn("scheduler stop failed", zap.Error(err))
		}
		if err := a.poller.Close(ctx); err != nil {
			a.logger.Warn("poller close failed", zap.Error(err))
		}
		a.stopDispatcher(ctx)
		a.queue.Close()
		if a.hub != nil {
			if err := a.hub.Close(ctx); err != nil {
				a.logger.Warn("progress hub close failed", zap.Error(err))
			}
		}
		a.closeStores(ctx)
		if err := a.logger.Sync(); err != nil {
			a.logger.Debug("logger sync failed", zap.Error(err))
		}
		a.logger.Info("shutdown complete")
	})
	return nil
}

func (a *App) bootstrap(ctx context.Context) {
	tenants, skipped := a.cfg.TenantConfigs()
	for _, reason := range skipped {
		a.logger.Warn("skipping bootstrap tenant", zap.String("reason", reason))
	}
	if len(tenants) == 0 {
		a.logger.Info("no bootstrap tenants configured")
		return
	}
	started := a.manager.StartAll(ctx, tenants)
	a.logger.Info("bootstrap tenants started",
		zap.Int("configured", len(tenants)),
		zap.Int("scheduled", started),
	)
	if !a.cfg.Bootstrap.InitialCrawl {
		return
	}
	for _, id := range a.manager.ActiveTenants() {
		done, err := a.manager.RunOnce(ctx, id)
		if err != nil {
			a.logger.Warn("initial crawl not started", zap.String("tenant", id), zap.Error(err))
			continue
		}
		go func(id string) {
			if err := <-done; err != nil {
				a.logger.Warn("initial crawl failed", zap.String("tenant", id), zap.Error(err))
			}
		}(id)
	}
}

func (a *App) startDispatcher() {
	if a.dispatchCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.dispatchCancel = cancel
	a.dispatchDone = make(chan struct{})
	go func() {
		defer close(a.dispatchDone)
		a.logger.Info("dispatcher started", zap.Int("workers", a.dispatch.Workers()))
		a.dispatch.Run(ctx)
	}()
}

func (a *App) stopDispatcher(ctx context.Context) {
	if a.dispatchCancel == nil {
		return
	}
	a.dispatchCancel()
	select {
	case <-a.dispatchDone:
	case <-ctx.Done():
		a.logger.Warn("dispatcher did not drain before shutdown deadline")
	}
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 30 * time.Second
}

func (a *App) closeStores(ctx context.Context) {
	if a.publisher != nil {
		if err := a.publisher.Close(ctx); err != nil {
			a.logger.Warn("publisher close failed", zap.Error(err))
		}
	}
	if a.pgHistory != nil {
		a.pgHistory.Close()
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.tracing != nil {
		if err := a.tracing.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer provider shutdown failed", zap.Error(err))
		}
	}
}

func (a *App) setupTracing(ctx context.Context) error {
	if a.tracer != nil {
		return nil
	}
	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		Exporter:    a.cfg.Telemetry.Exporter,
		ProjectID:   a.cfg.Telemetry.ProjectID,
		ServiceName: a.cfg.Telemetry.ServiceName,
		SampleRatio: a.cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("tracer provider init failed: %w", err)
	}
	a.tracing = tp
	a.tracer = tp
	a.logger.Info("tracing initialized", zap.String("exporter", a.cfg.Telemetry.Exporter))
	return nil
}

func (a *App) setupHistory(ctx context.Context) error {
	switch a.cfg.History.Provider {
	case "postgres":
		pg, err := pgstore.NewHistoryStore(ctx, pgstore.HistoryStoreConfig{
			DSN:      a.cfg.History.DSN,
			Table:    a.cfg.History.Table,
			MaxConns: a.cfg.History.MaxConns,
		})
		if err != nil {
			return fmt.Errorf("history store init failed: %w", err)
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return fmt.Errorf("history schema init failed: %w", err)
		}
		a.pgHistory = pg
		a.history = pg
		a.logger.Info("postgres history store initialized", zap.String("table", a.cfg.History.Table))
	default:
		a.history = memorystorage.NewHistoryStore(a.cfg.History.Capacity)
		a.logger.Info("using in-memory history store", zap.Int("capacity", a.cfg.History.Capacity))
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	switch a.cfg.Publisher.Provider {
	case "pubsub":
		client, err := pubsub.NewClient(ctx, a.cfg.Publisher.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.publisher = gcppublisher.New(client)
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.cfg.Publisher.ProjectID),
			zap.String("topic", a.cfg.Publisher.Topic),
		)
	case "memory":
		a.publisher = memorypublisher.New()
		a.logger.Info("using in-memory publisher")
	default:
		a.logger.Info("cycle notifications disabled")
	}
	return nil
}

func (a *App) setupArchive(ctx context.Context) (crawler.BlobStore, error) {
	archiveCfg := a.cfg.Summary.Archive
	switch archiveCfg.Provider {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcs = client
		archive, err := gcsstorage.New(client, gcsstorage.Config{Bucket: archiveCfg.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs archive init failed: %w", err)
		}
		a.logger.Info("archiving summaries to GCS", zap.String("bucket", archiveCfg.Bucket))
		return archive, nil
	case "local":
		archive, err := localstorage.New(localstorage.Config{BaseDir: archiveCfg.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local archive init failed: %w", err)
		}
		a.logger.Info("archiving summaries locally", zap.String("path", archiveCfg.BaseDir))
		return archive, nil
	case "memory":
		a.logger.Info("archiving summaries in memory")
		return memorystorage.NewArchiveStore(), nil
	default:
		a.logger.Debug("summary archive disabled")
		return nil, nil
	}
}

func (a *App) setupProgress() (*progress.Hub, error) {
	promSink, err := progresssinks.NewPrometheusSink(a.registerer)
	if err != nil {
		return nil, fmt.Errorf("prometheus sink init failed: %w", err)
	}
	sinkList := []progress.Sink{
		progresssinks.NewLogSink(a.logger.Named("cycles")),
		promSink,
		progresssinks.NewHistorySink(a.history, a.logger.Named("history")),
		summary.NewSink(a.summary),
	}
	if a.publisher != nil {
		sinkList = append(sinkList,
			progresssinks.NewPublisherSink(a.publisher, a.cfg.Publisher.Topic, a.logger.Named("notifications")),
		)
	}
	return progress.NewHub(progress.Config{Logger: a.logger.Named("progress_hub")}, sinkList...), nil
}

func (a *App) setupSystemJobs() error {
	if interval := a.cfg.Summary.Interval; interval > 0 {
		err := a.sched.AddSystemJob(summaryJobName, interval, func(ctx context.Context) {
			a.summary.Generate(ctx, false)
		})
		if err != nil {
			return fmt.Errorf("schedule %s: %w", summaryJobName, err)
		}
	}
	if interval := a.cfg.Discovery.Interval; interval > 0 {
		err := a.sched.AddSystemJob(discoveryJobName, interval, func(ctx context.Context) {
			n, err := a.refresher.RefreshAll(ctx)
			if err != nil {
				a.logger.Warn("website refresh finished with errors", zap.Int("onboarded", n), zap.Error(err))
				return
			}
			a.logger.Info("website refresh finished", zap.Int("onboarded", n))
		})
		if err != nil {
			return fmt.Errorf("schedule %s: %w", discoveryJobName, err)
		}
	} else {
		a.logger.Info("website refresh job disabled")
	}
	return nil
}

func (a *App) clientFactory() orchestrator.ClientFactory {
	limiter := ratelimit.New(ratelimit.Config{
		RPS:   a.cfg.CrawlAPI.RatePerSecond,
		Burst: a.cfg.CrawlAPI.Burst,
	})
	apiCfg := a.cfg.CrawlAPI
	logger := a.logger.Named("crawlapi")
	tp := a.tracer
	return func(tenant crawler.TenantConfig) (crawler.CrawlService, error) {
		client, err := crawlapi.New(crawlapi.Config{
			Tenant:         tenant,
			ListTimeout:    apiCfg.ListTimeout,
			TriggerTimeout: apiCfg.TriggerTimeout,
			Retries:        apiCfg.Retries,
			Limiter:        limiter,
			Logger:         logger,
			TracerProvider: tp,
		})
		if err != nil {
			return nil, fmt.Errorf("crawl service client for %s: %w", tenant.ID, err)
		}
		return client, nil
	}
}

type tenantSource struct {
	mgr *orchestrator.Manager
}

func (t *tenantSource) Tenants() []crawler.TenantConfig {
	if t.mgr == nil {
		return nil
	}
	return t.mgr.Tenants()
}
