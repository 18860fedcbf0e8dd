package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
	"github.com/JakeFAU/crawl-scheduler/internal/metrics"
	"github.com/JakeFAU/crawl-scheduler/internal/progress"
	"github.com/JakeFAU/crawl-scheduler/internal/telemetry"
)

// Submitter hands short tasks to the shared worker pool.
type Submitter interface {
	Submit(ctx context.Context, item crawler.QueueItem) error
}

// PollerConfig bounds poll units.
type PollerConfig struct {
	// MaxLifetime abandons a poll unit after this long. Zero polls until a
	// terminal status or shutdown.
	MaxLifetime time.Duration
	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
}

// Poller owns one timer loop per active crawl run.
type Poller struct {
	submitter Submitter
	registry  crawler.StatusRegistry
	events    progress.Emitter
	clock     crawler.Clock
	cfg       PollerConfig
	logger    *zap.Logger
	tracer    trace.Tracer

	root   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
	units  int
}

// NewPoller constructs a Poller whose units run until Close.
func NewPoller(
	submitter Submitter,
	registry crawler.StatusRegistry,
	events progress.Emitter,
	clock crawler.Clock,
	cfg PollerConfig,
	logger *zap.Logger,
) *Poller {
	if events == nil {
		events = progress.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	root, cancel := context.WithCancel(context.Background())
	return &Poller{
		submitter: submitter,
		registry:  registry,
		events:    events,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
		tracer:    telemetry.Tracer(cfg.TracerProvider),
		root:      root,
		cancel:    cancel,
	}
}

// Watch starts polling the cycle's run. done is called once the unit ends,
// including when the Poller is already closed.
func (p *Poller) Watch(c Cycle, done func()) {
	if done == nil {
		done = func() {}
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.abandon(c)
		done()
		return
	}
	p.units++
	p.wg.Add(1)
	p.mu.Unlock()

	metrics.IncPollUnits()
	go p.run(c, done)
}

// Active reports the number of running poll units.
func (p *Poller) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.units
}

// Close cancels every poll unit and waits for them to record their final state.
func (p *Poller) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cancel()

	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Poller) run(c Cycle, done func()) {
	defer func() {
		p.mu.Lock()
		p.units--
		p.mu.Unlock()
		metrics.DecPollUnits()
		done()
		p.wg.Done()
	}()

	ctx := p.root
	if p.cfg.MaxLifetime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.MaxLifetime)
		defer cancel()
	}
	interval := c.Target.Tenant.StatusCheckInterval
	if interval <= 0 {
		interval = crawler.DefaultStatusCheckInterval
	}
	logger := p.logger.With(
		zap.String("tenant", c.Target.Tenant.ID),
		zap.String("website_id", c.Target.Website.ID),
		zap.String("cycle_id", c.ID),
	)

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			p.abandon(c)
			return
		case <-timer.C:
		}
		res, err := p.tick(ctx, c)
		if err != nil {
			logger.Debug("poll unit ending", zap.Error(err))
			p.abandon(c)
			return
		}
		if res.err != nil {
			logger.Debug("status poll failed", zap.String("run_id", c.RunID), zap.Error(res.err))
		}
		if res.runID != "" && c.RunID == "" {
			c.RunID = res.runID
		}
		if p.apply(c, res) {
			return
		}
		timer.Reset(interval)
	}
}

type pollResult struct {
	status crawler.Status
	runID  string
	err    error
}

// tick submits one status check to the worker pool and waits for its result.
func (p *Poller) tick(ctx context.Context, c Cycle) (pollResult, error) {
	results := make(chan pollResult, 1)
	item := crawler.QueueItem{
		JobID: c.Target.JobID(),
		Run: func(context.Context) {
			results <- p.check(ctx, c)
		},
		Drop: func(reason string) {
			results <- pollResult{err: errors.New("poll dropped: " + reason)}
		},
	}
	if err := p.submitter.Submit(ctx, item); err != nil {
		return pollResult{}, err
	}
	select {
	case res := <-results:
		return res, nil
	case <-ctx.Done():
		return pollResult{}, ctx.Err()
	}
}

// check queries by run id when known, else the website's latest crawl.
func (p *Poller) check(ctx context.Context, c Cycle) (res pollResult) {
	ctx, span := p.tracer.Start(ctx, "cycle.poll",
		trace.WithLinks(trace.Link{SpanContext: c.Trace}),
		trace.WithAttributes(
			attribute.String("tenant", c.Target.Tenant.ID),
			attribute.String("website_id", c.Target.Website.ID),
			attribute.String("cycle_id", c.ID),
		),
	)
	defer func() {
		span.SetAttributes(attribute.String("crawl.status", string(res.status)))
		if res.err != nil {
			span.RecordError(res.err)
			span.SetStatus(codes.Error, res.err.Error())
		}
		span.End()
	}()

	client, site := c.Target.Client, c.Target.Website.ID
	if c.RunID != "" {
		status, found, err := client.RunStatus(ctx, site, c.RunID)
		if err != nil || !found {
			return pollResult{err: err}
		}
		return pollResult{status: status}
	}
	latest, err := client.LatestCrawl(ctx, site)
	if err != nil {
		return pollResult{err: err}
	}
	res = pollResult{status: latest.Status}
	if latest.Status.Active() {
		res.runID = latest.RunID
	}
	return res
}

// apply records a check result and reports whether the run completed, failed
// or was cancelled.
func (p *Poller) apply(c Cycle, res pollResult) bool {
	now := p.now()
	var (
		stage progress.Stage
		note  string
	)
	st := p.registry.Upsert(c.Target.Tenant.ID, c.Target.Website.ID, func(st *crawler.JobStatus) {
		st.LastUpdate = now
		if res.runID != "" && st.RunID == "" {
			st.RunID = res.runID
		}
		if res.err != nil || !pollable(res.status) || !st.Status.Advances(res.status) {
			return
		}
		// A cleared tenant keeps its stopped entries until the run ends.
		if st.Status == crawler.StatusStopped && res.status.Active() {
			return
		}
		st.Status = res.status
		switch {
		case res.status == crawler.StatusComplete:
			st.EndTime = now
			st.LastSuccessfulCrawl = now
			stage = progress.StageCycleDone
		case res.status.Failure():
			st.EndTime = now
			st.ErrorMessage = "Crawl " + string(res.status)
			stage, note = progress.StageCycleError, st.ErrorMessage
		}
	})
	if stage != "" {
		emitCycle(p.events, now, c, stage, st.Status, note)
		return true
	}
	emitCycle(p.events, now, c, progress.StageCyclePoll, st.Status, "")
	return res.err == nil && (res.status == crawler.StatusComplete || res.status.Failure())
}

// pollable reports whether a status reported by the service may be recorded
// mid-cycle. Only complete, failed and cancelled end the cycle; unknown is
// reserved for abandoned polls.
func pollable(s crawler.Status) bool {
	return s.Active() || s == crawler.StatusComplete || s.Failure()
}

func (p *Poller) abandon(c Cycle) {
	now := p.now()
	abandoned := false
	st := p.registry.Upsert(c.Target.Tenant.ID, c.Target.Website.ID, func(st *crawler.JobStatus) {
		if !st.Status.Active() {
			return
		}
		st.Status = crawler.StatusUnknown
		st.EndTime = now
		st.LastUpdate = now
		st.ErrorMessage = "Final status unknown"
		abandoned = true
	})
	if abandoned {
		p.logger.Warn("poll abandoned before terminal status",
			zap.String("tenant", c.Target.Tenant.ID),
			zap.String("website_id", c.Target.Website.ID),
			zap.String("run_id", st.RunID),
		)
		emitCycle(p.events, now, c, progress.StageCycleAbandoned, st.Status, st.ErrorMessage)
	}
}

func (p *Poller) now() time.Time {
	if p.clock == nil {
		return time.Now().UTC()
	}
	return p.clock.Now()
}
