package worker

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
	"github.com/JakeFAU/crawl-scheduler/internal/progress"
	"github.com/JakeFAU/crawl-scheduler/internal/telemetry"
)

// Target names the tenant, client and website a cycle runs against.
type Target struct {
	Tenant  crawler.TenantConfig
	Client  crawler.CrawlService
	Website crawler.Website
}

// JobID returns the scheduler id of the target's (tenant, website) pair.
func (t Target) JobID() string {
	return crawler.JobID(t.Tenant.ID, t.Website.ID)
}

// Cycle is one executor invocation handed from the trigger unit to the poll unit.
type Cycle struct {
	ID      string
	Target  Target
	Started time.Time
	// RunID may be empty after a conflict; the poller learns it from the latest crawl.
	RunID string
	// Trace is the trigger span; poll spans link back to it.
	Trace trace.SpanContext
}

// Outcome reports how Execute left the cycle.
type Outcome string

// Execute outcomes. Adopted, Triggered and Queued hand the cycle to the Poller.
const (
	OutcomeAdopted       Outcome = "adopted"
	OutcomeSkipped       Outcome = "skipped"
	OutcomeTriggered     Outcome = "triggered"
	OutcomeQueued        Outcome = "queued"
	OutcomeTriggerFailed Outcome = "trigger_failed"
)

// Polling reports whether the cycle continues in the Poller.
func (o Outcome) Polling() bool {
	return o == OutcomeAdopted || o == OutcomeTriggered || o == OutcomeQueued
}

// Executor runs the trigger unit of a crawl cycle.
type Executor struct {
	registry crawler.StatusRegistry
	poller   *Poller
	events   progress.Emitter
	ids      crawler.IDGenerator
	clock    crawler.Clock
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewExecutor constructs an Executor. Events and ids are optional.
func NewExecutor(
	registry crawler.StatusRegistry,
	poller *Poller,
	events progress.Emitter,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	logger *zap.Logger,
) *Executor {
	if events == nil {
		events = progress.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	tracer := telemetry.Tracer(nil)
	if poller != nil {
		tracer = poller.tracer
	}
	return &Executor{
		registry: registry,
		poller:   poller,
		events:   events,
		ids:      ids,
		clock:    clock,
		logger:   logger,
		tracer:   tracer,
	}
}

// Execute runs one cycle for the target. done is called exactly once, when the
// cycle no longer needs the job's run lock: immediately for skipped and failed
// cycles, or by the Poller once polling ends.
func (e *Executor) Execute(ctx context.Context, target Target, done func()) (outcome Outcome) {
	if done == nil {
		done = func() {}
	}
	tenant, site := target.Tenant.ID, target.Website.ID
	logger := e.logger.With(zap.String("tenant", tenant), zap.String("website_id", site))
	c := Cycle{ID: e.newCycleID(target), Target: target, Started: e.now()}

	ctx, span := e.tracer.Start(ctx, "cycle.trigger", trace.WithAttributes(
		attribute.String("tenant", tenant),
		attribute.String("website_id", site),
		attribute.String("cycle_id", c.ID),
	))
	c.Trace = span.SpanContext()
	defer func() {
		span.SetAttributes(attribute.String("cycle.outcome", string(outcome)))
		if outcome == OutcomeTriggerFailed {
			span.SetStatus(codes.Error, "trigger failed")
		}
		span.End()
	}()
	e.emit(c, progress.StageCycleStart, "", "")

	latest, err := target.Client.LatestCrawl(ctx, site)
	if err != nil {
		logger.Debug("latest crawl lookup failed", zap.Error(err))
	}
	if err == nil && latest.Status.Active() {
		now := e.now()
		e.registry.Upsert(tenant, site, func(st *crawler.JobStatus) {
			st.WebsiteName = target.Website.DisplayName()
			st.Status = latest.Status
			st.RunID = latest.RunID
			st.StartTime = now
			st.EndTime = time.Time{}
			st.LastUpdate = now
			st.ErrorMessage = ""
		})
		c.RunID = latest.RunID
		logger.Info("adopting active crawl", zap.String("run_id", latest.RunID), zap.String("status", string(latest.Status)))
		e.emit(c, progress.StageCycleAdopted, latest.Status, "")
		e.poller.Watch(c, done)
		return OutcomeAdopted
	}

	if cur, ok := e.registry.Get(tenant, site); ok && cur.Status.Active() {
		check := e.freshCheck(ctx, target, cur.RunID, latest)
		if check.Active() {
			now := e.now()
			e.registry.Upsert(tenant, site, func(st *crawler.JobStatus) {
				st.LastUpdate = now
			})
			c.RunID = cur.RunID
			logger.Info("crawl still active, skipping cycle", zap.String("run_id", cur.RunID))
			e.emit(c, progress.StageCycleSkipped, cur.Status, "")
			done()
			return OutcomeSkipped
		}
	}

	start := e.now()
	e.registry.Upsert(tenant, site, func(st *crawler.JobStatus) {
		st.WebsiteName = target.Website.DisplayName()
		st.Status = crawler.StatusStarting
		st.RunID = ""
		st.StartTime = start
		st.EndTime = time.Time{}
		st.LastUpdate = start
		st.ErrorMessage = ""
	})

	res := target.Client.TriggerCrawl(ctx, site)
	now := e.now()
	switch res.Kind {
	case crawler.TriggerStarted, crawler.TriggerAlreadyActive:
		status := crawler.StatusRunning
		stage := progress.StageCycleTriggered
		outcome = OutcomeTriggered
		if res.Kind == crawler.TriggerAlreadyActive {
			status, stage, outcome = crawler.StatusQueued, progress.StageCycleQueued, OutcomeQueued
		}
		e.registry.Upsert(tenant, site, func(st *crawler.JobStatus) {
			st.Status = status
			st.RunID = res.RunID
			st.LastUpdate = now
		})
		c.RunID = res.RunID
		logger.Info("crawl triggered", zap.String("result", res.Kind.String()), zap.String("run_id", res.RunID))
		e.emit(c, stage, status, "")
		e.poller.Watch(c, done)
		return outcome
	default:
		msg := "Error triggering crawl: " + res.Reason
		e.registry.Upsert(tenant, site, func(st *crawler.JobStatus) {
			st.Status = crawler.StatusFailed
			st.EndTime = now
			st.LastUpdate = now
			st.ErrorMessage = msg
		})
		logger.Warn("crawl trigger failed", zap.String("reason", res.Reason))
		e.emit(c, progress.StageTriggerFailed, crawler.StatusFailed, msg)
		done()
		return OutcomeTriggerFailed
	}
}

// freshCheck re-checks a run the registry believes is active: by run id when
// known, else via the latest crawl already fetched this cycle.
func (e *Executor) freshCheck(ctx context.Context, target Target, runID string, latest crawler.LatestCrawl) crawler.StatusCheck {
	if runID == "" {
		return crawler.StatusCheck{Status: latest.Status, RunID: latest.RunID}
	}
	status, found, err := target.Client.RunStatus(ctx, target.Website.ID, runID)
	if err != nil || !found {
		return crawler.StatusCheck{RunID: runID}
	}
	return crawler.StatusCheck{Status: status, RunID: runID}
}

func (e *Executor) emit(c Cycle, stage progress.Stage, status crawler.Status, note string) {
	emitCycle(e.events, e.now(), c, stage, status, note)
}

func (e *Executor) newCycleID(target Target) string {
	if e.ids != nil {
		if id, err := e.ids.NewID(); err == nil {
			return id
		}
	}
	return target.JobID() + "-" + e.now().Format("20060102T150405.000000000")
}

func (e *Executor) now() time.Time {
	if e.clock == nil {
		return time.Now().UTC()
	}
	return e.clock.Now()
}

func emitCycle(events progress.Emitter, now time.Time, c Cycle, stage progress.Stage, status crawler.Status, note string) {
	dur := now.Sub(c.Started)
	if dur < 0 {
		dur = 0
	}
	events.Emit(progress.Event{
		CycleID:     c.ID,
		TS:          now,
		Stage:       stage,
		TenantID:    c.Target.Tenant.ID,
		WebsiteID:   c.Target.Website.ID,
		WebsiteName: c.Target.Website.DisplayName(),
		RunID:       c.RunID,
		Status:      status,
		Dur:         dur,
		Note:        note,
	})
}
