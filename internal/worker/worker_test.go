package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
	"github.com/JakeFAU/crawl-scheduler/internal/crawler/crawlertest"
	"github.com/JakeFAU/crawl-scheduler/internal/dispatcher"
	"github.com/JakeFAU/crawl-scheduler/internal/progress"
	queuemem "github.com/JakeFAU/crawl-scheduler/internal/queue/memory"
	"github.com/JakeFAU/crawl-scheduler/internal/storage/memory"
)

const waitFor = 2 * time.Second

type harness struct {
	svc      *crawlertest.Service
	registry *memory.Registry
	poller   *Poller
	exec     *Executor
	events   *recorder
	target   Target
}

func newHarness(t *testing.T, cfg PollerConfig) *harness {
	t.Helper()

	q := queuemem.NewQueue(16)
	d := dispatcher.New(q, dispatcher.Config{Workers: 2}, nil, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)

	reg := memory.NewRegistry(nil)
	rec := &recorder{}
	poller := NewPoller(d, reg, rec, nil, cfg, zap.NewNop())
	t.Cleanup(func() {
		_ = poller.Close(context.Background())
		cancel()
	})

	site := crawler.Website{ID: "w1", Name: "Docs", URL: "https://acme.example/docs"}
	svc := crawlertest.New("space-1", site)
	return &harness{
		svc:      svc,
		registry: reg,
		poller:   poller,
		exec:     NewExecutor(reg, poller, rec, nil, nil, zap.NewNop()),
		events:   rec,
		target: Target{
			Tenant:  crawler.TenantConfig{ID: "alice", StatusCheckInterval: 5 * time.Millisecond},
			Client:  svc,
			Website: site,
		},
	}
}

func doneSignal() (chan struct{}, func()) {
	ch := make(chan struct{})
	return ch, func() { close(ch) }
}

func waitDone(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(waitFor):
		t.Fatal("cycle did not finish")
	}
}

func TestExecuteAdoptsActiveCrawl(t *testing.T) {
	t.Parallel()

	h := newHarness(t, PollerConfig{})
	h.svc.SetLatest("w1", crawler.LatestCrawl{RunID: "r7", Status: crawler.StatusRunning})
	h.svc.SetRun("w1", "r7", crawler.StatusComplete)

	ch, done := doneSignal()
	outcome := h.exec.Execute(context.Background(), h.target, done)
	require.Equal(t, OutcomeAdopted, outcome)
	waitDone(t, ch)

	require.Zero(t, h.svc.TriggerCalls("w1"), "adopted cycles never trigger")
	st, ok := h.registry.Get("alice", "w1")
	require.True(t, ok)
	require.Equal(t, crawler.StatusComplete, st.Status)
	require.Equal(t, "r7", st.RunID)
	require.False(t, st.LastSuccessfulCrawl.IsZero())
	require.False(t, st.EndTime.IsZero())
	require.Equal(t, []progress.Stage{
		progress.StageCycleStart,
		progress.StageCycleAdopted,
		progress.StageCycleDone,
	}, h.events.stages())
}

func TestExecuteTriggersAndPollsToComplete(t *testing.T) {
	t.Parallel()

	h := newHarness(t, PollerConfig{})
	ch, done := doneSignal()
	outcome := h.exec.Execute(context.Background(), h.target, done)
	require.Equal(t, OutcomeTriggered, outcome)

	st, _ := h.registry.Get("alice", "w1")
	require.Equal(t, "run-w1", st.RunID)

	h.svc.SetRun("w1", "run-w1", crawler.StatusComplete)
	waitDone(t, ch)

	st, _ = h.registry.Get("alice", "w1")
	require.Equal(t, crawler.StatusComplete, st.Status)
	require.Equal(t, "Docs", st.WebsiteName)
	require.False(t, st.EndTime.IsZero())
	require.Equal(t, st.EndTime, st.LastSuccessfulCrawl)
	require.Empty(t, st.ErrorMessage)
	require.Equal(t, 1, h.svc.TriggerCalls("w1"))
	require.Zero(t, h.poller.Active())
}

func TestExecuteConflictQueuesAndLearnsRunID(t *testing.T) {
	t.Parallel()

	h := newHarness(t, PollerConfig{})
	h.svc.SetTrigger("w1", crawler.AlreadyActive(""))

	ch, done := doneSignal()
	outcome := h.exec.Execute(context.Background(), h.target, done)
	require.Equal(t, OutcomeQueued, outcome)

	st, _ := h.registry.Get("alice", "w1")
	require.Equal(t, crawler.StatusQueued, st.Status)
	require.Empty(t, st.ErrorMessage)

	h.svc.SetRun("w1", "r9", crawler.StatusComplete)
	h.svc.SetLatest("w1", crawler.LatestCrawl{RunID: "r9", Status: crawler.StatusRunning})
	waitDone(t, ch)

	st, _ = h.registry.Get("alice", "w1")
	require.Equal(t, crawler.StatusComplete, st.Status)
	require.Equal(t, "r9", st.RunID)
	require.Equal(t, progress.StageCycleQueued, h.events.stages()[1])
}

func TestExecuteTriggerFailureSkipsPolling(t *testing.T) {
	t.Parallel()

	h := newHarness(t, PollerConfig{})
	success := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	h.registry.Upsert("alice", "w1", func(st *crawler.JobStatus) {
		st.Status = crawler.StatusComplete
		st.LastSuccessfulCrawl = success
	})
	h.svc.SetTrigger("w1", crawler.TriggerFailure("connection refused"))

	called := 0
	outcome := h.exec.Execute(context.Background(), h.target, func() { called++ })
	require.Equal(t, OutcomeTriggerFailed, outcome)
	require.Equal(t, 1, called)

	st, _ := h.registry.Get("alice", "w1")
	require.Equal(t, crawler.StatusFailed, st.Status)
	require.Equal(t, "Error triggering crawl: connection refused", st.ErrorMessage)
	require.False(t, st.EndTime.IsZero())
	require.Equal(t, success, st.LastSuccessfulCrawl)
	require.Zero(t, h.poller.Active())
	require.Zero(t, h.svc.RunCalls("w1"))
	require.Equal(t, []progress.Stage{progress.StageCycleStart, progress.StageTriggerFailed}, h.events.stages())
}

func TestExecuteSkipsWhileRegistryRunActive(t *testing.T) {
	t.Parallel()

	h := newHarness(t, PollerConfig{})
	h.registry.Upsert("alice", "w1", func(st *crawler.JobStatus) {
		st.Status = crawler.StatusRunning
		st.RunID = "r1"
	})
	h.svc.SetRun("w1", "r1", crawler.StatusRunning)

	called := 0
	outcome := h.exec.Execute(context.Background(), h.target, func() { called++ })
	require.Equal(t, OutcomeSkipped, outcome)
	require.Equal(t, 1, called)
	require.Zero(t, h.svc.TriggerCalls("w1"))

	st, _ := h.registry.Get("alice", "w1")
	require.Equal(t, crawler.StatusRunning, st.Status)
	require.False(t, st.LastUpdate.IsZero())
}

func TestExecuteRetriggersStaleRegistryRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t, PollerConfig{})
	h.registry.Upsert("alice", "w1", func(st *crawler.JobStatus) {
		st.Status = crawler.StatusRunning
		st.RunID = "r1"
	})
	h.svc.SetRun("w1", "r1", crawler.StatusComplete)
	h.svc.SetTrigger("w1", crawler.TriggerFailure("boom"))

	outcome := h.exec.Execute(context.Background(), h.target, nil)
	require.Equal(t, OutcomeTriggerFailed, outcome)
	require.Equal(t, 1, h.svc.TriggerCalls("w1"))
}

func TestPollerRecordsFailedRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t, PollerConfig{})
	h.svc.FailRuns(errors.New("timeout"))

	ch, done := doneSignal()
	require.Equal(t, OutcomeTriggered, h.exec.Execute(context.Background(), h.target, done))

	require.Eventually(t, func() bool { return h.svc.RunCalls("w1") >= 2 }, waitFor, time.Millisecond)
	st, _ := h.registry.Get("alice", "w1")
	require.Equal(t, crawler.StatusRunning, st.Status, "poll errors keep polling")

	h.svc.SetRun("w1", "run-w1", crawler.StatusCancelled)
	h.svc.FailRuns(nil)
	waitDone(t, ch)

	st, _ = h.registry.Get("alice", "w1")
	require.Equal(t, crawler.StatusCancelled, st.Status)
	require.Equal(t, "Crawl cancelled", st.ErrorMessage)
	require.True(t, st.LastSuccessfulCrawl.IsZero())
}

func TestPollerAbandonsOnClose(t *testing.T) {
	t.Parallel()

	h := newHarness(t, PollerConfig{})
	h.target.Tenant.StatusCheckInterval = time.Hour

	ch, done := doneSignal()
	require.Equal(t, OutcomeTriggered, h.exec.Execute(context.Background(), h.target, done))
	require.Eventually(t, func() bool { return h.svc.RunCalls("w1") >= 1 }, waitFor, time.Millisecond)

	require.NoError(t, h.poller.Close(context.Background()))
	waitDone(t, ch)

	st, _ := h.registry.Get("alice", "w1")
	require.Equal(t, crawler.StatusUnknown, st.Status)
	require.Equal(t, "Final status unknown", st.ErrorMessage)
	stages := h.events.stages()
	require.Equal(t, progress.StageCycleAbandoned, stages[len(stages)-1])

	// Watching after close abandons immediately.
	ch2, done2 := doneSignal()
	h.svc.SetTrigger("w1", crawler.Started("r2"))
	require.Equal(t, OutcomeTriggered, h.exec.Execute(context.Background(), h.target, done2))
	waitDone(t, ch2)
	st, _ = h.registry.Get("alice", "w1")
	require.Equal(t, crawler.StatusUnknown, st.Status)
}

func TestPollerMaxLifetime(t *testing.T) {
	t.Parallel()

	h := newHarness(t, PollerConfig{MaxLifetime: 30 * time.Millisecond})
	ch, done := doneSignal()
	require.Equal(t, OutcomeTriggered, h.exec.Execute(context.Background(), h.target, done))
	waitDone(t, ch)

	st, _ := h.registry.Get("alice", "w1")
	require.Equal(t, crawler.StatusUnknown, st.Status)
}

func TestPollerKeepsPollingOnReportedUnknown(t *testing.T) {
	t.Parallel()

	h := newHarness(t, PollerConfig{})
	ch, done := doneSignal()
	require.Equal(t, OutcomeTriggered, h.exec.Execute(context.Background(), h.target, done))

	h.svc.SetRun("w1", "run-w1", crawler.StatusUnknown)
	calls := h.svc.RunCalls("w1")
	require.Eventually(t, func() bool { return h.svc.RunCalls("w1") >= calls+3 }, waitFor, time.Millisecond)

	st, _ := h.registry.Get("alice", "w1")
	require.Equal(t, crawler.StatusRunning, st.Status)
	require.Empty(t, st.ErrorMessage)
	require.Equal(t, 1, h.poller.Active())

	h.svc.SetRun("w1", "run-w1", crawler.StatusComplete)
	waitDone(t, ch)

	st, _ = h.registry.Get("alice", "w1")
	require.Equal(t, crawler.StatusComplete, st.Status)
	require.NotContains(t, h.events.stages(), progress.StageCycleAbandoned)
}

func TestPollerLeavesClearedEntryStopped(t *testing.T) {
	t.Parallel()

	h := newHarness(t, PollerConfig{})
	ch, done := doneSignal()
	require.Equal(t, OutcomeTriggered, h.exec.Execute(context.Background(), h.target, done))

	require.Equal(t, 1, h.registry.Clear("alice"))
	calls := h.svc.RunCalls("w1")
	require.Eventually(t, func() bool { return h.svc.RunCalls("w1") >= calls+2 }, waitFor, time.Millisecond)

	st, _ := h.registry.Get("alice", "w1")
	require.Equal(t, crawler.StatusStopped, st.Status, "running ticks do not revive a cleared entry")

	h.svc.SetRun("w1", "run-w1", crawler.StatusComplete)
	waitDone(t, ch)

	st, _ = h.registry.Get("alice", "w1")
	require.Equal(t, crawler.StatusComplete, st.Status)
	require.False(t, st.LastSuccessfulCrawl.IsZero())
}

func TestCycleSpansLinkPollsToTrigger(t *testing.T) {
	t.Parallel()

	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	h := newHarness(t, PollerConfig{TracerProvider: tp})

	ch, done := doneSignal()
	require.Equal(t, OutcomeTriggered, h.exec.Execute(context.Background(), h.target, done))
	h.svc.SetRun("w1", "run-w1", crawler.StatusComplete)
	waitDone(t, ch)

	var trigger sdktrace.ReadOnlySpan
	var polls []sdktrace.ReadOnlySpan
	for _, span := range rec.Ended() {
		switch span.Name() {
		case "cycle.trigger":
			trigger = span
		case "cycle.poll":
			polls = append(polls, span)
		}
	}
	require.NotNil(t, trigger)
	require.Contains(t, trigger.Attributes(), attribute.String("cycle.outcome", string(OutcomeTriggered)))
	require.Contains(t, trigger.Attributes(), attribute.String("tenant", "alice"))
	require.NotEmpty(t, polls)
	last := polls[len(polls)-1]
	require.Len(t, last.Links(), 1)
	require.Equal(t, trigger.SpanContext().SpanID(), last.Links()[0].SpanContext.SpanID())
	require.Contains(t, last.Attributes(), attribute.String("crawl.status", string(crawler.StatusComplete)))
}

func TestTriggerFailureMarksSpanError(t *testing.T) {
	t.Parallel()

	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	h := newHarness(t, PollerConfig{TracerProvider: tp})
	h.svc.SetTrigger("w1", crawler.TriggerFailure("connection refused"))

	require.Equal(t, OutcomeTriggerFailed, h.exec.Execute(context.Background(), h.target, nil))
	ended := rec.Ended()
	require.Len(t, ended, 1)
	require.Equal(t, "cycle.trigger", ended[0].Name())
	require.Equal(t, codes.Error, ended[0].Status().Code)
}

type recorder struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recorder) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) stages() []progress.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []progress.Stage
	for _, evt := range r.events {
		if evt.Stage == progress.StageCyclePoll {
			continue
		}
		out = append(out, evt.Stage)
	}
	return out
}
