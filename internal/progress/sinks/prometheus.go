package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/crawl-scheduler/internal/progress"
)

// PrometheusSink exports crawl-cycle metrics: cycles started and finished per
// tenant, cycles in flight, and cycle wall time by outcome.
type PrometheusSink struct {
	cyclesStarted  *prometheus.CounterVec
	cyclesFinished *prometheus.CounterVec
	cyclesInFlight prometheus.Gauge
	cycleDuration  *prometheus.HistogramVec
	pollTicks      prometheus.Counter

	tracker *cycleTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		cyclesStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlsched_cycles_started_total",
			Help: "Crawl cycles started, partitioned by tenant.",
		}, []string{"tenant"}),
		cyclesFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlsched_cycles_finished_total",
			Help: "Crawl cycles finished, partitioned by tenant and outcome.",
		}, []string{"tenant", "outcome"}),
		cyclesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawlsched_cycles_in_flight",
			Help: "Crawl cycles currently triggering or polling.",
		}),
		cycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawlsched_cycle_duration_seconds",
			Help:    "Wall time per finished crawl cycle.",
			Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600, 7200},
		}, []string{"outcome"}),
		pollTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawlsched_poll_ticks_total",
			Help: "Status polls issued for active runs.",
		}),
		tracker: newCycleTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.cyclesStarted,
		s.cyclesFinished,
		s.cyclesInFlight,
		s.cycleDuration,
		s.pollTicks,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register cycle collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageCycleStart:
		s.cyclesStarted.WithLabelValues(evt.TenantID).Inc()
		if s.tracker.start(evt.CycleID) {
			s.cyclesInFlight.Inc()
		}
		return
	case progress.StageCyclePoll:
		s.pollTicks.Inc()
		return
	}
	if !evt.Stage.Final() {
		return
	}
	outcome := outcomeLabel(evt.Stage)
	s.cyclesFinished.WithLabelValues(evt.TenantID, outcome).Inc()
	if evt.Dur > 0 {
		s.cycleDuration.WithLabelValues(outcome).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.CycleID) {
		s.cyclesInFlight.Dec()
	}
}

func outcomeLabel(stage progress.Stage) string {
	switch stage {
	case progress.StageCycleDone:
		return "complete"
	case progress.StageCycleError:
		return "failed"
	case progress.StageTriggerFailed:
		return "trigger_failed"
	case progress.StageCycleSkipped:
		return "skipped"
	case progress.StageCycleAbandoned:
		return "abandoned"
	default:
		return "other"
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type cycleTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newCycleTracker() *cycleTracker {
	return &cycleTracker{running: make(map[string]struct{})}
}

func (t *cycleTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *cycleTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
