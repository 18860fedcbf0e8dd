package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
	"github.com/JakeFAU/crawl-scheduler/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms follow cycle events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	batch := []progress.Event{
		event("c1", progress.StageCycleStart, now, 0),
		event("c1", progress.StageCycleTriggered, now, time.Second),
		event("c1", progress.StageCyclePoll, now, 2*time.Second),
		event("c1", progress.StageCycleDone, now, 90*time.Second),
		event("c2", progress.StageCycleStart, now, 0),
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 2.0, testutil.ToFloat64(sink.cyclesStarted.WithLabelValues("alice")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.cyclesFinished.WithLabelValues("alice", "complete")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.cyclesInFlight))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.pollTicks))
	require.Equal(t, 1, testutil.CollectAndCount(sink.cycleDuration, "crawlsched_cycle_duration_seconds"))

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		event("c2", progress.StageTriggerFailed, now, time.Second),
	}))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.cyclesInFlight))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.cyclesFinished.WithLabelValues("alice", "trigger_failed")))
}

func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}

func event(cycleID string, stage progress.Stage, ts time.Time, dur time.Duration) progress.Event {
	evt := progress.Event{
		CycleID:     cycleID,
		TS:          ts,
		Stage:       stage,
		TenantID:    "alice",
		WebsiteID:   "w1",
		WebsiteName: "Docs",
		RunID:       "r1",
		Status:      crawler.StatusRunning,
		Dur:         dur,
	}
	switch stage {
	case progress.StageCycleDone:
		evt.Status = crawler.StatusComplete
	case progress.StageCycleError, progress.StageTriggerFailed:
		evt.Status = crawler.StatusFailed
		evt.Note = "Crawl failed"
	}
	return evt
}
