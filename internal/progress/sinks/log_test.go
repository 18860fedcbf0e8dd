package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/crawl-scheduler/internal/progress"
)

func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))
	now := time.Now()

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		event("c1", progress.StageCycleStart, now, 0),
		event("c1", progress.StageCyclePoll, now, 0),
		event("c1", progress.StageCycleDone, now, 0),
		event("c2", progress.StageCycleError, now, 0),
	}))

	entries := logs.All()
	require.Len(t, entries, 2, "debug stages are filtered at info level")
	require.Equal(t, zap.InfoLevel, entries[0].Level)
	require.Equal(t, zap.WarnLevel, entries[1].Level)
	require.Equal(t, "CYCLE_ERROR", entries[1].ContextMap()["stage"])
}
