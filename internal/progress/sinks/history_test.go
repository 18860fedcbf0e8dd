package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-scheduler/internal/progress"
	"github.com/JakeFAU/crawl-scheduler/internal/storage/memory"
	"github.com/JakeFAU/crawl-scheduler/internal/store"
)

func TestHistorySinkRecordsOutcomes(t *testing.T) {
	t.Parallel()

	repo := memory.NewHistoryStore(10)
	sink := NewHistorySink(repo, zap.NewNop())
	now := time.Now()

	batch := []progress.Event{
		event("c1", progress.StageCycleStart, now, 0),
		event("c1", progress.StageCycleAdopted, now, 0),
		event("c1", progress.StageCyclePoll, now, time.Second),
		event("c1", progress.StageCycleDone, now, time.Minute),
		event("c2", progress.StageTriggerFailed, now, time.Second),
		event("c3", progress.StageCycleSkipped, now, 0),
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	got, err := repo.ListCycles(context.Background(), "alice", 0)
	require.NoError(t, err)
	require.Len(t, got, 4)
	require.Equal(t, store.OutcomeSkipped, got[0].Outcome)
	require.Equal(t, store.OutcomeTriggerFailed, got[1].Outcome)
	require.Equal(t, "Crawl failed", got[1].Error)
	require.Equal(t, store.OutcomeComplete, got[2].Outcome)
	require.Empty(t, got[2].Error)
	require.Equal(t, store.OutcomeAdopted, got[3].Outcome)
}

func TestHistorySinkJoinsErrors(t *testing.T) {
	t.Parallel()

	sink := NewHistorySink(&failingRepo{}, nil)
	err := sink.Consume(context.Background(), []progress.Event{
		event("c1", progress.StageCycleDone, time.Now(), 0),
		event("c2", progress.StageCycleError, time.Now(), 0),
	})
	require.Error(t, err)

	var nilSink *HistorySink
	require.NoError(t, nilSink.Consume(context.Background(), nil))
}

type failingRepo struct{}

func (failingRepo) RecordCycle(context.Context, store.CycleRecord) error {
	return errors.New("db down")
}

func (failingRepo) ListCycles(context.Context, string, int) ([]store.CycleRecord, error) {
	return nil, nil
}
