package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-scheduler/internal/store"
)

func TestHistoryStoreRingAndOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	hist := NewHistoryStore(3)
	for _, id := range []string{"c1", "c2", "c3", "c4"} {
		require.NoError(t, hist.RecordCycle(ctx, store.CycleRecord{CycleID: id, TenantID: "alice"}))
	}
	require.NoError(t, hist.RecordCycle(ctx, store.CycleRecord{CycleID: "other", TenantID: "bob"}))

	got, err := hist.ListCycles(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, "c4", got[0].CycleID)
	require.Equal(t, "c2", got[2].CycleID)

	got, err = hist.ListCycles(ctx, "alice", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "c4", got[0].CycleID)

	got, err = hist.ListCycles(ctx, "nobody", 10)
	require.NoError(t, err)
	require.Empty(t, got)
}
