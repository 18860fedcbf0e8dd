package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/crawl-scheduler/internal/store"
)

// DefaultHistoryCapacity bounds the per-tenant ring when none is configured.
const DefaultHistoryCapacity = 500

// HistoryStore keeps the most recent cycle records per tenant.
type HistoryStore struct {
	mu       sync.RWMutex
	capacity int
	cycles   map[string][]store.CycleRecord
}

// NewHistoryStore constructs a HistoryStore retaining capacity records per tenant.
func NewHistoryStore(capacity int) *HistoryStore {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &HistoryStore{
		capacity: capacity,
		cycles:   make(map[string][]store.CycleRecord),
	}
}

// RecordCycle appends rec, evicting the oldest record once over capacity.
func (s *HistoryStore) RecordCycle(_ context.Context, rec store.CycleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := append(s.cycles[rec.TenantID], rec)
	if over := len(list) - s.capacity; over > 0 {
		list = append([]store.CycleRecord(nil), list[over:]...)
	}
	s.cycles[rec.TenantID] = list
	return nil
}

// ListCycles returns up to limit records for the tenant, newest first.
func (s *HistoryStore) ListCycles(_ context.Context, tenantID string, limit int) ([]store.CycleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.cycles[tenantID]
	if limit <= 0 || limit > len(list) {
		limit = len(list)
	}
	out := make([]store.CycleRecord, 0, limit)
	for i := len(list) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, list[i])
	}
	return out, nil
}
