package store

import (
	"context"
	"errors"
	"time"

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("history record not found")

// Outcome classifies how a crawl cycle ended.
type Outcome string

// Cycle outcomes persisted in crawl_cycles.outcome.
const (
	OutcomeAdopted       Outcome = "adopted"
	OutcomeSkipped       Outcome = "skipped"
	OutcomeComplete      Outcome = "complete"
	OutcomeFailed        Outcome = "failed"
	OutcomeTriggerFailed Outcome = "trigger_failed"
	OutcomeAbandoned     Outcome = "abandoned"
)

// CycleRecord models one row of the crawl_cycles table.
type CycleRecord struct {
	// CycleID identifies one Executor invocation.
	CycleID string
	// TenantID owns the website.
	TenantID    string
	WebsiteID   string
	WebsiteName string
	// RunID is empty when the service never reported one.
	RunID   string
	Outcome Outcome
	// Status is the registry status when the record was written.
	Status     crawler.Status
	RecordedAt time.Time
	// Error optionally stores the failure reason.
	Error string
}

// HistoryRepository persists crawl cycle outcomes.
type HistoryRepository interface {
	// RecordCycle appends a cycle outcome.
	RecordCycle(ctx context.Context, rec CycleRecord) error
	// ListCycles returns the newest cycles for a tenant, newest first.
	ListCycles(ctx context.Context, tenantID string, limit int) ([]CycleRecord, error)
}
