package crawler

import (
	"context"
	"io"
	"time"
)

// CrawlService is the remote crawl service as seen by one tenant.
type CrawlService interface {
	// ListSpaces returns every space visible to the tenant's key.
	ListSpaces(ctx context.Context) ([]Space, error)
	// GetSpace loads a single space by id.
	GetSpace(ctx context.Context, spaceID string) (Space, error)
	// ResolveSpaceID returns the tenant's space id, resolving by name on first use.
	ResolveSpaceID(ctx context.Context) (string, error)
	// ListWebsites returns the tenant's websites after applying its filter.
	ListWebsites(ctx context.Context) ([]Website, error)
	// LatestCrawl reports the website's most recent run.
	LatestCrawl(ctx context.Context, websiteID string) (LatestCrawl, error)
	// TriggerCrawl asks the service to start a run. It never returns an error;
	// failures are reported through the result.
	TriggerCrawl(ctx context.Context, websiteID string) TriggerResult
	// RunStatus finds runID among the website's runs; found is false if absent.
	RunStatus(ctx context.Context, websiteID, runID string) (status Status, found bool, err error)
}

// StatusRegistry holds the per-(tenant, website) job status.
type StatusRegistry interface {
	Get(tenantID, websiteID string) (JobStatus, bool)
	Upsert(tenantID, websiteID string, mutate func(*JobStatus)) JobStatus
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, body io.Reader) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides enqueue/dequeue semantics for dispatcher work.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	TryEnqueue(item QueueItem) bool
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces cycle and request IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// QueueItem is a unit of work handed to the dispatcher.
type QueueItem struct {
	JobID string
	// ScheduledAt is the timer fire time; zero exempts the item from misfire checks.
	ScheduledAt time.Time
	Run         func(ctx context.Context)
	// Drop is invoked instead of Run when the item is discarded.
	Drop func(reason string)
}
