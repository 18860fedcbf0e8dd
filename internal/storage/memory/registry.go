// Package memory provides in-memory stores for local development and for the
// process-lifetime job status registry.
package memory

import (
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
)

// Registry tracks one JobStatus per (tenant, website) for the process lifetime.
type Registry struct {
	mu    sync.RWMutex
	clock crawler.Clock
	jobs  map[string]map[string]crawler.JobStatus
}

// NewRegistry constructs a Registry. A nil clock uses time.Now in UTC.
func NewRegistry(clock crawler.Clock) *Registry {
	return &Registry{
		clock: clock,
		jobs:  make(map[string]map[string]crawler.JobStatus),
	}
}

// Get returns a copy of the status for the pair.
func (r *Registry) Get(tenantID, websiteID string) (crawler.JobStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.jobs[tenantID][websiteID]
	return st, ok
}

// Upsert applies mutate to the stored status (or a fresh zero record) under
// the write lock and returns the stored copy. LastSuccessfulCrawl never moves
// backwards.
func (r *Registry) Upsert(tenantID, websiteID string, mutate func(*crawler.JobStatus)) crawler.JobStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	tenant := r.tenantLocked(tenantID)
	st, ok := tenant[websiteID]
	if !ok {
		st = crawler.JobStatus{WebsiteID: websiteID, Status: crawler.StatusIdle}
	}
	prevSuccess := st.LastSuccessfulCrawl
	mutate(&st)
	st.WebsiteID = websiteID
	if st.LastSuccessfulCrawl.Before(prevSuccess) {
		st.LastSuccessfulCrawl = prevSuccess
	}
	tenant[websiteID] = st
	return st
}

// Seed registers an idle entry for a newly onboarded website. Existing
// entries keep their history; an active entry is left untouched.
func (r *Registry) Seed(tenantID string, site crawler.Website) crawler.JobStatus {
	now := r.now()
	return r.Upsert(tenantID, site.ID, func(st *crawler.JobStatus) {
		st.WebsiteName = site.DisplayName()
		if st.Status.Active() {
			return
		}
		st.Status = crawler.StatusIdle
		st.LastUpdate = now
	})
}

// Clear marks every entry of the tenant stopped. Entries are kept for inspection.
func (r *Registry) Clear(tenantID string) int {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	tenant := r.jobs[tenantID]
	for id, st := range tenant {
		st.Status = crawler.StatusStopped
		st.EndTime = now
		st.LastUpdate = now
		tenant[id] = st
	}
	return len(tenant)
}

// TenantSnapshot returns a copy of the tenant's entries sorted by website id.
func (r *Registry) TenantSnapshot(tenantID string) []crawler.JobStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedCopy(r.jobs[tenantID])
}

// Snapshot copies every tenant's entries under a single read lock.
func (r *Registry) Snapshot() map[string][]crawler.JobStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]crawler.JobStatus, len(r.jobs))
	for tenantID, tenant := range r.jobs {
		out[tenantID] = sortedCopy(tenant)
	}
	return out
}

func (r *Registry) tenantLocked(tenantID string) map[string]crawler.JobStatus {
	tenant, ok := r.jobs[tenantID]
	if !ok {
		tenant = make(map[string]crawler.JobStatus)
		r.jobs[tenantID] = tenant
	}
	return tenant
}

func (r *Registry) now() time.Time {
	if r.clock == nil {
		return time.Now().UTC()
	}
	return r.clock.Now()
}

func sortedCopy(tenant map[string]crawler.JobStatus) []crawler.JobStatus {
	out := make([]crawler.JobStatus, 0, len(tenant))
	for _, st := range tenant {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WebsiteID < out[j].WebsiteID })
	return out
}
