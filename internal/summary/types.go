package summary

import "time"

// Tenant and space classifications.
const (
	StatusNoUsers     = "no_users"
	StatusNoJobs      = "no_jobs"
	StatusHasFailures = "has_failures"
	StatusRunning     = "running"
	StatusIdle        = "idle"
)

// Summary is the cross-tenant status report.
type Summary struct {
	Timestamp time.Time `json:"timestamp"`
	// Status is only set to no_users when no tenant is configured.
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
	// Users maps base tenant id to space label to that space's summary.
	Users map[string]map[string]SpaceSummary `json:"users,omitempty"`
}

// SpaceSummary describes one tenant space.
type SpaceSummary struct {
	SpaceName             string        `json:"space_name"`
	SpaceID               string        `json:"space_id,omitempty"`
	Status                string        `json:"status"`
	WebsiteCount          int           `json:"website_count"`
	RunningCount          int           `json:"running_count"`
	CompletedCount        int           `json:"completed_count"`
	FailedCount           int           `json:"failed_count"`
	LatestCrawl           time.Time     `json:"latest_crawl,omitzero"`
	LatestCrawlSecondsAgo *int64        `json:"latest_crawl_seconds_ago,omitempty"`
	FailedSites           []FailedSite  `json:"failed_sites"`
	RunningSites          []RunningSite `json:"running_sites"`
}

// FailedSite names a failing website and its error.
type FailedSite struct {
	SiteName string `json:"site_name"`
	Error    string `json:"error"`
}

// RunningSite describes an active crawl.
type RunningSite struct {
	SiteName        string `json:"site_name"`
	Status          string `json:"status"`
	DurationSeconds *int64 `json:"duration_seconds"`
	DurationDisplay string `json:"duration_display"`
	RunID           string `json:"run_id,omitempty"`
}
