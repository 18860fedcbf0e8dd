// Package crawler defines core types shared across subsystems.
package crawler

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Status represents the lifecycle state of a (tenant, website) crawl job.
type Status string

// Job status values tracked by the registry. The set is exhaustive.
const (
	StatusIdle      Status = "idle"
	StatusStarting  Status = "starting"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusComplete  Status = "complete"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusStopped   Status = "stopped"
	StatusUnknown   Status = "unknown"
)

var statusRank = map[Status]int{
	StatusIdle:      0,
	StatusStopped:   0,
	StatusStarting:  1,
	StatusQueued:    2,
	StatusRunning:   3,
	StatusComplete:  4,
	StatusFailed:    4,
	StatusCancelled: 4,
	StatusUnknown:   4,
}

// ParseStatus maps a raw status string onto a known Status.
func ParseStatus(raw string) (Status, bool) {
	s := Status(raw)
	if _, ok := statusRank[s]; !ok {
		return "", false
	}
	return s, true
}

// Active reports whether the crawl is queued or running.
func (s Status) Active() bool {
	return s == StatusQueued || s == StatusRunning
}

// Terminal reports whether the cycle has ended.
func (s Status) Terminal() bool {
	switch s {
	case StatusComplete, StatusFailed, StatusCancelled, StatusUnknown:
		return true
	default:
		return false
	}
}

// Failure reports whether the status counts as a failed run.
func (s Status) Failure() bool {
	return s == StatusFailed || s == StatusCancelled
}

// Advances reports whether moving from s to next keeps the cycle monotonic.
func (s Status) Advances(next Status) bool {
	return statusRank[next] > statusRank[s]
}

// TenantConfig is the per-tenant crawl configuration.
type TenantConfig struct {
	ID                    string        `json:"user_id"`
	APIKey                string        `json:"api_key"`
	BaseURL               string        `json:"base_url"`
	SpaceID               string        `json:"space_id,omitempty"`
	SpaceName             string        `json:"space_name,omitempty"`
	WebsiteFilter         []string      `json:"website_filter,omitempty"`
	ScheduleInterval      time.Duration `json:"schedule_interval"`
	StatusCheckInterval   time.Duration `json:"status_check_interval"`
	CrawlAllSpaceWebsites bool          `json:"crawl_all_space_websites"`
}

// Tenant defaults applied by Normalize when fields are unset.
const (
	DefaultBaseURL             = "https://sundsvall.backend.intric.ai/api/v1"
	DefaultScheduleInterval    = 60 * time.Minute
	DefaultStatusCheckInterval = 60 * time.Second
	APIKeyPrefix               = "inp_"
)

// Normalize fills defaults and normalizes the website filter.
func (c TenantConfig) Normalize() TenantConfig {
	c.ID = strings.TrimSpace(c.ID)
	c.APIKey = strings.TrimSpace(c.APIKey)
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.SpaceID = strings.TrimSpace(c.SpaceID)
	c.SpaceName = strings.TrimSpace(c.SpaceName)
	if c.ScheduleInterval <= 0 {
		c.ScheduleInterval = DefaultScheduleInterval
	}
	if c.StatusCheckInterval <= 0 {
		c.StatusCheckInterval = DefaultStatusCheckInterval
	}
	c.WebsiteFilter = NormalizeFilters(c.WebsiteFilter)
	return c
}

// Validate rejects configurations that can never reach the crawl service.
func (c TenantConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidConfig)
	}
	if !strings.HasPrefix(c.APIKey, APIKeyPrefix) {
		return fmt.Errorf("%w: invalid API key format, key should start with %q", ErrInvalidConfig, APIKeyPrefix)
	}
	if c.SpaceID == "" && c.SpaceName == "" {
		return fmt.Errorf("%w: either space_id or space_name is required", ErrInvalidConfig)
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: base URL must be an absolute http(s) URL", ErrInvalidConfig)
	}
	return nil
}

// MaskedAPIKey hides all but the first five and last three key characters.
func (c TenantConfig) MaskedAPIKey() string {
	return MaskKey(c.APIKey)
}

// MaskKey renders a credential safe for logs and API responses.
func MaskKey(key string) string {
	if len(key) <= 8 {
		return "***"
	}
	return key[:5] + "..." + key[len(key)-3:]
}

// BaseID returns the tenant id with any "_space<N>" suffix removed.
func (c TenantConfig) BaseID() string {
	if i := strings.Index(c.ID, "_space"); i >= 0 {
		return c.ID[:i]
	}
	return c.ID
}

// SpaceLabel names the tenant's space for display.
func (c TenantConfig) SpaceLabel() string {
	switch {
	case c.SpaceName != "":
		return c.SpaceName
	case c.SpaceID != "":
		return c.SpaceID
	default:
		return "Unknown Space"
	}
}

// Website is a crawl target registered in a space.
type Website struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	URL  string `json:"url,omitempty"`
}

// DisplayName prefers the website name, falling back to its id.
func (w Website) DisplayName() string {
	if w.Name != "" {
		return w.Name
	}
	return w.ID
}

// Space is a tenant-owned container of websites.
type Space struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// LatestCrawl is the most recent run reported for a website.
type LatestCrawl struct {
	RunID  string `json:"id"`
	Status Status `json:"status"`
}

// Run is one crawl run of a website.
type Run struct {
	ID     string `json:"id"`
	Status Status `json:"status"`
}

// JobStatus is the registry record for one (tenant, website) pair.
type JobStatus struct {
	WebsiteID           string    `json:"website_id"`
	WebsiteName         string    `json:"website_name"`
	RunID               string    `json:"run_id,omitempty"`
	Status              Status    `json:"status"`
	StartTime           time.Time `json:"start_time,omitzero"`
	EndTime             time.Time `json:"end_time,omitzero"`
	LastUpdate          time.Time `json:"last_update,omitzero"`
	LastSuccessfulCrawl time.Time `json:"last_successful_crawl,omitzero"`
	ErrorMessage        string    `json:"error_message,omitempty"`
}

// JobID returns the deterministic scheduler id for a (tenant, website) pair.
func JobID(tenantID, websiteID string) string {
	return tenantID + "_crawl_" + websiteID
}

// TriggerKind tags the outcome of a trigger request.
type TriggerKind int

// Trigger outcomes.
const (
	TriggerStarted TriggerKind = iota + 1
	TriggerAlreadyActive
	TriggerFailed
)

func (k TriggerKind) String() string {
	switch k {
	case TriggerStarted:
		return "started"
	case TriggerAlreadyActive:
		return "already_active"
	case TriggerFailed:
		return "failed"
	default:
		return "invalid"
	}
}

// TriggerResult is the tagged result of asking the service to start a crawl.
// RunID is set for Started, optional for AlreadyActive. Reason is set for Failed.
type TriggerResult struct {
	Kind   TriggerKind
	RunID  string
	Reason string
}

// Started builds a successful trigger result.
func Started(runID string) TriggerResult {
	return TriggerResult{Kind: TriggerStarted, RunID: runID}
}

// AlreadyActive builds a conflict result; runID may be empty.
func AlreadyActive(runID string) TriggerResult {
	return TriggerResult{Kind: TriggerAlreadyActive, RunID: runID}
}

// TriggerFailure builds a failed trigger result.
func TriggerFailure(reason string) TriggerResult {
	return TriggerResult{Kind: TriggerFailed, Reason: reason}
}

// StatusCheck is the outcome of one external status check.
type StatusCheck struct {
	Status Status
	RunID  string
}

// Active reports whether the check saw a queued or running crawl.
func (c StatusCheck) Active() bool {
	return c.Status.Active()
}
