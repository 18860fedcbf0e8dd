package orchestrator

import (
	"context"
	"fmt"

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
)

// ConfigView is a tenant configuration safe to return from the API.
type ConfigView struct {
	APIKey                string   `json:"api_key"`
	BaseURL               string   `json:"base_url"`
	ScheduleMinutes       float64  `json:"schedule_minutes"`
	StatusCheckInterval   float64  `json:"status_check_interval"`
	WebsiteFilter         []string `json:"website_filter"`
	SpaceID               string   `json:"space_id,omitempty"`
	SpaceName             string   `json:"space_name,omitempty"`
	CrawlAllSpaceWebsites bool     `json:"crawl_all_space_websites"`
}

// View masks the API key and renders intervals in minutes and seconds.
func View(cfg crawler.TenantConfig) ConfigView {
	filter := cfg.WebsiteFilter
	if filter == nil {
		filter = []string{}
	}
	return ConfigView{
		APIKey:                cfg.MaskedAPIKey(),
		BaseURL:               cfg.BaseURL,
		ScheduleMinutes:       cfg.ScheduleInterval.Minutes(),
		StatusCheckInterval:   cfg.StatusCheckInterval.Seconds(),
		WebsiteFilter:         filter,
		SpaceID:               cfg.SpaceID,
		SpaceName:             cfg.SpaceName,
		CrawlAllSpaceWebsites: cfg.CrawlAllSpaceWebsites,
	}
}

// TenantStatus is the per-tenant status report.
type TenantStatus struct {
	UserID          string              `json:"user_id"`
	Config          ConfigView          `json:"config"`
	WebsitesMatched []string            `json:"websites_matched"`
	JobsCreated     bool                `json:"jobs_created"`
	ActiveJobIDs    []string            `json:"active_job_ids"`
	JobCount        int                 `json:"job_count"`
	JobStatuses     []crawler.JobStatus `json:"job_statuses"`
}

// Status reports the tenant's configuration, matched websites and job statuses.
// When only a space id is configured the space name is looked up.
func (m *Manager) Status(ctx context.Context, tenantID string) (TenantStatus, error) {
	m.mu.RLock()
	st, ok := m.tenants[tenantID]
	var (
		cfg      crawler.TenantConfig
		client   crawler.CrawlService
		websites []crawler.Website
		created  bool
	)
	if ok {
		cfg, client, created = st.cfg, st.client, st.jobsCreated
		websites = append(websites, st.websites...)
	}
	m.mu.RUnlock()
	if !ok {
		return TenantStatus{}, fmt.Errorf("%w: %s", crawler.ErrTenantNotFound, tenantID)
	}

	view := View(cfg)
	if cfg.SpaceID != "" && cfg.SpaceName == "" {
		space, err := client.GetSpace(ctx, cfg.SpaceID)
		switch {
		case err != nil:
			view.SpaceName = "Error fetching name"
		case space.Name == "":
			view.SpaceName = "Unknown"
		default:
			view.SpaceName = space.Name
		}
	}

	matched := make([]string, 0, len(websites))
	for _, site := range websites {
		matched = append(matched, site.DisplayName())
	}
	jobIDs := m.sched.TenantJobs(tenantID)
	if jobIDs == nil {
		jobIDs = []string{}
	}
	statuses := m.registry.TenantSnapshot(tenantID)
	if statuses == nil {
		statuses = []crawler.JobStatus{}
	}
	return TenantStatus{
		UserID:          tenantID,
		Config:          view,
		WebsitesMatched: matched,
		JobsCreated:     created,
		ActiveJobIDs:    jobIDs,
		JobCount:        len(jobIDs),
		JobStatuses:     statuses,
	}, nil
}

// Health is the system health report.
type Health struct {
	Status           string `json:"status"`
	Users            int    `json:"users"`
	Jobs             int    `json:"jobs"`
	SchedulerRunning bool   `json:"scheduler_running"`
}

// Health reports tenant and job counts and whether timers are firing.
func (m *Manager) Health() Health {
	m.mu.RLock()
	users := len(m.tenants)
	m.mu.RUnlock()
	return Health{
		Status:           "ok",
		Users:            users,
		Jobs:             len(m.sched.Jobs()),
		SchedulerRunning: m.sched.Running(),
	}
}
