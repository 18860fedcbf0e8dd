// Package summary builds rate-limited cross-tenant status summaries from the
// job status registry.
package summary

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
	"github.com/JakeFAU/crawl-scheduler/internal/metrics"
)

// Defaults applied by New.
const (
	DefaultCooldown      = 60 * time.Second
	DefaultActiveWindow  = 2 * time.Minute
	DefaultArchivePrefix = "summaries"
)

// TenantSource lists the configured tenants.
type TenantSource interface {
	Tenants() []crawler.TenantConfig
}

// StatusSource returns a consistent copy of every tenant's job statuses.
type StatusSource interface {
	Snapshot() map[string][]crawler.JobStatus
}

// Config tunes the aggregator.
type Config struct {
	Cooldown time.Duration
	// ActiveWindow bounds how stale LastUpdate may be for a run to count as active.
	ActiveWindow  time.Duration
	ArchivePrefix string
}

// Aggregator generates summaries.
type Aggregator struct {
	tenants  TenantSource
	statuses StatusSource
	archive  crawler.BlobStore
	clock    crawler.Clock
	cfg      Config
	cooldown *Cooldown
	logger   *zap.Logger
}

// New constructs an Aggregator. archive may be nil.
func New(
	tenants TenantSource,
	statuses StatusSource,
	archive crawler.BlobStore,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Aggregator {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.ActiveWindow <= 0 {
		cfg.ActiveWindow = DefaultActiveWindow
	}
	if cfg.ArchivePrefix == "" {
		cfg.ArchivePrefix = DefaultArchivePrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		tenants:  tenants,
		statuses: statuses,
		archive:  archive,
		clock:    clock,
		cfg:      cfg,
		cooldown: NewCooldown(cfg.Cooldown),
		logger:   logger,
	}
}

// Generate builds, logs and archives a summary. Automatic calls inside the
// cool-down return false; onDemand calls always run.
func (a *Aggregator) Generate(ctx context.Context, onDemand bool) (Summary, bool) {
	now := a.now()
	if !a.cooldown.Allow(now, onDemand) {
		metrics.ObserveSummary("suppressed")
		return Summary{}, false
	}
	metrics.ObserveSummary("generated")

	tenants := a.tenants.Tenants()
	s := a.build(now, tenants)
	if s.Status == StatusNoUsers {
		a.logger.Info("No users configured yet")
		return s, true
	}
	a.logger.Info(render(s, tenants))
	a.store(ctx, s)
	return s, true
}

func (a *Aggregator) build(now time.Time, tenants []crawler.TenantConfig) Summary {
	if len(tenants) == 0 {
		return Summary{Timestamp: now, Status: StatusNoUsers, Message: "No users configured yet"}
	}
	snapshot := a.statuses.Snapshot()
	s := Summary{Timestamp: now, Users: make(map[string]map[string]SpaceSummary)}
	for _, cfg := range tenants {
		base := cfg.BaseID()
		if s.Users[base] == nil {
			s.Users[base] = make(map[string]SpaceSummary)
		}
		s.Users[base][cfg.SpaceLabel()] = a.space(now, cfg, snapshot[cfg.ID])
	}
	return s
}

func (a *Aggregator) space(now time.Time, cfg crawler.TenantConfig, jobs []crawler.JobStatus) SpaceSummary {
	out := SpaceSummary{
		SpaceName:    cfg.SpaceLabel(),
		SpaceID:      cfg.SpaceID,
		FailedSites:  []FailedSite{},
		RunningSites: []RunningSite{},
	}
	if len(jobs) == 0 {
		out.Status = StatusNoJobs
		return out
	}
	out.WebsiteCount = len(jobs)
	threshold := now.Add(-a.cfg.ActiveWindow)
	seen := make(map[string]struct{})
	for _, js := range jobs {
		switch {
		case js.Status.Active() && js.LastUpdate.After(threshold):
			out.RunningCount++
			out.RunningSites = append(out.RunningSites, runningSite(now, js))
		case js.Status.Failure():
			out.FailedCount++
			name := siteName(js)
			if _, dup := seen[name]; !dup {
				seen[name] = struct{}{}
				msg := js.ErrorMessage
				if msg == "" {
					msg = "Unknown error"
				}
				out.FailedSites = append(out.FailedSites, FailedSite{SiteName: name, Error: msg})
			}
		case js.Status == crawler.StatusComplete:
			out.CompletedCount++
		}
		if js.LastSuccessfulCrawl.After(out.LatestCrawl) {
			out.LatestCrawl = js.LastSuccessfulCrawl
		}
	}
	if !out.LatestCrawl.IsZero() {
		ago := int64(now.Sub(out.LatestCrawl) / time.Second)
		out.LatestCrawlSecondsAgo = &ago
	}
	switch {
	case out.FailedCount > 0:
		out.Status = StatusHasFailures
	case out.RunningCount > 0:
		out.Status = StatusRunning
	default:
		out.Status = StatusIdle
	}
	return out
}

func runningSite(now time.Time, js crawler.JobStatus) RunningSite {
	rs := RunningSite{
		SiteName:        siteName(js),
		Status:          string(js.Status),
		DurationDisplay: "Unknown",
		RunID:           js.RunID,
	}
	if !js.StartTime.IsZero() {
		secs := int64(now.Sub(js.StartTime) / time.Second)
		rs.DurationSeconds = &secs
		rs.DurationDisplay = fmt.Sprintf("%dm %ds", secs/60, secs%60)
	}
	return rs
}

func siteName(js crawler.JobStatus) string {
	if js.WebsiteName != "" {
		return js.WebsiteName
	}
	return js.WebsiteID
}

func (a *Aggregator) store(ctx context.Context, s Summary) {
	if a.archive == nil {
		return
	}
	body, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		a.logger.Warn("encode summary failed", zap.Error(err))
		return
	}
	name := path.Join(a.cfg.ArchivePrefix, s.Timestamp.UTC().Format("20060102T150405Z")+".json")
	uri, err := a.archive.PutObject(ctx, name, "application/json", bytes.NewReader(body))
	if err != nil {
		a.logger.Warn("archive summary failed", zap.String("path", name), zap.Error(err))
		return
	}
	a.logger.Debug("summary archived", zap.String("uri", uri))
}

func (a *Aggregator) now() time.Time {
	if a.clock == nil {
		return time.Now().UTC()
	}
	return a.clock.Now()
}

// render formats the summary as the multi-line log block.
func render(s Summary, tenants []crawler.TenantConfig) string {
	groups := make(map[string][]crawler.TenantConfig)
	for _, cfg := range tenants {
		groups[cfg.BaseID()] = append(groups[cfg.BaseID()], cfg)
	}
	bases := make([]string, 0, len(groups))
	for base := range groups {
		bases = append(bases, base)
	}
	sort.Strings(bases)

	var b strings.Builder
	b.WriteString("\n===== CRAWLER STATUS SUMMARY =====\n")
	fmt.Fprintf(&b, "Time: %s\n", s.Timestamp.Format("2006-01-02 15:04:05"))
	for _, base := range bases {
		cfgs := groups[base]
		sort.Slice(cfgs, func(i, j int) bool { return cfgs[i].ID < cfgs[j].ID })
		for _, cfg := range cfgs {
			label := cfg.SpaceLabel()
			display := base
			if len(cfgs) > 1 {
				display = base + " - Space: " + label
			}
			sp := s.Users[base][label]
			if sp.Status == StatusNoJobs {
				fmt.Fprintf(&b, "User: %s - No jobs running\n", display)
				continue
			}
			fmt.Fprintf(&b, "User: %s [%s]\n", display, sp.Status)
			fmt.Fprintf(&b, "  Websites: %d | Running: %d | Completed: %d | Failed: %d\n",
				sp.WebsiteCount, sp.RunningCount, sp.CompletedCount, sp.FailedCount)
			if sp.LatestCrawlSecondsAgo != nil {
				fmt.Fprintf(&b, "  Last successful crawl: %s\n", agoDisplay(*sp.LatestCrawlSecondsAgo))
			}
			if len(sp.FailedSites) > 0 {
				b.WriteString("  Failed Jobs:\n")
				for _, f := range sp.FailedSites {
					fmt.Fprintf(&b, "    - %s: %s\n", f.SiteName, f.Error)
				}
			}
			if len(sp.RunningSites) > 0 {
				b.WriteString("  Running Jobs:\n")
				for _, r := range sp.RunningSites {
					fmt.Fprintf(&b, "    - %s (%s for %s)\n", r.SiteName, r.Status, r.DurationDisplay)
				}
			}
		}
	}
	b.WriteString("===============================")
	return b.String()
}

func agoDisplay(secs int64) string {
	switch {
	case secs < 60:
		return fmt.Sprintf("%ds ago", secs)
	case secs < 3600:
		return fmt.Sprintf("%dm ago", secs/60)
	default:
		return fmt.Sprintf("%dh %dm ago", secs/3600, (secs%3600)/60)
	}
}
