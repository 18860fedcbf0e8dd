// Package discovery periodically re-lists each active tenant's websites and
// onboards the ones that have appeared since the tenant started.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
	"github.com/JakeFAU/crawl-scheduler/internal/metrics"
	"github.com/JakeFAU/crawl-scheduler/internal/scheduler"
)

// DefaultStagger spreads the first fire of newly discovered websites.
var DefaultStagger = scheduler.Stagger{Step: 10 * time.Second, Cap: 120 * time.Second}

// Onboarder exposes the tenant state discovery works against.
type Onboarder interface {
	// ActiveTenants lists tenants with scheduled jobs.
	ActiveTenants() []string
	// KnownWebsites returns the website ids that already have jobs.
	KnownWebsites(tenant string) map[string]struct{}
	// FetchWebsites re-lists the tenant's filtered websites along with the
	// configuration generation they belong to.
	FetchWebsites(ctx context.Context, tenant string) ([]crawler.Website, uint64, error)
	// Onboard schedules jobs for sites and seeds their registry entries. It
	// fails with crawler.ErrReconfigured when gen is no longer current.
	Onboard(tenant string, gen uint64, sites []crawler.Website, stagger scheduler.Stagger) error
}

// Config tunes the Refresher.
type Config struct {
	Stagger scheduler.Stagger
	// AfterOnboard runs once per refresh that onboarded at least one website.
	AfterOnboard func(ctx context.Context)
}

// Refresher diffs upstream website lists against scheduled jobs.
type Refresher struct {
	src    Onboarder
	cfg    Config
	logger *zap.Logger
}

// New constructs a Refresher.
func New(src Onboarder, cfg Config, logger *zap.Logger) *Refresher {
	if cfg.Stagger == (scheduler.Stagger{}) {
		cfg.Stagger = DefaultStagger
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Refresher{src: src, cfg: cfg, logger: logger}
}

// Diff returns the sites whose ids are not in known, in input order and
// without duplicates.
func Diff(known map[string]struct{}, sites []crawler.Website) []crawler.Website {
	var out []crawler.Website
	seen := make(map[string]struct{}, len(sites))
	for _, site := range sites {
		if _, ok := known[site.ID]; ok {
			continue
		}
		if _, ok := seen[site.ID]; ok {
			continue
		}
		seen[site.ID] = struct{}{}
		out = append(out, site)
	}
	return out
}

// RefreshTenant onboards the tenant's new websites and returns how many were added.
// Websites removed upstream keep their jobs.
func (r *Refresher) RefreshTenant(ctx context.Context, tenant string) (int, error) {
	sites, gen, err := r.src.FetchWebsites(ctx, tenant)
	if err != nil {
		return 0, fmt.Errorf("refresh %s: %w", tenant, err)
	}
	added := Diff(r.src.KnownWebsites(tenant), sites)
	if len(added) == 0 {
		r.logger.Debug("no new websites", zap.String("tenant", tenant), zap.Int("websites", len(sites)))
		return 0, nil
	}
	if err := r.src.Onboard(tenant, gen, added, r.cfg.Stagger); err != nil {
		if errors.Is(err, crawler.ErrReconfigured) {
			r.logger.Info("tenant reconfigured during refresh, discarding websites",
				zap.String("tenant", tenant), zap.Int("websites", len(added)))
			return 0, nil
		}
		return 0, fmt.Errorf("onboard %s: %w", tenant, err)
	}
	metrics.ObserveOnboarded(tenant, len(added))
	names := make([]string, 0, len(added))
	for _, site := range added {
		names = append(names, site.DisplayName())
	}
	r.logger.Info("onboarded new websites", zap.String("tenant", tenant), zap.Strings("websites", names))
	if r.cfg.AfterOnboard != nil {
		r.cfg.AfterOnboard(ctx)
	}
	return len(added), nil
}

// RefreshAll refreshes every active tenant, continuing past failures.
func (r *Refresher) RefreshAll(ctx context.Context) (int, error) {
	var (
		total int
		errs  []error
	)
	for _, tenant := range r.src.ActiveTenants() {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		n, err := r.RefreshTenant(ctx, tenant)
		if err != nil {
			r.logger.Warn("website refresh failed", zap.String("tenant", tenant), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		total += n
	}
	return total, errors.Join(errs...)
}
