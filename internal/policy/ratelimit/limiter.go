// Package ratelimit paces outbound crawl service calls with one token bucket
// per tenant.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/crawl-scheduler/internal/metrics"
)

// Limiter manages per-tenant rate limits.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// Config holds rate limiter configuration. A non-positive RPS disables pacing.
type Config struct {
	RPS   float64
	Burst int
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     r,
		burst:    burst,
	}
}

// Wait blocks until a token is available for the tenant, respecting ctx.
func (l *Limiter) Wait(ctx context.Context, tenant string) error {
	limiter := l.limiterFor(tenant)
	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(tenant, waited)
	}
	return nil
}

// Forget drops the bucket of a tenant that is no longer configured.
func (l *Limiter) Forget(tenant string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, tenant)
}

// Len reports how many tenant buckets exist.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func (l *Limiter) limiterFor(tenant string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[tenant]
	if !ok {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[tenant] = limiter
	}
	return limiter
}
