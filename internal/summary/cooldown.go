package summary

import (
	"sync"
	"time"
)

// Cooldown limits automatic summaries to one per window.
type Cooldown struct {
	mu     sync.Mutex
	window time.Duration
	last   time.Time
}

// NewCooldown returns a limiter allowing one automatic generation per window.
func NewCooldown(window time.Duration) *Cooldown {
	return &Cooldown{window: window}
}

// Allow reports whether a generation may run at now and records it if so.
// Forced calls always run and restart the window.
func (c *Cooldown) Allow(now time.Time, force bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !force && !c.last.IsZero() && now.Sub(c.last) < c.window {
		return false
	}
	c.last = now
	return true
}

// Last returns the time of the most recent allowed generation.
func (c *Cooldown) Last() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}
