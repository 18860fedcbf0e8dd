package scheduler

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Stagger spreads the first fire of a batch of jobs.
type Stagger struct {
	Step time.Duration
	Cap  time.Duration
}

// Offset returns min(i*Step, Cap) for the i-th job of a batch.
func (s Stagger) Offset(i int) time.Duration {
	if i <= 0 || s.Step <= 0 {
		return 0
	}
	d := time.Duration(i) * s.Step
	if s.Cap > 0 && d > s.Cap {
		d = s.Cap
	}
	return d
}

// staggerSchedule fires once at first and then every interval.
type staggerSchedule struct {
	mu    sync.Mutex
	base  cron.Schedule
	first time.Time
	used  bool
}

func newStaggerSchedule(interval time.Duration, first time.Time) *staggerSchedule {
	return &staggerSchedule{base: cron.Every(interval), first: first}
}

// Next returns the first fire time on its initial call, clamped to t, and
// defers to the interval schedule afterwards.
func (s *staggerSchedule) Next(t time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.used {
		s.used = true
		if s.first.Before(t) {
			return t
		}
		return s.first
	}
	return s.base.Next(t)
}
