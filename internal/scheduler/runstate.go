package scheduler

import (
	"sync"
	"sync/atomic"
)

// runState guards single-instance execution of one job across reschedules.
type runState struct {
	inflight atomic.Bool
}

// tryAcquire claims the job and returns its release func, or false when an
// execution is already queued, triggering or polling.
func (r *runState) tryAcquire() (func(), bool) {
	if !r.inflight.CompareAndSwap(false, true) {
		return nil, false
	}
	var once sync.Once
	return func() {
		once.Do(func() { r.inflight.Store(false) })
	}, true
}

func (r *runState) busy() bool {
	return r.inflight.Load()
}
