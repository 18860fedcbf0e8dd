// Package scheduler fires recurring per-(tenant, website) jobs on staggered
// intervals and hands each fire to the dispatcher, allowing at most one
// in-flight execution per job.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
	"github.com/JakeFAU/crawl-scheduler/internal/metrics"
)

var (
	// ErrOverlap marks a fire dropped because the job is still in flight.
	ErrOverlap = errors.New("job already in flight")
	// ErrInvalidJob is returned for jobs without an id, interval or task.
	ErrInvalidJob = errors.New("invalid job")
)

// Fire results recorded in metrics.
const (
	FireDispatched = "dispatched"
	FireOverlap    = "overlap"
	FireQueueFull  = "queue_full"
)

// Submitter accepts work without blocking.
type Submitter interface {
	TrySubmit(item crawler.QueueItem) error
}

// Task runs one execution of a job. It must call done exactly once, when the
// job may fire again; done may be called after Task returns.
type Task func(ctx context.Context, done func())

// Job is a recurring unit bound to one tenant.
type Job struct {
	ID       string
	Interval time.Duration
	Task     Task
}

// JobInfo describes a scheduled job.
type JobInfo struct {
	ID       string        `json:"id"`
	Tenant   string        `json:"tenant"`
	Interval time.Duration `json:"interval"`
	Next     time.Time     `json:"next_run_time,omitzero"`
	InFlight bool          `json:"in_flight"`
}

type entry struct {
	cronID   cron.EntryID
	tenant   string
	interval time.Duration
}

// Scheduler owns the cron timers for tenant jobs and system jobs.
type Scheduler struct {
	cron      *cron.Cron
	submitter Submitter
	clock     crawler.Clock
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	entries map[string]entry
	states  map[string]*runState
	system  map[string]cron.EntryID
	running bool
}

// New constructs a Scheduler in UTC. Call Start to begin firing.
func New(submitter Submitter, clock crawler.Clock, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(newCronLogger(logger.Named("cron"))),
		),
		submitter: submitter,
		clock:     clock,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		entries:   make(map[string]entry),
		states:    make(map[string]*runState),
		system:    make(map[string]cron.EntryID),
	}
}

// Schedule registers job for tenant with its first fire offset from now.
// An existing job with the same id is replaced; its run state is kept.
func (s *Scheduler) Schedule(tenant string, job Job, offset time.Duration) error {
	if job.ID == "" || job.Interval <= 0 || job.Task == nil {
		return fmt.Errorf("%w: %q", ErrInvalidJob, job.ID)
	}
	first := s.now().Add(offset)
	sched := newStaggerSchedule(job.Interval, first)

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.entries[job.ID]; ok {
		s.cron.Remove(prev.cronID)
	}
	if _, ok := s.states[job.ID]; !ok {
		s.states[job.ID] = &runState{}
	}
	id := s.cron.Schedule(sched, cron.FuncJob(s.fire(job.ID, job.Task)))
	s.entries[job.ID] = entry{cronID: id, tenant: tenant, interval: job.Interval}
	s.logger.Debug("job scheduled",
		zap.String("job_id", job.ID),
		zap.String("tenant", tenant),
		zap.Duration("interval", job.Interval),
		zap.Time("first_run", first),
	)
	return nil
}

// ScheduleBatch schedules jobs in order, staggering their first fires.
func (s *Scheduler) ScheduleBatch(tenant string, jobs []Job, stagger Stagger) error {
	var errs []error
	for i, job := range jobs {
		if err := s.Schedule(tenant, job, stagger.Offset(i)); err != nil {
			errs = append(errs, err)
		}
	}
	if len(jobs) > 0 {
		s.logger.Info("jobs scheduled",
			zap.String("tenant", tenant),
			zap.Int("count", len(jobs)),
			zap.Duration("last_offset", stagger.Offset(len(jobs)-1)),
		)
	}
	return errors.Join(errs...)
}

// Remove unschedules a job. An in-flight execution finishes normally.
func (s *Scheduler) Remove(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[jobID]
	if !ok {
		return false
	}
	s.cron.Remove(e.cronID)
	delete(s.entries, jobID)
	return true
}

// RemoveTenant unschedules every job of the tenant and returns how many were removed.
func (s *Scheduler) RemoveTenant(tenant string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, e := range s.entries {
		if e.tenant != tenant {
			continue
		}
		s.cron.Remove(e.cronID)
		delete(s.entries, id)
		n++
	}
	return n
}

// Acquire claims a job's run lock outside its timer, for manual runs.
func (s *Scheduler) Acquire(jobID string) (func(), bool) {
	return s.state(jobID).tryAcquire()
}

// Jobs lists every tenant job sorted by id.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.entries))
	for id, e := range s.entries {
		out = append(out, s.infoLocked(id, e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TenantJobs returns the sorted job ids scheduled for the tenant.
func (s *Scheduler) TenantJobs(tenant string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, e := range s.entries {
		if e.tenant == tenant {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// AddSystemJob runs fn every interval, skipping a fire while the previous one
// is still running. Adding a name twice replaces the earlier job.
func (s *Scheduler) AddSystemJob(name string, interval time.Duration, fn func(ctx context.Context)) error {
	if name == "" || interval <= 0 || fn == nil {
		return fmt.Errorf("%w: system job %q", ErrInvalidJob, name)
	}
	chain := cron.NewChain(
		cron.Recover(newCronLogger(s.logger.Named("cron"))),
		cron.SkipIfStillRunning(newCronLogger(s.logger.Named("cron"))),
	)
	job := chain.Then(cron.FuncJob(func() { fn(s.ctx) }))

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.system[name]; ok {
		s.cron.Remove(prev)
	}
	s.system[name] = s.cron.Schedule(cron.Every(interval), job)
	s.logger.Info("system job scheduled", zap.String("job", name), zap.Duration("interval", interval))
	return nil
}

// SystemJobs returns the sorted names of registered system jobs.
func (s *Scheduler) SystemJobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.system))
	for name := range s.system {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start begins firing timers. Calling it again has no effect.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.cron.Start()
	s.running = true
}

// Running reports whether timers are firing.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Stop halts all timers and waits for running cron callbacks. Work already
// handed to the dispatcher is not interrupted.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) fire(jobID string, task Task) func() {
	return func() {
		release, ok := s.state(jobID).tryAcquire()
		if !ok {
			metrics.ObserveSchedulerFire(FireOverlap)
			s.logger.Debug("skipping fire", zap.String("job_id", jobID), zap.Error(ErrOverlap))
			return
		}
		item := crawler.QueueItem{
			JobID:       jobID,
			ScheduledAt: s.now(),
			Run: func(ctx context.Context) {
				task(ctx, release)
			},
			Drop: func(string) {
				release()
			},
		}
		if err := s.submitter.TrySubmit(item); err != nil {
			release()
			metrics.ObserveSchedulerFire(FireQueueFull)
			s.logger.Warn("dropping fire", zap.String("job_id", jobID), zap.Error(err))
			return
		}
		metrics.ObserveSchedulerFire(FireDispatched)
	}
}

func (s *Scheduler) state(jobID string) *runState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[jobID]
	if !ok {
		st = &runState{}
		s.states[jobID] = st
	}
	return st
}

func (s *Scheduler) infoLocked(id string, e entry) JobInfo {
	info := JobInfo{ID: id, Tenant: e.tenant, Interval: e.interval}
	if ce := s.cron.Entry(e.cronID); ce.Valid() {
		info.Next = ce.Next
	}
	if st, ok := s.states[id]; ok {
		info.InFlight = st.busy()
	}
	return info
}

func (s *Scheduler) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock.Now()
}
