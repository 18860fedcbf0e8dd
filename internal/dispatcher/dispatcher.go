// Package dispatcher runs queued work on a fixed pool of worker goroutines
// shared by every tenant.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
	"github.com/JakeFAU/crawl-scheduler/internal/metrics"
)

var (
	// ErrQueueFull is returned by TrySubmit when no slot is free.
	ErrQueueFull = errors.New("dispatcher queue full")
	// ErrStale marks a scheduled item picked up after its misfire grace.
	ErrStale = errors.New("scheduled item exceeded misfire grace")
)

// Drop reasons passed to QueueItem.Drop.
const (
	DropStale     = "stale"
	DropQueueFull = "queue_full"
	DropShutdown  = "shutdown"
)

// Config controls pool size and misfire handling.
type Config struct {
	Workers int
	// MisfireGrace drops scheduled items that waited longer than this. Zero disables.
	MisfireGrace time.Duration
}

// Dispatcher fans queue work out to a pool of workers.
type Dispatcher struct {
	queue  crawler.Queue
	cfg    Config
	clock  crawler.Clock
	logger *zap.Logger
	active atomic.Int64
}

// New creates a Dispatcher.
func New(queue crawler.Queue, cfg Config, clock crawler.Clock, logger *zap.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:  queue,
		cfg:    cfg,
		clock:  clock,
		logger: logger,
	}
}

// Run starts all workers and blocks until the context finishes and every
// worker has returned. Tasks already running are not interrupted.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			d.work(ctx, id)
		}(i)
	}
	<-ctx.Done()
	wg.Wait()
}

// TrySubmit enqueues without blocking.
func (d *Dispatcher) TrySubmit(item crawler.QueueItem) error {
	if !d.queue.TryEnqueue(item) {
		return ErrQueueFull
	}
	return nil
}

// Submit enqueues, blocking until a slot is free or ctx ends.
func (d *Dispatcher) Submit(ctx context.Context, item crawler.QueueItem) error {
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

// Active reports how many workers are running a task.
func (d *Dispatcher) Active() int {
	return int(d.active.Load())
}

// Workers reports the configured pool size.
func (d *Dispatcher) Workers() int {
	return d.cfg.Workers
}

func (d *Dispatcher) work(ctx context.Context, id int) {
	logger := d.logger.With(zap.Int("worker", id))
	for {
		item, err := d.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("queue dequeue failed", zap.Error(err))
			return
		}
		if err := d.admit(item); err != nil {
			logger.Warn("dropping queued item", zap.String("job_id", item.JobID), zap.Error(err))
			metrics.ObserveDispatcherDrop(DropStale)
			if item.Drop != nil {
				item.Drop(DropStale)
			}
			continue
		}
		d.execute(context.WithoutCancel(ctx), logger, item)
	}
}

func (d *Dispatcher) admit(item crawler.QueueItem) error {
	if item.ScheduledAt.IsZero() {
		return nil
	}
	wait := d.now().Sub(item.ScheduledAt)
	metrics.ObserveQueueWait(wait)
	if d.cfg.MisfireGrace > 0 && wait > d.cfg.MisfireGrace {
		return fmt.Errorf("%w: waited %s", ErrStale, wait.Round(time.Second))
	}
	return nil
}

func (d *Dispatcher) execute(ctx context.Context, logger *zap.Logger, item crawler.QueueItem) {
	d.active.Add(1)
	metrics.IncActiveWorkers()
	defer func() {
		metrics.DecActiveWorkers()
		d.active.Add(-1)
		if rec := recover(); rec != nil {
			logger.Error("task panicked", zap.String("job_id", item.JobID), zap.Any("panic", rec))
		}
	}()
	if item.Run == nil {
		return
	}
	item.Run(ctx)
}

func (d *Dispatcher) now() time.Time {
	if d.clock == nil {
		return time.Now().UTC()
	}
	return d.clock.Now()
}
