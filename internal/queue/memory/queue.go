// Package memory provides the bounded in-process queue feeding the dispatcher.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
)

// ErrClosed is returned once the queue has been closed and drained.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch        chan crawler.QueueItem
	done      chan struct{}
	closeOnce sync.Once
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		ch:   make(chan crawler.QueueItem, capacity),
		done: make(chan struct{}),
	}
}

// Enqueue pushes an item, blocking while the queue is full.
func (q *Queue) Enqueue(ctx context.Context, item crawler.QueueItem) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		return ErrClosed
	case q.ch <- item:
		return nil
	}
}

// TryEnqueue pushes an item without blocking and reports whether it fit.
func (q *Queue) TryEnqueue(item crawler.QueueItem) bool {
	select {
	case <-q.done:
		return false
	default:
	}
	select {
	case q.ch <- item:
		return true
	default:
		return false
	}
}

// Dequeue pops the next item, respecting context cancellation. Items still
// buffered at Close are handed out before ErrClosed is returned.
func (q *Queue) Dequeue(ctx context.Context) (crawler.QueueItem, error) {
	select {
	case <-ctx.Done():
		return crawler.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item := <-q.ch:
		return item, nil
	case <-q.done:
		select {
		case item := <-q.ch:
			return item, nil
		default:
			return crawler.QueueItem{}, ErrClosed
		}
	}
}

// Len reports the number of buffered items.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops accepting items.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}
