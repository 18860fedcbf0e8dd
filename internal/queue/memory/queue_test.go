package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
)

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	result := make(chan crawler.QueueItem, 1)
	errCh := make(chan error, 1)

	go func() {
		item, err := q.Dequeue(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- item
	}()

	if err := q.Enqueue(context.Background(), crawler.QueueItem{JobID: "alice_crawl_w1"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case got := <-result:
		if got.JobID != "alice_crawl_w1" {
			t.Fatalf("expected alice_crawl_w1, got %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return item")
	}
}

func TestQueueTryEnqueueFull(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	if !q.TryEnqueue(crawler.QueueItem{JobID: "a"}) {
		t.Fatal("expected first TryEnqueue to succeed")
	}
	if q.TryEnqueue(crawler.QueueItem{JobID: "b"}) {
		t.Fatal("expected TryEnqueue on a full queue to fail")
	}
	if q.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", q.Len())
	}
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := q.Dequeue(ctx); err == nil || err.Error() != "dequeue canceled: context canceled" {
		t.Fatalf("expected dequeue cancel error, got %v", err)
	}

	if err := q.Enqueue(context.Background(), crawler.QueueItem{JobID: "primed"}); err != nil {
		t.Fatalf("failed to prime queue: %v", err)
	}
	if err := q.Enqueue(ctx, crawler.QueueItem{JobID: "blocked"}); err == nil ||
		err.Error() != "enqueue canceled: context canceled" {
		t.Fatalf("expected enqueue cancel error, got %v", err)
	}
}

func TestQueueCloseDrainsThenFails(t *testing.T) {
	t.Parallel()

	q := NewQueue(2)
	if !q.TryEnqueue(crawler.QueueItem{JobID: "left"}) {
		t.Fatal("TryEnqueue failed")
	}
	q.Close()
	q.Close()

	if q.TryEnqueue(crawler.QueueItem{JobID: "late"}) {
		t.Fatal("expected TryEnqueue after Close to fail")
	}
	if err := q.Enqueue(context.Background(), crawler.QueueItem{JobID: "late"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	item, err := q.Dequeue(context.Background())
	if err != nil || item.JobID != "left" {
		t.Fatalf("expected buffered item, got %+v err=%v", item, err)
	}
	if _, err := q.Dequeue(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after drain, got %v", err)
	}
}
