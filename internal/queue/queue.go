// Package queue provides the bounded FIFO task queue feeding the
// worker pool.
package queue

import (
	"context"
	"sync"

	"github.com/gitsmith-dev/gitsmith/internal/errdefs"
)

// Queue is a bounded FIFO of task ids. Enqueue order is dequeue
// order; retried tasks re-enter at the tail.
type Queue struct {
	ch chan string

	mu     sync.Mutex
	closed bool
}

// New creates a queue with the given capacity.
func New(capacity int) *Queue {
	return &Queue{ch: make(chan string, capacity)}
}

// TryEnqueue adds a task id, failing fast with QUEUE_FULL at
// capacity.
func (q *Queue) TryEnqueue(taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errdefs.New(errdefs.KindQueueFull, "queue is closed")
	}
	select {
	case q.ch <- taskID:
		return nil
	default:
		return errdefs.New(errdefs.KindQueueFull, "task queue is full").
			WithSuggestion("Wait for running tasks to finish or raise QUEUE_CAPACITY")
	}
}

// Enqueue adds a task id, blocking until a slot frees or ctx is done.
func (q *Queue) Enqueue(ctx context.Context, taskID string) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errdefs.New(errdefs.KindQueueFull, "queue is closed")
	}
	q.mu.Unlock()

	select {
	case q.ch <- taskID:
		return nil
	case <-ctx.Done():
		return errdefs.Wrap(errdefs.KindQueueFull, "enqueue interrupted", ctx.Err())
	}
}

// Dequeue blocks until an item is available or ctx is done. After
// Close, remaining items drain; ok is false once the queue is closed
// and empty.
func (q *Queue) Dequeue(ctx context.Context) (taskID string, ok bool) {
	select {
	case id, open := <-q.ch:
		return id, open
	case <-ctx.Done():
		return "", false
	}
}

// Close refuses further enqueues. Queued items remain available to
// Dequeue until drained.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

// Closed reports whether the queue refuses further enqueues.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Len reports the number of queued items.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Cap reports the queue capacity.
func (q *Queue) Cap() int {
	return cap(q.ch)
}
