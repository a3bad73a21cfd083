// Package memory provides the bounded in-process training job queue.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/boostserve/internal/pipeline"
)

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch      chan pipeline.QueueItem
	closeMu sync.RWMutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		ch: make(chan pipeline.QueueItem, capacity),
	}
}

// Enqueue pushes a job into the queue or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, item pipeline.QueueItem) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return pipeline.ErrQueueClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- item:
		return nil
	}
}

// Dequeue pops the next job, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (pipeline.QueueItem, error) {
	select {
	case <-ctx.Done():
		return pipeline.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item, ok := <-q.ch:
		if !ok {
			return pipeline.QueueItem{}, pipeline.ErrQueueClosed
		}
		return item, nil
	}
}

// Len reports the number of queued items.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops accepting work. Already queued items can still be dequeued.
// It waits for blocked Enqueue calls to return.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
