// Package memory provides the in-process task queue.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/harvest-engine/internal/harvest"
)

// Queue is a bounded in-process queue with two lanes. Resume items, which a
// reviewer is waiting on, are handed out before run, collect and crawl items.
// Each lane holds up to the configured capacity.
type Queue struct {
	urgent chan harvest.QueueItem
	normal chan harvest.QueueItem
	done   chan struct{}

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

// NewQueue creates a queue whose lanes each buffer capacity items.
func NewQueue(capacity int) *Queue {
	return &Queue{
		urgent: make(chan harvest.QueueItem, capacity),
		normal: make(chan harvest.QueueItem, capacity),
		done:   make(chan struct{}),
	}
}

func (q *Queue) lane(item harvest.QueueItem) chan harvest.QueueItem {
	if item.Action == harvest.ActionResume {
		return q.urgent
	}
	return q.normal
}

// Enqueue adds item, waiting for room until ctx ends or the queue closes.
func (q *Queue) Enqueue(ctx context.Context, item harvest.QueueItem) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return harvest.ErrQueueClosed
	}
	select {
	case q.lane(item) <- item:
		return nil
	case <-q.done:
		return harvest.ErrQueueClosed
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	}
}

// Dequeue returns the next item, preferring the urgent lane. Items buffered
// before Close are still handed out; after that it returns
// harvest.ErrQueueClosed.
func (q *Queue) Dequeue(ctx context.Context) (harvest.QueueItem, error) {
	if item, ok := q.poll(); ok {
		return item, nil
	}
	select {
	case item := <-q.urgent:
		return item, nil
	case item := <-q.normal:
		return item, nil
	case <-q.done:
		if item, ok := q.poll(); ok {
			return item, nil
		}
		return harvest.QueueItem{}, harvest.ErrQueueClosed
	case <-ctx.Done():
		return harvest.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	}
}

func (q *Queue) poll() (harvest.QueueItem, bool) {
	select {
	case item := <-q.urgent:
		return item, true
	default:
	}
	select {
	case item := <-q.normal:
		return item, true
	default:
	}
	return harvest.QueueItem{}, false
}

// Len reports the number of buffered items across both lanes.
func (q *Queue) Len() int {
	return len(q.urgent) + len(q.normal)
}

// Close rejects further Enqueue calls and wakes blocked callers. It is safe
// to call more than once.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.done)
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
	})
}
