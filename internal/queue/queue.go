// Package queue provides an unbounded (or drop-oldest bounded) FIFO queue with
// a wake-up signal for a single blocking reader.
package queue

import (
	"context"
	"sync"
)

// Queue is a FIFO queue safe for concurrent producers and consumers.
type Queue[T any] struct {
	mu       sync.Mutex
	items    []T
	head     int
	capacity int
	dropped  int64
	closed   bool
	signal   chan struct{}
}

// New creates a queue. capacity <= 0 means unbounded; otherwise the oldest
// item is dropped when a push would exceed capacity.
func New[T any](capacity int) *Queue[T] {
	return &Queue[T]{
		capacity: capacity,
		signal:   make(chan struct{}, 1),
	}
}

// Push appends an item. accepted is false when the queue is closed; evicted
// is true when the oldest item was dropped to make room.
func (q *Queue[T]) Push(item T) (accepted, evicted bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false, false
	}
	if q.capacity > 0 && q.lenLocked() >= q.capacity {
		evicted = true
		var zero T
		q.items[q.head] = zero
		q.head++
		q.dropped++
		q.compactLocked()
	}
	q.items = append(q.items, item)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true, evicted
}

// Pop removes and returns the oldest item.
func (q *Queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if q.lenLocked() == 0 {
		return zero, false
	}
	item := q.items[q.head]
	q.items[q.head] = zero
	q.head++
	q.compactLocked()
	return item, true
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked()
}

// Dropped returns how many items were evicted by the capacity bound.
func (q *Queue[T]) Dropped() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Wait blocks until the queue is non-empty, closed, or ctx is done.
func (q *Queue[T]) Wait(ctx context.Context) error {
	for {
		q.mu.Lock()
		n, closed := q.lenLocked(), q.closed
		q.mu.Unlock()
		if n > 0 || closed {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.signal:
		}
	}
}

// Close stops accepting new items and wakes any waiter. Queued items can
// still be popped.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Closed reports whether Close was called.
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// compactLocked reclaims the consumed prefix once it dominates the backing array.
func (q *Queue[T]) compactLocked() {
	if q.head <= 64 || q.head*2 < len(q.items) {
		return
	}
	n := copy(q.items, q.items[q.head:])
	clear(q.items[n:])
	q.items = q.items[:n]
	q.head = 0
}

func (q *Queue[T]) lenLocked() int {
	return len(q.items) - q.head
}
