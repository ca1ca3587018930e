package subscription

import (
	"context"
	"sync"
)

// Queue is a FIFO sink. A zero capacity makes it unbounded; a bounded queue
// drops its oldest pending value to make room.
type Queue[T any] struct {
	mu       sync.Mutex
	items    []T
	head     int
	capacity int
	dropped  uint64
	sig      signal
}

// NewQueue constructs a queue. Negative capacities are treated as unbounded.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue[T]{capacity: capacity, sig: newSignal()}
}

// Receive appends v.
func (q *Queue[T]) Receive(v T) {
	q.mu.Lock()
	if q.capacity > 0 && q.lenLocked() >= q.capacity {
		q.items[q.head] = zero[T]()
		q.head++
		q.dropped++
		if q.head >= q.capacity {
			q.compactLocked()
		}
	}
	q.items = append(q.items, v)
	q.mu.Unlock()
	q.sig.wake()
}

// Next removes the oldest value, waiting until one is available.
func (q *Queue[T]) Next(ctx context.Context) (T, error) {
	for {
		if v, ok := q.TryNext(); ok {
			return v, nil
		}
		select {
		case <-q.sig:
		case <-ctx.Done():
			return zero[T](), ctx.Err()
		}
	}
}

// TryNext removes the oldest value if one is pending.
func (q *Queue[T]) TryNext() (T, bool) {
	q.mu.Lock()
	if q.lenLocked() == 0 {
		q.mu.Unlock()
		return zero[T](), false
	}
	v := q.items[q.head]
	q.items[q.head] = zero[T]()
	q.head++
	remaining := q.lenLocked()
	if remaining == 0 {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head > len(q.items)/2 {
		q.compactLocked()
	}
	q.mu.Unlock()
	if remaining > 0 {
		q.sig.wake()
	}
	return v, true
}

// Len returns the number of pending values.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked()
}

// Dropped returns how many values were discarded to respect the capacity.
func (q *Queue[T]) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

func (q *Queue[T]) compactLocked() {
	n := copy(q.items, q.items[q.head:])
	clear(q.items[n:])
	q.items = q.items[:n]
	q.head = 0
}

func (q *Queue[T]) lenLocked() int {
	return len(q.items) - q.head
}
