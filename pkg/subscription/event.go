package subscription

import (
	"context"
	"sync"
)

// Event is a one-shot sink. The first Receive fires it; every Next afterwards
// returns that first value immediately.
type Event[T any] struct {
	once  sync.Once
	value T
	done  chan struct{}
}

// NewEvent constructs an unfired event.
func NewEvent[T any]() *Event[T] {
	return &Event[T]{done: make(chan struct{})}
}

// Receive fires the event with v. Later calls are ignored.
func (e *Event[T]) Receive(v T) {
	e.once.Do(func() {
		e.value = v
		close(e.done)
	})
}

// Next waits for the event to fire.
func (e *Event[T]) Next(ctx context.Context) (T, error) {
	select {
	case <-e.done:
		return e.value, nil
	default:
	}
	select {
	case <-e.done:
		return e.value, nil
	case <-ctx.Done():
		return zero[T](), ctx.Err()
	}
}

// Fired reports whether Receive has been called.
func (e *Event[T]) Fired() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// Done is closed when the event fires.
func (e *Event[T]) Done() <-chan struct{} {
	return e.done
}
