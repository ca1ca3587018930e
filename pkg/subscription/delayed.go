package subscription

import (
	"context"
	"sync"
)

// SubscribeFunc registers a sink with a producer and returns a function that removes it.
type SubscribeFunc[T any] func(Sink[T]) (unsubscribe func())

// Delayed defers subscribing to its producer until the first Next, so values
// are only buffered once somebody reads.
type Delayed[T any] struct {
	inner     Sink[T]
	subscribe SubscribeFunc[T]

	mu          sync.Mutex
	subscribed  bool
	unsubscribe func()
}

// NewDelayed wraps inner. A nil inner defaults to an unbounded queue.
func NewDelayed[T any](inner Sink[T], subscribe SubscribeFunc[T]) *Delayed[T] {
	if inner == nil {
		inner = NewQueue[T](0)
	}
	return &Delayed[T]{inner: inner, subscribe: subscribe}
}

// Receive forwards to the inner sink.
func (d *Delayed[T]) Receive(v T) {
	d.inner.Receive(v)
}

// Next subscribes on first use, then reads from the inner sink.
func (d *Delayed[T]) Next(ctx context.Context) (T, error) {
	d.ensure()
	return d.inner.Next(ctx)
}

// Subscribed reports whether the upstream subscription has been made.
func (d *Delayed[T]) Subscribed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.subscribed
}

// Inner returns the wrapped sink.
func (d *Delayed[T]) Inner() Sink[T] {
	return d.inner
}

// Unsubscribe removes the upstream subscription if one was made. A later Next subscribes again.
func (d *Delayed[T]) Unsubscribe() {
	d.mu.Lock()
	fn := d.unsubscribe
	d.subscribed = false
	d.unsubscribe = nil
	d.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (d *Delayed[T]) ensure() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.subscribed {
		return
	}
	d.subscribed = true
	if d.subscribe != nil {
		d.unsubscribe = d.subscribe(d.inner)
	}
}
