package subscription

import (
	"context"
	"sync/atomic"

	"github.com/coachpo/rtcbot/lib/async"
)

// Callback is a sink that hands every value to fn on a loop instead of storing it.
// Next never yields a value.
type Callback[T any] struct {
	loop    *async.Loop
	fn      func(T)
	dropped atomic.Uint64
}

// NewCallback constructs a callback sink scheduled on loop.
func NewCallback[T any](loop *async.Loop, fn func(T)) *Callback[T] {
	return &Callback[T]{loop: loop, fn: fn}
}

// Receive schedules fn(v). Values arriving after the loop closed are counted and dropped.
func (c *Callback[T]) Receive(v T) {
	if err := c.loop.Call(func() { c.fn(v) }); err != nil {
		c.dropped.Add(1)
	}
}

// Next blocks until ctx ends.
func (c *Callback[T]) Next(ctx context.Context) (T, error) {
	<-ctx.Done()
	return zero[T](), ctx.Err()
}

// Dropped returns how many values arrived after the loop closed.
func (c *Callback[T]) Dropped() uint64 {
	return c.dropped.Load()
}
