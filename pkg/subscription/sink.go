// Package subscription provides the sink primitives that producers deliver into.
//
// A sink receives values without blocking and hands them out through Next.
// Next never consumes a value when it returns because its context ended.
package subscription

import "context"

// Sink is a destination a producer delivers values into.
type Sink[T any] interface {
	// Receive inserts v. It never blocks and never fails.
	Receive(v T)
	// Next waits for and removes the next value. It returns ctx.Err() when ctx ends first.
	Next(ctx context.Context) (T, error)
}

// signal is a level-triggered wake-up shared by waiters of one sink.
type signal chan struct{}

func newSignal() signal {
	return make(signal, 1)
}

func (s signal) wake() {
	select {
	case s <- struct{}{}:
	default:
	}
}

func zero[T any]() T {
	var v T
	return v
}
