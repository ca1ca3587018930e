package flow

import (
	"context"
	"errors"
	"sync"

	"github.com/coachpo/rtcbot/internal/observability"
	"github.com/coachpo/rtcbot/internal/telemetry"
	"github.com/coachpo/rtcbot/lib/async"
	"github.com/coachpo/rtcbot/pkg/subscription"
)

// waitOutcome is how a single wait on the current subscription ended.
type waitOutcome int

const (
	delivered waitOutcome = iota
	cancelled
	closed
	abandoned
)

// Consumer reads from a replaceable current subscription. Swapping the
// subscription while a read is outstanding restarts that read on the new
// subscription; closing ends it with ErrSubscriptionClosed.
type Consumer[T any] struct {
	name     string
	logger   observability.Logger
	loop     *async.Loop
	ownsLoop bool
	newSink  func() subscription.Sink[T]
	events   *Events
	in       *instruments

	closeCtx    context.Context
	closeCancel context.CancelFunc

	mu        sync.Mutex
	direct    subscription.Sink[T]
	current   subscription.Sink[T]
	genCtx    context.Context
	genCancel context.CancelFunc
	closed    bool
}

// NewConsumer constructs a consumer reading from a private default sink.
// It panics if WithSinkFactory was given a factory for another type.
func NewConsumer[T any](opts ...Option) *Consumer[T] {
	o := buildOptions("consumer", opts)
	newSink := sinkFactory[T](o)
	loop, owns := o.ownLoop()
	events := o.events
	if events == nil {
		events = NewEvents(WithName(o.name), WithLogger(o.logger), WithLoop(loop), WithMeterProvider(o.meterProvider))
	}
	closeCtx, closeCancel := context.WithCancel(context.Background())
	c := &Consumer[T]{
		name:        o.name,
		logger:      o.logger,
		loop:        loop,
		ownsLoop:    owns,
		newSink:     newSink,
		events:      events,
		in:          newInstruments(o.meterProvider, telemetry.ComponentConsumer, o.name),
		closeCtx:    closeCtx,
		closeCancel: closeCancel,
	}
	c.direct = c.newSink()
	c.current = c.direct
	c.genCtx, c.genCancel = context.WithCancel(closeCtx)
	return c
}

// Put inserts v directly. If an external subscription is installed it is
// dropped first, as if Stop had been called.
func (c *Consumer[T]) Put(v T) {
	c.mu.Lock()
	if c.current != c.direct {
		c.stopLocked()
	}
	direct := c.direct
	c.mu.Unlock()
	direct.Receive(v)
}

// PutSubscription makes s the current subscription and cancels any outstanding
// wait so it restarts on s. Installing the current subscription again is a no-op.
func (c *Consumer[T]) PutSubscription(s subscription.Sink[T]) error {
	if err := validSink(s); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrSubscriptionClosed
	}
	if c.current == s {
		return nil
	}
	c.swapLocked(s)
	return nil
}

// Stop replaces the current subscription with a fresh private default.
func (c *Consumer[T]) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.stopLocked()
}

// Subscription returns the installed external subscription, or nil when reading from the private default.
func (c *Consumer[T]) Subscription() subscription.Sink[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == c.direct {
		return nil
	}
	return c.current
}

// Next waits for the next value from the current subscription.
func (c *Consumer[T]) Next(ctx context.Context) (T, error) {
	var zero T
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return zero, ErrSubscriptionClosed
		}
		sink, gen := c.current, c.genCtx
		c.mu.Unlock()

		v, outcome, err := c.wait(ctx, gen, sink)
		switch outcome {
		case delivered:
			return v, nil
		case closed:
			return zero, ErrSubscriptionClosed
		case abandoned:
			return zero, err
		case cancelled:
			c.logger.Debug("subscription swapped during wait", observability.F("name", c.name))
		}
	}
}

func (c *Consumer[T]) wait(ctx context.Context, gen context.Context, sink subscription.Sink[T]) (T, waitOutcome, error) {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(gen, cancel)
	defer stop()

	v, err := sink.Next(waitCtx)
	if err == nil {
		return v, delivered, nil
	}
	if outcome, ok := c.interrupted(gen); ok {
		return v, outcome, nil
	}
	if ctx.Err() != nil {
		return v, abandoned, ctx.Err()
	}

	// The subscription itself failed. Park until it is replaced or we close.
	if !errors.Is(err, ErrSubscriptionClosed) {
		c.logger.Warn("subscription read failed", observability.F("name", c.name), observability.F("error", err))
	}
	c.in.addFailure()
	select {
	case <-gen.Done():
		outcome, _ := c.interrupted(gen)
		return v, outcome, nil
	case <-ctx.Done():
		return v, abandoned, ctx.Err()
	}
}

// interrupted classifies a finished generation. Close wins over a swap.
func (c *Consumer[T]) interrupted(gen context.Context) (waitOutcome, bool) {
	if c.closeCtx.Err() != nil {
		return closed, true
	}
	if gen.Err() != nil {
		return cancelled, true
	}
	return delivered, false
}

// ShouldClose reports whether Close has been requested.
func (c *Consumer[T]) ShouldClose() bool {
	return c.closeCtx.Err() != nil
}

// Events returns the lifecycle handler.
func (c *Consumer[T]) Events() *Events {
	return c.events
}

// Loop returns the loop callbacks run on.
func (c *Consumer[T]) Loop() *async.Loop {
	return c.loop
}

// Close ends outstanding and future reads with ErrSubscriptionClosed and fires the close event.
func (c *Consumer[T]) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.closeCancel()
	c.events.Close()
	if c.ownsLoop {
		c.loop.Close()
	}
	return nil
}

func (c *Consumer[T]) stopLocked() {
	c.direct = c.newSink()
	c.swapLocked(c.direct)
}

func (c *Consumer[T]) swapLocked(s subscription.Sink[T]) {
	c.current = s
	c.genCancel()
	c.genCtx, c.genCancel = context.WithCancel(c.closeCtx)
}
