package flow

import (
	"context"
	"sync"

	"github.com/coachpo/rtcbot/internal/observability"
	"github.com/coachpo/rtcbot/internal/telemetry"
	"github.com/coachpo/rtcbot/lib/async"
	"github.com/coachpo/rtcbot/pkg/subscription"
)

// Producer fans every published value out to its registered targets.
//
// Sinks receive inline in registration order, plain callbacks are scheduled
// on the loop and async callbacks run as independent tasks. A failing
// callback is logged and counted; it never stops delivery to other targets
// and never sets the producer's error.
type Producer[T any] struct {
	name     string
	logger   observability.Logger
	loop     *async.Loop
	ownsLoop bool
	newSink  func() subscription.Sink[T]
	events   *Events
	in       *instruments
	rep      *reporter

	closeCtx    context.Context
	closeCancel context.CancelFunc

	mu          sync.RWMutex
	targets     registry[T]
	defaultID   SubscriptionID
	defaultSink subscription.Sink[T]
	closed      bool
}

// NewProducer constructs a producer. The default sink type is an unbounded
// queue. It panics if WithSinkFactory was given a factory for another type.
func NewProducer[T any](opts ...Option) *Producer[T] {
	o := buildOptions("producer", opts)
	newSink := sinkFactory[T](o)
	loop, owns := o.ownLoop()
	events := o.events
	if events == nil {
		events = NewEvents(WithName(o.name), WithLogger(o.logger), WithLoop(loop), WithMeterProvider(o.meterProvider))
	}
	in := newInstruments(o.meterProvider, telemetry.ComponentProducer, o.name)
	ctx, cancel := context.WithCancel(context.Background())
	p := &Producer[T]{
		name:        o.name,
		logger:      o.logger,
		loop:        loop,
		ownsLoop:    owns,
		newSink:     newSink,
		events:      events,
		in:          in,
		rep:         newReporter(o.name, o.logger, in),
		closeCtx:    ctx,
		closeCancel: cancel,
	}
	if o.autoSubscribe {
		p.mu.Lock()
		p.ensureDefaultLocked()
		p.mu.Unlock()
	}
	return p
}

// Subscribe registers a new sink built by the producer's sink factory.
func (p *Producer[T]) Subscribe() (SubscriptionID, subscription.Sink[T]) {
	s := p.newSink()
	id, _ := p.Attach(SinkTarget(s))
	return id, s
}

// Attach registers t. Invalid targets are rejected with ErrInvalidTarget.
// Attaching to a closed producer succeeds but the target never receives anything.
func (p *Producer[T]) Attach(t Target[T]) (SubscriptionID, error) {
	if err := t.validate(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return newSubscriptionID(), nil
	}
	id := p.targets.add(t)
	p.in.addSubscribers(1)
	return id, nil
}

// Unsubscribe removes a target. The empty id removes the default subscription.
// Unknown ids are ignored.
func (p *Producer[T]) Unsubscribe(id SubscriptionID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id == "" {
		if p.defaultSink == nil {
			return
		}
		id = p.defaultID
	}
	if _, ok := p.targets.remove(id); !ok {
		return
	}
	if id == p.defaultID {
		p.defaultID = ""
		p.defaultSink = nil
	}
	p.in.addSubscribers(-1)
}

// UnsubscribeAll removes every target, including the default subscription.
func (p *Producer[T]) UnsubscribeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.targets.clear()
	p.defaultID = ""
	p.defaultSink = nil
	p.in.addSubscribers(-n)
}

// Get returns the next value from the default subscription, creating it on first use.
// It returns ErrSubscriptionClosed once the producer is closed.
func (p *Producer[T]) Get(ctx context.Context) (T, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		var zero T
		return zero, ErrSubscriptionClosed
	}
	s := p.ensureDefaultLocked()
	p.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(p.closeCtx, cancel)
	defer stop()

	v, err := s.Next(ctx)
	if err != nil {
		if p.closeCtx.Err() != nil {
			return v, ErrSubscriptionClosed
		}
		return v, err
	}
	return v, nil
}

// Publish delivers v to every registered target. Publishing on a closed producer is a no-op.
func (p *Producer[T]) Publish(v T) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return
	}
	targets := p.targets.snapshot()
	p.mu.RUnlock()

	p.in.recordPublish(len(targets))
	d := dispatcher{loop: p.loop, fail: p.rep.fail}
	for _, e := range targets {
		deliver(d, string(e.id), e.target, v)
	}
}

// DelayedSubscribe returns a sink that subscribes inner to this producer on its first read.
// A nil inner uses the producer's sink factory.
func (p *Producer[T]) DelayedSubscribe(inner subscription.Sink[T]) *subscription.Delayed[T] {
	if inner == nil {
		inner = p.newSink()
	}
	return subscription.NewDelayed(inner, func(s subscription.Sink[T]) func() {
		id, err := p.Attach(SinkTarget(s))
		if err != nil {
			p.logger.Error("delayed subscribe failed", observability.F("name", p.name), observability.F("error", err))
			return nil
		}
		return func() { p.Unsubscribe(id) }
	})
}

// Subscribers returns the number of registered targets.
func (p *Producer[T]) Subscribers() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.targets.len()
}

// ShouldClose reports whether Close has been requested.
func (p *Producer[T]) ShouldClose() bool {
	return p.closeCtx.Err() != nil
}

// Events returns the lifecycle handler.
func (p *Producer[T]) Events() *Events {
	return p.events
}

// Loop returns the loop callbacks run on.
func (p *Producer[T]) Loop() *async.Loop {
	return p.loop
}

// Close detaches every target, wakes pending Get calls and fires the close event.
// It is safe to call more than once.
func (p *Producer[T]) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	n := p.targets.clear()
	p.defaultID = ""
	p.defaultSink = nil
	p.mu.Unlock()

	p.in.addSubscribers(-n)
	p.closeCancel()
	p.events.Close()
	if p.ownsLoop {
		p.loop.Close()
	}
	return nil
}

func (p *Producer[T]) ensureDefaultLocked() subscription.Sink[T] {
	if p.defaultSink != nil {
		return p.defaultSink
	}
	s := p.newSink()
	p.defaultID = p.targets.add(SinkTarget(s))
	p.defaultSink = s
	p.in.addSubscribers(1)
	return s
}
