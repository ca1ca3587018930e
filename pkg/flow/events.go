package flow

import (
	"context"
	"sync"

	"github.com/coachpo/rtcbot/internal/observability"
	"github.com/coachpo/rtcbot/internal/telemetry"
	"github.com/coachpo/rtcbot/lib/async"
	"github.com/coachpo/rtcbot/pkg/subscription"
)

// Events tracks the ready, error and closed lifecycle of a component and
// notifies listeners on transitions.
type Events struct {
	name     string
	logger   observability.Logger
	loop     *async.Loop
	ownsLoop bool
	in       *instruments
	rep      *reporter

	mu         sync.Mutex
	ready      bool
	readyCh    chan struct{}
	err        error
	errWaiters []*subscription.Event[error]
	closed     bool
	done       chan struct{}
	onReady    registry[struct{}]
	onError    registry[error]
	onClose    registry[struct{}]
}

// NewEvents constructs a lifecycle handler that is not ready, has no error and is open.
func NewEvents(opts ...Option) *Events {
	o := buildOptions("events", opts)
	loop, owns := o.ownLoop()
	in := newInstruments(o.meterProvider, telemetry.ComponentEvents, o.name)
	return &Events{
		name:     o.name,
		logger:   o.logger,
		loop:     loop,
		ownsLoop: owns,
		in:       in,
		rep:      newReporter(o.name, o.logger, in),
		readyCh:  make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// SetReady sets or clears the ready flag. Listeners are notified when it turns true.
func (e *Events) SetReady(ready bool) {
	e.mu.Lock()
	if e.ready == ready {
		e.mu.Unlock()
		return
	}
	e.ready = ready
	var listeners []entry[struct{}]
	if ready {
		close(e.readyCh)
		listeners = e.onReady.snapshot()
	} else {
		e.readyCh = make(chan struct{})
	}
	e.mu.Unlock()

	e.logger.Debug("ready changed", observability.F("name", e.name), observability.F("ready", ready))
	if ready {
		e.in.addTransition("ready")
	} else {
		e.in.addTransition("not_ready")
	}
	for _, l := range listeners {
		deliver(e.dispatcher(), string(l.id), l.target, struct{}{})
	}
}

// SetError records err and notifies error listeners. Nil is ignored; repeated
// calls notify again.
func (e *Events) SetError(err error) {
	if err == nil {
		return
	}
	e.mu.Lock()
	e.err = err
	waiters := e.errWaiters
	e.errWaiters = nil
	listeners := e.onError.snapshot()
	e.mu.Unlock()

	e.logger.Debug("error set", observability.F("name", e.name), observability.F("error", err))
	e.in.addTransition("error")
	for _, w := range waiters {
		w.Receive(err)
	}
	for _, l := range listeners {
		deliver(e.dispatcher(), string(l.id), l.target, err)
	}
}

// Close marks the component closed and notifies close listeners once.
func (e *Events) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.done)
	listeners := e.onClose.snapshot()
	e.mu.Unlock()

	e.in.addTransition("close")
	for _, l := range listeners {
		deliver(e.dispatcher(), string(l.id), l.target, struct{}{})
	}
	if e.ownsLoop {
		e.loop.Close()
	}
}

// Ready reports the ready flag.
func (e *Events) Ready() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ready
}

// Err returns the last error set, or nil.
func (e *Events) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Closed reports whether Close has been called.
func (e *Events) Closed() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// OnReady registers a listener notified each time the component becomes ready.
func (e *Events) OnReady(t Target[struct{}]) (SubscriptionID, error) {
	if err := t.validate(); err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.onReady.add(t), nil
}

// OnError registers a listener notified with every error.
func (e *Events) OnError(t Target[error]) (SubscriptionID, error) {
	if err := t.validate(); err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.onError.add(t), nil
}

// OnClose registers a listener notified when the component closes. Registering
// after close notifies immediately.
func (e *Events) OnClose(t Target[struct{}]) (SubscriptionID, error) {
	if err := t.validate(); err != nil {
		return "", err
	}
	e.mu.Lock()
	id := e.onClose.add(t)
	closed := e.closed
	e.mu.Unlock()
	if closed {
		deliver(e.dispatcher(), string(id), t, struct{}{})
	}
	return id, nil
}

// RemoveListener unregisters a listener from whichever set holds it.
func (e *Events) RemoveListener(id SubscriptionID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.onReady.remove(id); ok {
		return true
	}
	if _, ok := e.onError.remove(id); ok {
		return true
	}
	_, ok := e.onClose.remove(id)
	return ok
}

// ReadyCh returns a channel closed while the component is ready.
func (e *Events) ReadyCh() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.readyCh
}

// WaitReady blocks until the component is ready or ctx ends.
func (e *Events) WaitReady(ctx context.Context) error {
	select {
	case <-e.ReadyCh():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NextError returns a one-shot event fired by the next SetError.
func (e *Events) NextError() *subscription.Event[error] {
	ev := subscription.NewEvent[error]()
	e.mu.Lock()
	e.errWaiters = append(e.errWaiters, ev)
	e.mu.Unlock()
	return ev
}

// Done is closed when the component closes.
func (e *Events) Done() <-chan struct{} {
	return e.done
}

// Wait blocks until the component closes or ctx ends.
func (e *Events) Wait(ctx context.Context) error {
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Loop returns the loop listeners are scheduled on.
func (e *Events) Loop() *async.Loop {
	return e.loop
}

func (e *Events) dispatcher() dispatcher {
	return dispatcher{loop: e.loop, fail: e.rep.fail}
}
