package bridge

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sourcegraph/conc/panics"

	"github.com/coachpo/rtcbot/errs"
	"github.com/coachpo/rtcbot/internal/observability"
	"github.com/coachpo/rtcbot/lib/async"
	"github.com/coachpo/rtcbot/pkg/flow"
)

// thread runs a blocking loop on its own locked OS thread.
type thread struct {
	name     string
	logger   observability.Logger
	metrics  *Metrics
	events   *flow.Events
	loop     *async.Loop
	ownsLoop bool

	stop     chan struct{}
	stopOnce sync.Once
	exited   chan struct{}
}

func newThread(s settings, events *flow.Events, loop *async.Loop, owns bool) *thread {
	return &thread{
		name:     s.name,
		logger:   s.logger,
		metrics:  s.metrics,
		events:   events,
		loop:     loop,
		ownsLoop: owns,
		stop:     make(chan struct{}),
		exited:   make(chan struct{}),
	}
}

func (t *thread) start(run func() error) {
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		defer close(t.exited)

		var (
			catcher panics.Catcher
			err     error
		)
		catcher.Try(func() { err = run() })
		if r := catcher.Recovered(); r != nil {
			err = r.AsError()
		}
		if err != nil && !errors.Is(err, flow.ErrSubscriptionClosed) {
			fault := errs.New("bridge/thread", errs.CodeBridgeFault,
				errs.WithMessage("thread loop failed"),
				errs.WithField("bridge", t.name),
				errs.WithCause(err))
			t.logger.Error("bridge thread failed", observability.F("bridge", t.name), observability.F("error", err))
			t.metrics.ObserveFault(t.name)
			t.setError(fault)
		}
		t.setReady(false)
	}()
}

func (t *thread) setReady(ready bool) {
	t.metrics.SetReady(t.name, ready)
	onLoop(t.loop, func() { t.events.SetReady(ready) })
}

func (t *thread) setError(err error) {
	onLoop(t.loop, func() { t.events.SetError(err) })
}

func (t *thread) requestStop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *thread) shouldClose() bool {
	select {
	case <-t.stop:
		return true
	default:
		return false
	}
}

func (t *thread) join() {
	<-t.exited
	if t.ownsLoop {
		t.loop.Close()
		<-t.loop.Done()
	}
}

// ProducerThread is the handle a threaded producer's loop uses to talk to the flow side.
type ProducerThread[T any] struct {
	p *ThreadedProducer[T]
}

// Put publishes v. The handoff goes through the loop, so values are fanned out in Put order.
func (h *ProducerThread[T]) Put(v T) {
	p := h.p.Producer
	onLoop(h.p.t.loop, func() { p.Publish(v) })
}

// SetReady reports readiness.
func (h *ProducerThread[T]) SetReady(ready bool) { h.p.t.setReady(ready) }

// SetError reports a non-fatal error.
func (h *ProducerThread[T]) SetError(err error) { h.p.t.setError(err) }

// ShouldClose reports whether the loop should return.
func (h *ProducerThread[T]) ShouldClose() bool { return h.p.t.shouldClose() }

// Done is closed when the loop should return.
func (h *ProducerThread[T]) Done() <-chan struct{} { return h.p.t.stop }

// Close asks the producer to close from inside its own loop. It does not wait.
func (h *ProducerThread[T]) Close() {
	h.p.t.requestStop()
	_ = h.p.Producer.Close()
}

// ProducerLoop is the blocking body of a threaded producer. It should call
// SetReady(true) once initialized and return when ShouldClose reports true.
type ProducerLoop[T any] func(t *ProducerThread[T]) error

// ThreadedProducer runs a blocking loop on a dedicated OS thread and publishes what it puts.
type ThreadedProducer[T any] struct {
	*flow.Producer[T]
	t *thread
}

// NewThreadedProducer starts run on a new thread.
func NewThreadedProducer[T any](run ProducerLoop[T], opts ...Option) *ThreadedProducer[T] {
	s := buildSettings("threaded-producer", opts)
	flowOpts, loop, owns := s.flowOptions()
	p := &ThreadedProducer[T]{Producer: flow.NewProducer[T](flowOpts...)}
	p.t = newThread(s, p.Producer.Events(), loop, owns)
	handle := &ProducerThread[T]{p: p}
	p.t.start(func() error { return run(handle) })
	return p
}

// Close closes the producer and blocks until the thread has exited.
func (p *ThreadedProducer[T]) Close() error {
	p.t.requestStop()
	err := p.Producer.Close()
	p.t.join()
	return err
}

// Exited is closed once the thread has returned.
func (p *ThreadedProducer[T]) Exited() <-chan struct{} { return p.t.exited }

// ConsumerThread is the handle a threaded consumer's loop uses to read.
type ConsumerThread[T any] struct {
	c *ThreadedConsumer[T]
}

// Get blocks until the next value arrives. It wakes every poll interval to
// re-check for close and returns flow.ErrSubscriptionClosed once closed.
func (h *ConsumerThread[T]) Get() (T, error) {
	c := h.c
	for {
		if c.t.shouldClose() {
			var zero T
			return zero, flow.ErrSubscriptionClosed
		}
		ctx, cancel := c.clk.WithTimeout(context.Background(), c.poll)
		v, err := c.Consumer.Next(ctx)
		cancel()
		if err == nil {
			return v, nil
		}
		if errors.Is(err, context.DeadlineExceeded) {
			continue
		}
		return v, err
	}
}

// SetReady reports readiness.
func (h *ConsumerThread[T]) SetReady(ready bool) { h.c.t.setReady(ready) }

// SetError reports a non-fatal error.
func (h *ConsumerThread[T]) SetError(err error) { h.c.t.setError(err) }

// ShouldClose reports whether the loop should return.
func (h *ConsumerThread[T]) ShouldClose() bool { return h.c.t.shouldClose() }

// Done is closed when the loop should return.
func (h *ConsumerThread[T]) Done() <-chan struct{} { return h.c.t.stop }

// ConsumerLoop is the blocking body of a threaded consumer.
type ConsumerLoop[T any] func(t *ConsumerThread[T]) error

// ThreadedConsumer runs a blocking loop on a dedicated OS thread that reads the consumer's subscription.
type ThreadedConsumer[T any] struct {
	*flow.Consumer[T]
	t    *thread
	clk  clock.Clock
	poll time.Duration
}

// NewThreadedConsumer starts run on a new thread.
func NewThreadedConsumer[T any](run ConsumerLoop[T], opts ...Option) *ThreadedConsumer[T] {
	s := buildSettings("threaded-consumer", opts)
	flowOpts, loop, owns := s.flowOptions()
	c := &ThreadedConsumer[T]{
		Consumer: flow.NewConsumer[T](flowOpts...),
		clk:      s.clk,
		poll:     s.pollInterval,
	}
	c.t = newThread(s, c.Consumer.Events(), loop, owns)
	handle := &ConsumerThread[T]{c: c}
	c.t.start(func() error { return run(handle) })
	return c
}

// Close closes the consumer, which unwinds a blocked Get, and blocks until the thread has exited.
func (c *ThreadedConsumer[T]) Close() error {
	c.t.requestStop()
	err := c.Consumer.Close()
	c.t.join()
	return err
}

// Exited is closed once the thread has returned.
func (c *ThreadedConsumer[T]) Exited() <-chan struct{} { return c.t.exited }
