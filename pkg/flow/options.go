package flow

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/rtcbot/internal/observability"
	"github.com/coachpo/rtcbot/lib/async"
	"github.com/coachpo/rtcbot/pkg/subscription"
)

// Option configures producers, consumers, duplexes and lifecycle events.
type Option func(*options)

type options struct {
	name          string
	logger        observability.Logger
	loop          *async.Loop
	meterProvider metric.MeterProvider
	events        *Events
	sinkFactory   any
	autoSubscribe bool
	consumerOpts  []Option
}

// WithName labels logs and metrics.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithLoop sets the loop callbacks are scheduled on. Without it each component
// starts a private loop and closes it on Close.
func WithLoop(loop *async.Loop) Option {
	return func(o *options) { o.loop = loop }
}

// WithMeterProvider sets the OpenTelemetry meter provider. Defaults to the global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) { o.meterProvider = mp }
}

// WithEvents shares an existing lifecycle handler instead of creating one.
func WithEvents(ev *Events) Option {
	return func(o *options) { o.events = ev }
}

// WithSinkFactory sets how default subscriptions are built. T must match the
// element type of the component it is passed to: NewProducer and NewConsumer
// panic on a mismatch. On a Duplex it applies to the producing half; pass it
// through WithConsumerOptions for the consuming half.
func WithSinkFactory[T any](factory func() subscription.Sink[T]) Option {
	return func(o *options) {
		if factory != nil {
			o.sinkFactory = factory
		}
	}
}

// WithAutoSubscribe creates the default subscription at construction so values
// published before the first Get are kept.
func WithAutoSubscribe() Option {
	return func(o *options) { o.autoSubscribe = true }
}

// WithConsumerOptions passes options to the consuming half of a Duplex only.
func WithConsumerOptions(opts ...Option) Option {
	return func(o *options) { o.consumerOpts = append(o.consumerOpts, opts...) }
}

func buildOptions(defaultName string, opts []Option) options {
	o := options{name: defaultName, logger: observability.Log()}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// ownLoop returns the configured loop, or a new one the caller owns.
func (o options) ownLoop() (*async.Loop, bool) {
	if o.loop != nil {
		return o.loop, false
	}
	return async.NewLoop(async.WithName(o.name), async.WithLogger(o.logger)), true
}

func sinkFactory[T any](o options) func() subscription.Sink[T] {
	if o.sinkFactory == nil {
		return func() subscription.Sink[T] { return subscription.NewQueue[T](0) }
	}
	f, ok := o.sinkFactory.(func() subscription.Sink[T])
	if !ok {
		panic(fmt.Sprintf("flow: sink factory %T does not build sinks of the component's element type", o.sinkFactory))
	}
	return f
}
