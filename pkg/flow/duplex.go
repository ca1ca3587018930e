package flow

import (
	"context"

	"go.uber.org/multierr"

	"github.com/coachpo/rtcbot/lib/async"
	"github.com/coachpo/rtcbot/pkg/subscription"
)

// Duplex is both a consumer of In and a producer of Out, sharing one
// lifecycle and one loop.
type Duplex[In, Out any] struct {
	consumer *Consumer[In]
	producer *Producer[Out]
	events   *Events
	loop     *async.Loop
	ownsLoop bool
}

// NewDuplex constructs a composite. Options configure the producing half;
// WithConsumerOptions adds options that only apply to the consuming half.
func NewDuplex[In, Out any](opts ...Option) *Duplex[In, Out] {
	o := buildOptions("duplex", opts)
	loop, owns := o.ownLoop()
	events := o.events
	if events == nil {
		events = NewEvents(WithName(o.name), WithLogger(o.logger), WithLoop(loop), WithMeterProvider(o.meterProvider))
	}
	shared := []Option{
		WithName(o.name),
		WithLogger(o.logger),
		WithLoop(loop),
		WithMeterProvider(o.meterProvider),
		WithEvents(events),
	}
	producerOpts := append(append([]Option{}, opts...), shared...)
	cOpts := append(append([]Option{}, o.consumerOpts...), shared...)
	return &Duplex[In, Out]{
		consumer: NewConsumer[In](cOpts...),
		producer: NewProducer[Out](producerOpts...),
		events:   events,
		loop:     loop,
		ownsLoop: owns,
	}
}

// Consumer returns the consuming half.
func (d *Duplex[In, Out]) Consumer() *Consumer[In] { return d.consumer }

// Producer returns the producing half.
func (d *Duplex[In, Out]) Producer() *Producer[Out] { return d.producer }

// Events returns the shared lifecycle handler.
func (d *Duplex[In, Out]) Events() *Events { return d.events }

// Put inserts v into the consuming half.
func (d *Duplex[In, Out]) Put(v In) { d.consumer.Put(v) }

// PutSubscription installs s as the consuming half's subscription.
func (d *Duplex[In, Out]) PutSubscription(s subscription.Sink[In]) error {
	return d.consumer.PutSubscription(s)
}

// Stop reverts the consuming half to its private default.
func (d *Duplex[In, Out]) Stop() { d.consumer.Stop() }

// Next reads the consuming half.
func (d *Duplex[In, Out]) Next(ctx context.Context) (In, error) { return d.consumer.Next(ctx) }

// Publish emits v from the producing half.
func (d *Duplex[In, Out]) Publish(v Out) { d.producer.Publish(v) }

// Subscribe registers a default sink on the producing half.
func (d *Duplex[In, Out]) Subscribe() (SubscriptionID, subscription.Sink[Out]) {
	return d.producer.Subscribe()
}

// Attach registers t on the producing half.
func (d *Duplex[In, Out]) Attach(t Target[Out]) (SubscriptionID, error) {
	return d.producer.Attach(t)
}

// Unsubscribe removes a target from the producing half.
func (d *Duplex[In, Out]) Unsubscribe(id SubscriptionID) { d.producer.Unsubscribe(id) }

// Get reads the producing half's default subscription.
func (d *Duplex[In, Out]) Get(ctx context.Context) (Out, error) { return d.producer.Get(ctx) }

// ShouldClose reports whether Close has been requested on either half.
func (d *Duplex[In, Out]) ShouldClose() bool {
	return d.consumer.ShouldClose() || d.producer.ShouldClose()
}

// Close closes both halves.
func (d *Duplex[In, Out]) Close() error {
	err := multierr.Combine(d.consumer.Close(), d.producer.Close())
	if d.ownsLoop {
		d.loop.Close()
	}
	return err
}
