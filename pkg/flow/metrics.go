package flow

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/rtcbot/internal/telemetry"
)

type instruments struct {
	published   metric.Int64Counter
	fanout      metric.Int64Histogram
	subscribers metric.Int64UpDownCounter
	failures    metric.Int64Counter
	lifecycle   metric.Int64Counter
	attrs       metric.MeasurementOption
}

func newInstruments(mp metric.MeterProvider, component, name string) *instruments {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter("github.com/coachpo/rtcbot/pkg/flow")
	in := &instruments{
		attrs: metric.WithAttributes(telemetry.ComponentAttributes(component, name)...),
	}
	in.published, _ = meter.Int64Counter("flow.values.published",
		metric.WithDescription("Number of values published"),
		metric.WithUnit("{value}"))
	in.fanout, _ = meter.Int64Histogram("flow.publish.fanout",
		metric.WithDescription("Number of targets per publish"),
		metric.WithUnit("{target}"))
	in.subscribers, _ = meter.Int64UpDownCounter("flow.subscribers",
		metric.WithDescription("Number of registered subscription targets"),
		metric.WithUnit("{subscriber}"))
	in.failures, _ = meter.Int64Counter("flow.delivery.failures",
		metric.WithDescription("Number of deliveries that panicked, errored or could not be scheduled"),
		metric.WithUnit("{failure}"))
	in.lifecycle, _ = meter.Int64Counter("flow.lifecycle.transitions",
		metric.WithDescription("Number of ready, error and close transitions"),
		metric.WithUnit("{transition}"))
	return in
}

func (in *instruments) recordPublish(targets int) {
	if in == nil || in.published == nil {
		return
	}
	ctx := context.Background()
	in.published.Add(ctx, 1, in.attrs)
	if in.fanout != nil {
		in.fanout.Record(ctx, int64(targets), in.attrs)
	}
}

func (in *instruments) addSubscribers(n int) {
	if in == nil || in.subscribers == nil || n == 0 {
		return
	}
	in.subscribers.Add(context.Background(), int64(n), in.attrs)
}

func (in *instruments) addFailure() {
	if in == nil || in.failures == nil {
		return
	}
	in.failures.Add(context.Background(), 1, in.attrs)
}

func (in *instruments) addTransition(kind string) {
	if in == nil || in.lifecycle == nil {
		return
	}
	in.lifecycle.Add(context.Background(), 1, in.attrs,
		metric.WithAttributes(telemetry.AttrTransition.String(kind)))
}
