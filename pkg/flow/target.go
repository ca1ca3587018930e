package flow

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/panics"

	"github.com/coachpo/rtcbot/errs"
	"github.com/coachpo/rtcbot/lib/async"
	"github.com/coachpo/rtcbot/pkg/subscription"
)

// ErrSubscriptionClosed is returned by reads on a closed producer or consumer.
// Consumer loops treat it as the signal to unwind.
var ErrSubscriptionClosed = errors.New("subscription closed")

// ErrInvalidTarget is returned when a target cannot be registered or installed.
var ErrInvalidTarget = errs.New("flow", errs.CodeInvalid, errs.WithMessage("invalid subscription target"))

// SubscriptionID identifies a registered target on a producer.
type SubscriptionID string

func newSubscriptionID() SubscriptionID {
	return SubscriptionID("sub-" + uuid.NewString())
}

// TargetKind distinguishes the delivery mechanism of a Target.
type TargetKind int

const (
	// KindSink delivers inline through Sink.Receive.
	KindSink TargetKind = iota + 1
	// KindFunc schedules a plain callback on the loop.
	KindFunc
	// KindAsync runs the callback as an independent task.
	KindAsync
)

func (k TargetKind) String() string {
	switch k {
	case KindSink:
		return "sink"
	case KindFunc:
		return "func"
	case KindAsync:
		return "async"
	default:
		return "unknown"
	}
}

// Target is something a producer or lifecycle event delivers values to.
// Build one with SinkTarget, FuncTarget or AsyncTarget.
type Target[T any] struct {
	kind  TargetKind
	sink  subscription.Sink[T]
	fn    func(T)
	async func(context.Context, T) error
}

// SinkTarget delivers into s.
func SinkTarget[T any](s subscription.Sink[T]) Target[T] {
	return Target[T]{kind: KindSink, sink: s}
}

// FuncTarget calls fn on the loop for every value.
func FuncTarget[T any](fn func(T)) Target[T] {
	return Target[T]{kind: KindFunc, fn: fn}
}

// AsyncTarget runs fn as its own task for every value. Returned errors are logged.
func AsyncTarget[T any](fn func(context.Context, T) error) Target[T] {
	return Target[T]{kind: KindAsync, async: fn}
}

// Kind reports the delivery mechanism.
func (t Target[T]) Kind() TargetKind { return t.kind }

// Sink returns the sink of a KindSink target.
func (t Target[T]) Sink() subscription.Sink[T] { return t.sink }

func (t Target[T]) validate() error {
	switch t.kind {
	case KindSink:
		return validSink(t.sink)
	case KindFunc:
		if t.fn == nil {
			return fmt.Errorf("%w: nil callback", ErrInvalidTarget)
		}
	case KindAsync:
		if t.async == nil {
			return fmt.Errorf("%w: nil async callback", ErrInvalidTarget)
		}
	default:
		return fmt.Errorf("%w: zero target", ErrInvalidTarget)
	}
	return nil
}

func validSink[T any](s subscription.Sink[T]) error {
	if s == nil {
		return fmt.Errorf("%w: nil sink", ErrInvalidTarget)
	}
	rv := reflect.ValueOf(s)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Chan, reflect.Func, reflect.Interface, reflect.Slice:
		if rv.IsNil() {
			return fmt.Errorf("%w: nil %T", ErrInvalidTarget, s)
		}
	}
	if !rv.Type().Comparable() {
		return fmt.Errorf("%w: %T is not comparable", ErrInvalidTarget, s)
	}
	return nil
}

// dispatcher carries what delivering to a target needs.
type dispatcher struct {
	loop *async.Loop
	fail func(id string, err error)
}

func deliver[T any](d dispatcher, id string, t Target[T], v T) {
	switch t.kind {
	case KindSink:
		d.guard(id, func() { t.sink.Receive(v) })
	case KindFunc:
		fn := t.fn
		if err := d.loop.Call(func() { d.guard(id, func() { fn(v) }) }); err != nil {
			d.fail(id, err)
		}
	case KindAsync:
		fn := t.async
		err := d.loop.Go(func(ctx context.Context) {
			d.guard(id, func() {
				if err := fn(ctx, v); err != nil {
					d.fail(id, err)
				}
			})
		})
		if err != nil {
			d.fail(id, err)
		}
	}
}

func (d dispatcher) guard(id string, fn func()) {
	var catcher panics.Catcher
	catcher.Try(fn)
	if r := catcher.Recovered(); r != nil {
		d.fail(id, r.AsError())
	}
}
