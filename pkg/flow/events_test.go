package flow

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/metric"

	"github.com/coachpo/rtcbot/pkg/subscription"
)

func TestEventsReadyNotifiesOnTransition(t *testing.T) {
	loop := newLoop(t)
	ev := NewEvents(WithLoop(loop))
	defer ev.Close()

	var calls atomic.Int32
	_, err := ev.OnReady(FuncTarget(func(struct{}) { calls.Add(1) }))
	require.NoError(t, err)
	sink := subscription.NewQueue[struct{}](0)
	_, err = ev.OnReady(SinkTarget[struct{}](sink))
	require.NoError(t, err)

	ev.SetReady(true)
	ev.SetReady(true)
	require.NoError(t, loop.Flush(testCtx(t)))
	require.EqualValues(t, 1, calls.Load())
	require.Equal(t, 1, sink.Len())
	require.True(t, ev.Ready())

	ev.SetReady(false)
	require.False(t, ev.Ready())
	require.NoError(t, loop.Flush(testCtx(t)))
	require.EqualValues(t, 1, calls.Load())

	ev.SetReady(true)
	require.NoError(t, loop.Flush(testCtx(t)))
	require.EqualValues(t, 2, calls.Load())
}

func TestEventsWaitReady(t *testing.T) {
	ev := NewEvents()
	defer ev.Close()

	require.ErrorIs(t, ev.WaitReady(shortCtx(t)), context.DeadlineExceeded)
	go func() {
		time.Sleep(10 * time.Millisecond)
		ev.SetReady(true)
	}()
	require.NoError(t, ev.WaitReady(testCtx(t)))

	ev.SetReady(false)
	require.ErrorIs(t, ev.WaitReady(shortCtx(t)), context.DeadlineExceeded)
}

func TestEventsErrorRenotifies(t *testing.T) {
	loop := newLoop(t)
	ev := NewEvents(WithLoop(loop))
	defer ev.Close()

	errs := subscription.NewQueue[error](0)
	_, err := ev.OnError(SinkTarget[error](errs))
	require.NoError(t, err)
	next := ev.NextError()

	ev.SetError(nil)
	require.False(t, next.Fired())

	first, second := errors.New("first"), errors.New("second")
	ev.SetError(first)
	ev.SetError(second)
	require.Equal(t, 2, errs.Len())
	require.Same(t, second, ev.Err())

	got, err := next.Next(testCtx(t))
	require.NoError(t, err)
	require.Same(t, first, got)

	later := ev.NextError()
	require.False(t, later.Fired())
}

func TestEventsCloseOnce(t *testing.T) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	loop := newLoop(t)
	ev := NewEvents(WithLoop(loop), WithMeterProvider(mp))

	var closes atomic.Int32
	_, err := ev.OnClose(FuncTarget(func(struct{}) { closes.Add(1) }))
	require.NoError(t, err)

	ev.Close()
	ev.Close()
	require.True(t, ev.Closed())
	require.NoError(t, ev.Wait(testCtx(t)))

	_, err = ev.OnClose(FuncTarget(func(struct{}) { closes.Add(1) }))
	require.NoError(t, err)
	require.NoError(t, loop.Flush(testCtx(t)))
	require.EqualValues(t, 2, closes.Load())
	require.EqualValues(t, 1, sumValue(t, reader, "flow.lifecycle.transitions"))
}

func TestEventsRemoveListener(t *testing.T) {
	loop := newLoop(t)
	ev := NewEvents(WithLoop(loop))
	defer ev.Close()

	var calls atomic.Int32
	id, err := ev.OnError(FuncTarget(func(error) { calls.Add(1) }))
	require.NoError(t, err)
	require.True(t, ev.RemoveListener(id))
	require.False(t, ev.RemoveListener(id))

	ev.SetError(errors.New("ignored"))
	require.NoError(t, loop.Flush(testCtx(t)))
	require.Zero(t, calls.Load())

	_, err = ev.OnReady(FuncTarget[struct{}](nil))
	require.ErrorIs(t, err, ErrInvalidTarget)
}

func TestEventsAsyncListener(t *testing.T) {
	ev := NewEvents()
	defer ev.Close()

	got := make(chan error, 1)
	_, err := ev.OnError(AsyncTarget(func(_ context.Context, e error) error {
		got <- e
		return nil
	}))
	require.NoError(t, err)
	boom := errors.New("boom")
	ev.SetError(boom)
	select {
	case e := <-got:
		require.Same(t, boom, e)
	case <-time.After(time.Second):
		t.Fatal("async listener not called")
	}
}
