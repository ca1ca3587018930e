package flow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/coachpo/rtcbot/pkg/subscription"
)

type nextResult struct {
	v   int
	err error
}

func nextAsync(ctx context.Context, c *Consumer[int]) <-chan nextResult {
	out := make(chan nextResult, 1)
	go func() {
		v, err := c.Next(ctx)
		out <- nextResult{v: v, err: err}
	}()
	return out
}

func TestConsumerPutAndNext(t *testing.T) {
	c := NewConsumer[int]()
	defer c.Close()

	c.Put(1)
	c.Put(2)
	for _, want := range []int{1, 2} {
		v, err := c.Next(testCtx(t))
		require.NoError(t, err)
		require.Equal(t, want, v)
	}
	require.Nil(t, c.Subscription())
}

func TestConsumerSwapRestartsWaitOnNewSubscription(t *testing.T) {
	c := NewConsumer[int]()
	defer c.Close()

	first := subscription.NewQueue[int](0)
	require.NoError(t, c.PutSubscription(first))
	res := nextAsync(testCtx(t), c)
	time.Sleep(20 * time.Millisecond)

	second := subscription.NewQueue[int](0)
	require.NoError(t, c.PutSubscription(second))
	first.Receive(1)
	second.Receive(2)

	r := <-res
	require.NoError(t, r.err)
	require.Equal(t, 2, r.v)
	require.Same(t, second, c.Subscription())

	// The abandoned subscription kept its value.
	require.Equal(t, 1, first.Len())
}

func TestConsumerSwapToSameSubscriptionIsNoop(t *testing.T) {
	c := NewConsumer[int]()
	defer c.Close()

	q := subscription.NewQueue[int](0)
	require.NoError(t, c.PutSubscription(q))
	res := nextAsync(testCtx(t), c)
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, c.PutSubscription(q))
	q.Receive(3)
	r := <-res
	require.NoError(t, r.err)
	require.Equal(t, 3, r.v)
}

func TestConsumerPutAfterSubscriptionStops(t *testing.T) {
	c := NewConsumer[int]()
	defer c.Close()

	external := subscription.NewQueue[int](0)
	require.NoError(t, c.PutSubscription(external))
	res := nextAsync(testCtx(t), c)
	time.Sleep(10 * time.Millisecond)

	c.Put(7)
	r := <-res
	require.NoError(t, r.err)
	require.Equal(t, 7, r.v)
	require.Nil(t, c.Subscription())
}

func TestConsumerStopRevertsToFreshDefault(t *testing.T) {
	c := NewConsumer[int]()
	defer c.Close()

	c.Put(1)
	c.Stop()
	_, err := c.Next(shortCtx(t))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConsumerCloseEndsWait(t *testing.T) {
	defer goleak.VerifyNone(t)
	c := NewConsumer[int]()
	res := nextAsync(testCtx(t), c)
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, c.Close())
	r := <-res
	require.ErrorIs(t, r.err, ErrSubscriptionClosed)

	_, err := c.Next(testCtx(t))
	require.ErrorIs(t, err, ErrSubscriptionClosed)
	require.ErrorIs(t, c.PutSubscription(subscription.NewQueue[int](0)), ErrSubscriptionClosed)
	require.NoError(t, c.Close())
	<-c.Loop().Done()
}

func TestConsumerCallerCancellationIsReturned(t *testing.T) {
	c := NewConsumer[int]()
	defer c.Close()

	_, err := c.Next(shortCtx(t))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	c.Put(4)
	v, err := c.Next(testCtx(t))
	require.NoError(t, err)
	require.Equal(t, 4, v)
}

type failingSink struct{ err error }

func (f *failingSink) Receive(int) {}
func (f *failingSink) Next(context.Context) (int, error) {
	return 0, f.err
}

func TestConsumerParksOnFailingSubscriptionUntilSwap(t *testing.T) {
	c := NewConsumer[int]()
	defer c.Close()

	require.NoError(t, c.PutSubscription(&failingSink{err: errors.New("upstream broke")}))
	res := nextAsync(testCtx(t), c)

	select {
	case r := <-res:
		t.Fatalf("wait should park on failing subscription, got %+v", r)
	case <-time.After(30 * time.Millisecond):
	}

	c.Put(8)
	r := <-res
	require.NoError(t, r.err)
	require.Equal(t, 8, r.v)
}

func TestConsumerCloseWinsOverSwap(t *testing.T) {
	for i := 0; i < 50; i++ {
		c := NewConsumer[int]()
		res := nextAsync(testCtx(t), c)
		time.Sleep(time.Millisecond)
		go func() { _ = c.PutSubscription(subscription.NewQueue[int](0)) }()
		require.NoError(t, c.Close())
		r := <-res
		require.ErrorIs(t, r.err, ErrSubscriptionClosed)
	}
}

func TestConsumerRejectsInvalidSubscription(t *testing.T) {
	c := NewConsumer[int]()
	defer c.Close()
	require.ErrorIs(t, c.PutSubscription(nil), ErrInvalidTarget)
}

func TestConsumerReadsFromProducerSubscription(t *testing.T) {
	p := NewProducer[string]()
	defer p.Close()
	c := NewConsumer[string]()
	defer c.Close()

	_, s := p.Subscribe()
	require.NoError(t, c.PutSubscription(s))
	p.Publish("hello")
	v, err := c.Next(testCtx(t))
	require.NoError(t, err)
	require.Equal(t, "hello", v)
}
