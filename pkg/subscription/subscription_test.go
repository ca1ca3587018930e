package subscription

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func timeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func expired(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	t.Cleanup(cancel)
	return ctx
}

func TestQueuePreservesOrder(t *testing.T) {
	q := NewQueue[int](0)
	for i := 0; i < 1000; i++ {
		q.Receive(i)
	}
	for i := 0; i < 1000; i++ {
		v, err := q.Next(timeout(t))
		require.NoError(t, err)
		require.Equal(t, i, v)
	}
	require.Zero(t, q.Len())
}

func TestQueueBoundedDropsOldest(t *testing.T) {
	q := NewQueue[int](3)
	for i := 1; i <= 10; i++ {
		q.Receive(i)
	}
	require.Equal(t, 3, q.Len())
	require.EqualValues(t, 7, q.Dropped())
	for _, want := range []int{8, 9, 10} {
		v, err := q.Next(timeout(t))
		require.NoError(t, err)
		require.Equal(t, want, v)
	}
}

func TestQueueNextBlocksUntilReceive(t *testing.T) {
	q := NewQueue[string](0)
	got := make(chan string, 1)
	go func() {
		v, err := q.Next(timeout(t))
		if err == nil {
			got <- v
		}
	}()
	time.Sleep(20 * time.Millisecond)
	q.Receive("hello")
	select {
	case v := <-got:
		require.Equal(t, "hello", v)
	case <-time.After(time.Second):
		t.Fatal("Next did not wake up")
	}
}

func TestQueueCancelledNextConsumesNothing(t *testing.T) {
	q := NewQueue[int](0)
	_, err := q.Next(expired(t))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	q.Receive(42)
	v, err := q.Next(timeout(t))
	require.NoError(t, err)
	require.Equal(t, 42, v)
}

func TestQueueConcurrentReadersGetEveryValueOnce(t *testing.T) {
	q := NewQueue[int](0)
	const total = 2000
	var (
		mu   sync.Mutex
		seen = make(map[int]int, total)
		wg   sync.WaitGroup
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				v, err := q.Next(ctx)
				if err != nil {
					return
				}
				mu.Lock()
				seen[v]++
				done := len(seen) == total
				mu.Unlock()
				if done {
					cancel()
				}
			}
		}()
	}
	for i := 0; i < total; i++ {
		q.Receive(i)
	}
	wg.Wait()
	require.Len(t, seen, total)
	for _, n := range seen {
		require.Equal(t, 1, n)
	}
}

func TestMostRecentCoalesces(t *testing.T) {
	m := NewMostRecent[int]()
	m.Receive(1)
	m.Receive(2)
	m.Receive(3)

	v, err := m.Next(timeout(t))
	require.NoError(t, err)
	require.Equal(t, 3, v)
	require.EqualValues(t, 2, m.Dropped())

	_, err = m.Next(expired(t))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMostRecentWakesWaiter(t *testing.T) {
	m := NewMostRecent[string]()
	got := make(chan string, 1)
	go func() {
		v, _ := m.Next(timeout(t))
		got <- v
	}()
	time.Sleep(10 * time.Millisecond)
	m.Receive("frame")
	require.Equal(t, "frame", <-got)
}

func TestEventFiresOnce(t *testing.T) {
	e := NewEvent[error]()
	require.False(t, e.Fired())

	_, err := e.Next(expired(t))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	first := errors.New("first")
	e.Receive(first)
	e.Receive(errors.New("second"))
	require.True(t, e.Fired())

	for i := 0; i < 3; i++ {
		v, err := e.Next(timeout(t))
		require.NoError(t, err)
		require.Same(t, first, v)
	}
	select {
	case <-e.Done():
	default:
		t.Fatal("done channel should be closed")
	}
}

func TestDelayedSubscribesOnFirstNext(t *testing.T) {
	var (
		mu       sync.Mutex
		attached []Sink[int]
		removed  int
	)
	subscribe := func(s Sink[int]) func() {
		mu.Lock()
		attached = append(attached, s)
		mu.Unlock()
		return func() {
			mu.Lock()
			removed++
			mu.Unlock()
		}
	}
	d := NewDelayed[int](nil, subscribe)
	require.False(t, d.Subscribed())
	require.Empty(t, attached)

	d.Receive(7)
	v, err := d.Next(timeout(t))
	require.NoError(t, err)
	require.Equal(t, 7, v)
	require.True(t, d.Subscribed())
	require.Len(t, attached, 1)
	require.Same(t, d.Inner(), attached[0])

	d.Receive(8)
	_, err = d.Next(timeout(t))
	require.NoError(t, err)
	require.Len(t, attached, 1)

	d.Unsubscribe()
	require.False(t, d.Subscribed())
	require.Equal(t, 1, removed)
}

func TestDelayedUsesProvidedInner(t *testing.T) {
	inner := NewMostRecent[int]()
	d := NewDelayed[int](inner, nil)
	d.Receive(1)
	d.Receive(2)
	v, err := d.Next(timeout(t))
	require.NoError(t, err)
	require.Equal(t, 2, v)
}
