package subscription

import (
	"context"
	"sync"
)

// MostRecent holds only the latest value. A reader never sees stale values
// that were overwritten before it asked.
type MostRecent[T any] struct {
	mu        sync.Mutex
	value     T
	pending   bool
	coalesced uint64
	sig       signal
}

// NewMostRecent constructs an empty latest-value sink.
func NewMostRecent[T any]() *MostRecent[T] {
	return &MostRecent[T]{sig: newSignal()}
}

// Receive overwrites the slot.
func (m *MostRecent[T]) Receive(v T) {
	m.mu.Lock()
	if m.pending {
		m.coalesced++
	}
	m.value = v
	m.pending = true
	m.mu.Unlock()
	m.sig.wake()
}

// Next waits until a value newer than the last read arrives and returns it.
func (m *MostRecent[T]) Next(ctx context.Context) (T, error) {
	for {
		m.mu.Lock()
		if m.pending {
			v := m.value
			m.value = zero[T]()
			m.pending = false
			m.mu.Unlock()
			return v, nil
		}
		m.mu.Unlock()
		select {
		case <-m.sig:
		case <-ctx.Done():
			return zero[T](), ctx.Err()
		}
	}
}

// Dropped returns how many values were overwritten before being read.
func (m *MostRecent[T]) Dropped() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.coalesced
}
