package flow

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/coachpo/rtcbot/internal/observability"
)

type entry[T any] struct {
	id     SubscriptionID
	target Target[T]
}

// registry keeps targets in registration order.
type registry[T any] struct {
	entries []entry[T]
}

func (r *registry[T]) add(t Target[T]) SubscriptionID {
	id := newSubscriptionID()
	r.entries = append(r.entries, entry[T]{id: id, target: t})
	return id
}

func (r *registry[T]) remove(id SubscriptionID) (Target[T], bool) {
	for i, e := range r.entries {
		if e.id == id {
			r.entries = append(r.entries[:i:i], r.entries[i+1:]...)
			return e.target, true
		}
	}
	return Target[T]{}, false
}

func (r *registry[T]) snapshot() []entry[T] {
	if len(r.entries) == 0 {
		return nil
	}
	out := make([]entry[T], len(r.entries))
	copy(out, r.entries)
	return out
}

func (r *registry[T]) clear() int {
	n := len(r.entries)
	r.entries = nil
	return n
}

func (r *registry[T]) len() int {
	return len(r.entries)
}

// reporter logs and counts delivery failures. Logging is throttled so a
// misbehaving callback on a hot stream cannot flood the log.
type reporter struct {
	name     string
	logger   observability.Logger
	in       *instruments
	throttle *rate.Sometimes
}

func newReporter(name string, logger observability.Logger, in *instruments) *reporter {
	return &reporter{
		name:     name,
		logger:   logger,
		in:       in,
		throttle: &rate.Sometimes{First: 5, Interval: time.Second},
	}
}

func (r *reporter) fail(id string, err error) {
	r.in.addFailure()
	r.throttle.Do(func() {
		r.logger.Warn("subscription delivery failed",
			observability.F("name", r.name),
			observability.F("subscription", id),
			observability.F("error", err))
	})
}
