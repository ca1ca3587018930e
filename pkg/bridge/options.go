// Package bridge lets blocking OS threads and child processes act as
// producers and consumers on a flow loop.
package bridge

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/coachpo/rtcbot/internal/observability"
	"github.com/coachpo/rtcbot/lib/async"
	"github.com/coachpo/rtcbot/pkg/flow"
)

const (
	// DefaultPollInterval bounds how long a bridged read blocks before re-checking for close.
	DefaultPollInterval = time.Second
	// DefaultJoinTimeout bounds how long Close waits for a child process before killing it.
	DefaultJoinTimeout = time.Second
)

// Option configures a bridge.
type Option func(*settings)

type settings struct {
	name         string
	logger       observability.Logger
	metrics      *Metrics
	clk          clock.Clock
	pollInterval time.Duration
	joinTimeout  time.Duration
	loop         *async.Loop
	flowOpts     []flow.Option
}

// WithName labels logs and metrics.
func WithName(name string) Option {
	return func(s *settings) { s.name = name }
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records bridge faults, kills and readiness.
func WithMetrics(m *Metrics) Option {
	return func(s *settings) { s.metrics = m }
}

// WithClock replaces the wall clock used for poll and join timeouts.
func WithClock(clk clock.Clock) Option {
	return func(s *settings) {
		if clk != nil {
			s.clk = clk
		}
	}
}

// WithPollInterval sets how often a blocked bridged read re-checks for close.
func WithPollInterval(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithJoinTimeout sets how long Close waits for a child process to exit on its own.
func WithJoinTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.joinTimeout = d
		}
	}
}

// WithLoop runs the bridge's flow component on an existing loop.
func WithLoop(loop *async.Loop) Option {
	return func(s *settings) { s.loop = loop }
}

// WithFlowOptions passes options through to the underlying flow component.
func WithFlowOptions(opts ...flow.Option) Option {
	return func(s *settings) { s.flowOpts = append(s.flowOpts, opts...) }
}

func buildSettings(defaultName string, opts []Option) settings {
	s := settings{
		name:         defaultName,
		logger:       observability.Log(),
		clk:          clock.New(),
		pollInterval: DefaultPollInterval,
		joinTimeout:  DefaultJoinTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	return s
}

// flowOptions returns the options for the flow component, with the loop owned
// by the bridge when none was given.
func (s settings) flowOptions() ([]flow.Option, *async.Loop, bool) {
	loop, owns := s.loop, false
	if loop == nil {
		loop = async.NewLoop(async.WithName(s.name), async.WithLogger(s.logger))
		owns = true
	}
	out := append([]flow.Option{}, s.flowOpts...)
	out = append(out, flow.WithName(s.name), flow.WithLogger(s.logger), flow.WithLoop(loop))
	return out, loop, owns
}

// onLoop runs fn on the loop, or inline once the loop no longer accepts work.
func onLoop(loop *async.Loop, fn func()) {
	if err := loop.Call(fn); err != nil {
		fn()
	}
}
