// Package async provides the serial callback loop that producers and bridges schedule work on.
package async

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"

	"github.com/coachpo/rtcbot/errs"
	"github.com/coachpo/rtcbot/internal/observability"
)

// Task is an independently scheduled concurrent task.
type Task func(context.Context)

// Loop runs callbacks one at a time in submission order on a single goroutine,
// and independent tasks on a bounded goroutine pool.
type Loop struct {
	name   string
	logger observability.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	queue  []func()
	closed bool
	notify chan struct{}
	done   chan struct{}

	taskMu     sync.RWMutex
	tasks      *pool.Pool
	tasksShut  bool
	panicCount atomic.Uint64
	once       sync.Once
}

// Option configures a Loop.
type Option func(*Loop)

// WithName labels log entries emitted by the loop.
func WithName(name string) Option {
	return func(l *Loop) { l.name = name }
}

// WithLogger sets the logger used for recovered panics.
func WithLogger(logger observability.Logger) Option {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithMaxTasks bounds the number of concurrently running tasks started by Go.
func WithMaxTasks(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.tasks = pool.New().WithMaxGoroutines(n)
		}
	}
}

// NewLoop starts a loop.
func NewLoop(opts ...Option) *Loop {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Loop{
		name:   "loop",
		logger: observability.Log(),
		ctx:    ctx,
		cancel: cancel,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		tasks:  pool.New(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	go l.run()
	return l
}

// Call schedules fn to run on the loop goroutine. It is safe from any goroutine and never blocks.
func (l *Loop) Call(fn func()) error {
	if fn == nil {
		return errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("callback must not be nil"))
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return errs.New("lib/async", errs.CodeClosed, errs.WithMessage("loop closed"))
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.notify <- struct{}{}:
	default:
	}
	return nil
}

// Go runs fn concurrently with the loop. The context is cancelled when the loop shuts down.
func (l *Loop) Go(fn Task) error {
	if fn == nil {
		return errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("task must not be nil"))
	}
	l.taskMu.RLock()
	defer l.taskMu.RUnlock()
	if l.tasksShut {
		return errs.New("lib/async", errs.CodeClosed, errs.WithMessage("loop closed"))
	}
	l.tasks.Go(func() {
		l.guard("task", func() { fn(l.ctx) })
	})
	return nil
}

// Flush waits until every callback queued before the call has run.
func (l *Loop) Flush(ctx context.Context) error {
	reached := make(chan struct{})
	if err := l.Call(func() { close(reached) }); err != nil {
		return err
	}
	select {
	case <-reached:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("flush context: %w", ctx.Err())
	}
}

// Panics returns the number of recovered callback and task panics.
func (l *Loop) Panics() uint64 {
	return l.panicCount.Load()
}

// Close stops accepting callbacks. Already queued callbacks still run.
func (l *Loop) Close() {
	l.once.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
		select {
		case l.notify <- struct{}{}:
		default:
		}
	})
}

// Done is closed once the loop goroutine has drained and exited.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Shutdown closes the loop and waits for queued callbacks and running tasks or until ctx expires.
func (l *Loop) Shutdown(ctx context.Context) error {
	l.Close()
	finished := make(chan struct{})
	go func() {
		<-l.done
		l.cancel()
		l.taskMu.Lock()
		l.tasksShut = true
		l.taskMu.Unlock()
		l.tasks.Wait()
		close(finished)
	}()
	select {
	case <-ctx.Done():
		l.cancel()
		return fmt.Errorf("shutdown context: %w", ctx.Err())
	case <-finished:
		return nil
	}
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		closed := l.closed
		l.mu.Unlock()

		for _, fn := range batch {
			l.guard("callback", fn)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-l.notify
	}
}

func (l *Loop) guard(kind string, fn func()) {
	var catcher panics.Catcher
	catcher.Try(fn)
	if r := catcher.Recovered(); r != nil {
		l.panicCount.Add(1)
		l.logger.Error("loop "+kind+" panic",
			observability.F("loop", l.name),
			observability.F("error", r.AsError()),
			observability.F("stack", string(r.Stack)))
	}
}
