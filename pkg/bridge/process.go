package bridge

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sourcegraph/conc"
	"go.uber.org/multierr"

	"github.com/coachpo/rtcbot/errs"
	"github.com/coachpo/rtcbot/internal/observability"
	"github.com/coachpo/rtcbot/lib/async"
	"github.com/coachpo/rtcbot/pkg/flow"
)

// EnvCodec tells a child process which codec its parent speaks.
const EnvCodec = "RTCBOT_BRIDGE_CODEC"

// ProcessConfig describes the child program behind a process bridge.
type ProcessConfig struct {
	Path string
	Args []string
	// Env is appended to the parent's environment.
	Env []string
	Dir string
	// JoinTimeout overrides WithJoinTimeout when positive.
	JoinTimeout time.Duration
	// Codec defaults to JSON.
	Codec Codec
}

// process owns a child and shuttles envelopes between it and a flow component.
// Values of In travel to the child, values of Out come back.
type process[In, Out any] struct {
	name        string
	logger      observability.Logger
	metrics     *Metrics
	clk         clock.Clock
	joinTimeout time.Duration
	events      *flow.Events
	loop        *async.Loop
	ownsLoop    bool

	publish   func(Out)
	next      func(context.Context) (In, error)
	closeFlow func() error

	cmd     *exec.Cmd
	stdin   io.WriteCloser
	writeMu sync.Mutex
	writer  *frameWriter

	readers  conc.WaitGroup
	pumpDone chan struct{}
	exited   chan struct{}
	exitErr  error
	closing  atomic.Bool

	closeOnce sync.Once
	closeErr  error
}

func newProcess[In, Out any](cfg ProcessConfig, s settings, loop *async.Loop, owns bool) *process[In, Out] {
	join := s.joinTimeout
	if cfg.JoinTimeout > 0 {
		join = cfg.JoinTimeout
	}
	return &process[In, Out]{
		name:        s.name,
		logger:      s.logger,
		metrics:     s.metrics,
		clk:         s.clk,
		joinTimeout: join,
		loop:        loop,
		ownsLoop:    owns,
		pumpDone:    make(chan struct{}),
		exited:      make(chan struct{}),
	}
}

func (p *process[In, Out]) start(cfg ProcessConfig) error {
	if cfg.Path == "" {
		p.release()
		return errs.New("bridge/process", errs.CodeInvalid, errs.WithMessage("process path required"))
	}
	codec := cfg.Codec
	if codec == nil {
		codec = JSONCodec{}
	}

	cmd := exec.Command(cfg.Path, cfg.Args...) //nolint:gosec
	cmd.Dir = cfg.Dir
	cmd.Env = append(append(os.Environ(), cfg.Env...), EnvCodec+"="+codec.Name())

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return p.startErr(cfg, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return p.startErr(cfg, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return p.startErr(cfg, err)
	}
	if err := cmd.Start(); err != nil {
		return p.startErr(cfg, err)
	}
	p.cmd = cmd
	p.stdin = stdin
	p.writer = newFrameWriter(stdin, codec)
	p.logger.Info("bridge process started",
		observability.F("bridge", p.name),
		observability.F("path", cfg.Path),
		observability.F("pid", cmd.Process.Pid),
		observability.F("codec", codec.Name()))

	reader := newFrameReader(stdout, codec)
	p.readers.Go(func() { p.readLoop(reader) })
	p.readers.Go(func() { p.forwardStderr(stderr) })
	go p.reap()

	if p.next == nil {
		close(p.pumpDone)
	} else {
		go p.pump()
	}
	return nil
}

func (p *process[In, Out]) startErr(cfg ProcessConfig, err error) error {
	p.release()
	return errs.New("bridge/process", errs.CodeUnavailable,
		errs.WithMessage("start child process"),
		errs.WithField("path", cfg.Path),
		errs.WithCause(err))
}

// release tears down the flow side when the child never started.
func (p *process[In, Out]) release() {
	_ = p.closeFlow()
	if p.ownsLoop {
		p.loop.Close()
		<-p.loop.Done()
	}
}

func (p *process[In, Out]) readLoop(r *frameReader) {
	for {
		env, err := readFrame[Out](r)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) && !p.closing.Load() {
				p.streamFault(err)
			}
			// Keep draining so the child never blocks on a full pipe.
			_, _ = io.Copy(io.Discard, r.r)
			return
		}
		p.metrics.ObserveFrame(p.name, "in")
		p.dispatch(env)
	}
}

// streamFault reports a corrupt stdout stream. Nothing more is read from the
// child, so the bridge stops being ready until it is closed.
func (p *process[In, Out]) streamFault(err error) {
	fault := errs.New("bridge/process", errs.CodeProtocol,
		errs.WithMessage("child stream corrupt"),
		errs.WithField("bridge", p.name),
		errs.WithCause(err))
	p.logger.Error("bridge process stream failed",
		observability.F("bridge", p.name), observability.F("error", err))
	p.metrics.ObserveFault(p.name)
	p.metrics.SetReady(p.name, false)
	onLoop(p.loop, func() {
		p.events.SetError(fault)
		p.events.SetReady(false)
	})
}

func (p *process[In, Out]) dispatch(env Envelope[Out]) {
	switch env.Kind {
	case KindData:
		if p.publish == nil {
			p.logger.Debug("bridge process sent unexpected data", observability.F("bridge", p.name))
			return
		}
		v := env.Data
		onLoop(p.loop, func() { p.publish(v) })
	case KindReady:
		ready := env.Ready
		p.metrics.SetReady(p.name, ready)
		onLoop(p.loop, func() { p.events.SetReady(ready) })
	case KindError:
		err := errs.New("bridge/process", errs.CodeBridgeFault,
			errs.WithMessage(env.Error), errs.WithField("bridge", p.name))
		onLoop(p.loop, func() { p.events.SetError(err) })
	case KindClose:
		p.logger.Debug("bridge process requested close", observability.F("bridge", p.name))
		onLoop(p.loop, func() { _ = p.closeFlow() })
	}
}

// forwardStderr copies the child's stderr into the logger line by line.
func (p *process[In, Out]) forwardStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		p.logger.Info("bridge process stderr",
			observability.F("bridge", p.name), observability.F("line", scanner.Text()))
	}
}

// reap waits for the child once both pipes have drained, as exec.Cmd requires.
func (p *process[In, Out]) reap() {
	p.readers.Wait()
	p.exitErr = p.cmd.Wait()
	if !p.closing.Load() {
		code := 0
		if p.cmd.ProcessState != nil {
			code = p.cmd.ProcessState.ExitCode()
		}
		if p.exitErr != nil {
			fault := errs.New("bridge/process", errs.CodeBridgeFault,
				errs.WithMessage("child process exited"),
				errs.WithField("bridge", p.name),
				errs.WithCause(p.exitErr))
			p.logger.Error("bridge process failed",
				observability.F("bridge", p.name), observability.F("exit_code", code), observability.F("error", p.exitErr))
			p.metrics.ObserveFault(p.name)
			onLoop(p.loop, func() { p.events.SetError(fault) })
		} else {
			p.logger.Info("bridge process exited", observability.F("bridge", p.name))
		}
	}
	p.metrics.SetReady(p.name, false)
	onLoop(p.loop, func() { p.events.SetReady(false) })
	close(p.exited)
}

// pump forwards consumed values to the child until the flow side closes.
func (p *process[In, Out]) pump() {
	defer close(p.pumpDone)
	for {
		v, err := p.next(context.Background())
		if err != nil {
			return
		}
		if err := p.send(Envelope[In]{Kind: KindData, Data: v}); err != nil {
			if !p.closing.Load() {
				p.logger.Warn("bridge process write failed",
					observability.F("bridge", p.name), observability.F("error", err))
			}
			return
		}
	}
}

func (p *process[In, Out]) send(env Envelope[In]) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := writeFrame(p.writer, env); err != nil {
		return err
	}
	p.metrics.ObserveFrame(p.name, "out")
	return nil
}

// shutdown closes the flow side, asks the child to stop, then waits for it for
// the join timeout before killing it.
func (p *process[In, Out]) shutdown() error {
	p.closeOnce.Do(func() {
		p.closing.Store(true)
		p.closeErr = p.closeFlow()

		if p.waitFor(p.pumpDone) {
			if err := p.send(Envelope[In]{Kind: KindClose}); err != nil {
				p.logger.Debug("bridge process close frame not sent",
					observability.F("bridge", p.name), observability.F("error", err))
			}
		}
		if err := p.stdin.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			p.closeErr = multierr.Append(p.closeErr, err)
		}
		<-p.pumpDone

		if !p.waitFor(p.exited) {
			p.logger.Warn("bridge process did not exit in time, killing",
				observability.F("bridge", p.name), observability.F("timeout", p.joinTimeout))
			if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				p.closeErr = multierr.Append(p.closeErr, errs.New("bridge/process", errs.CodeBridgeFault,
					errs.WithMessage("kill child process"), errs.WithField("bridge", p.name), errs.WithCause(err)))
			}
			p.metrics.ObserveForcedKill(p.name)
			<-p.exited
		}
		if p.ownsLoop {
			p.loop.Close()
			<-p.loop.Done()
		}
	})
	return p.closeErr
}

func (p *process[In, Out]) waitFor(ch <-chan struct{}) bool {
	timer := p.clk.Timer(p.joinTimeout)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	}
}

// ProcessProducer publishes the values a child process emits.
type ProcessProducer[T any] struct {
	*flow.Producer[T]
	proc *process[struct{}, T]
}

// NewProcessProducer starts the child and returns a producer fed by it.
// The child should serve a ChildConn[struct{}, T].
func NewProcessProducer[T any](cfg ProcessConfig, opts ...Option) (*ProcessProducer[T], error) {
	s := buildSettings("process-producer", opts)
	flowOpts, loop, owns := s.flowOptions()
	p := &ProcessProducer[T]{Producer: flow.NewProducer[T](flowOpts...)}
	proc := newProcess[struct{}, T](cfg, s, loop, owns)
	proc.events = p.Producer.Events()
	proc.publish = p.Producer.Publish
	proc.closeFlow = p.Producer.Close
	if err := proc.start(cfg); err != nil {
		return nil, err
	}
	p.proc = proc
	return p, nil
}

// Close closes the producer and waits for the child, killing it after the join timeout.
func (p *ProcessProducer[T]) Close() error { return p.proc.shutdown() }

// Exited is closed once the child has been reaped.
func (p *ProcessProducer[T]) Exited() <-chan struct{} { return p.proc.exited }

// ProcessConsumer forwards the values it consumes to a child process.
type ProcessConsumer[T any] struct {
	*flow.Consumer[T]
	proc *process[T, struct{}]
}

// NewProcessConsumer starts the child and returns a consumer that feeds it.
// The child should serve a ChildConn[T, struct{}].
func NewProcessConsumer[T any](cfg ProcessConfig, opts ...Option) (*ProcessConsumer[T], error) {
	s := buildSettings("process-consumer", opts)
	flowOpts, loop, owns := s.flowOptions()
	c := &ProcessConsumer[T]{Consumer: flow.NewConsumer[T](flowOpts...)}
	proc := newProcess[T, struct{}](cfg, s, loop, owns)
	proc.events = c.Consumer.Events()
	proc.next = c.Consumer.Next
	proc.closeFlow = c.Consumer.Close
	if err := proc.start(cfg); err != nil {
		return nil, err
	}
	c.proc = proc
	return c, nil
}

// Close closes the consumer and waits for the child, killing it after the join timeout.
func (c *ProcessConsumer[T]) Close() error { return c.proc.shutdown() }

// Exited is closed once the child has been reaped.
func (c *ProcessConsumer[T]) Exited() <-chan struct{} { return c.proc.exited }

// ProcessDuplex sends consumed In values to a child and publishes the Out values it returns.
type ProcessDuplex[In, Out any] struct {
	*flow.Duplex[In, Out]
	proc *process[In, Out]
}

// NewProcessDuplex starts the child. The child should serve a ChildConn[In, Out].
func NewProcessDuplex[In, Out any](cfg ProcessConfig, opts ...Option) (*ProcessDuplex[In, Out], error) {
	s := buildSettings("process-duplex", opts)
	flowOpts, loop, owns := s.flowOptions()
	d := &ProcessDuplex[In, Out]{Duplex: flow.NewDuplex[In, Out](flowOpts...)}
	proc := newProcess[In, Out](cfg, s, loop, owns)
	proc.events = d.Duplex.Events()
	proc.publish = d.Duplex.Publish
	proc.next = d.Duplex.Next
	proc.closeFlow = d.Duplex.Close
	if err := proc.start(cfg); err != nil {
		return nil, err
	}
	d.proc = proc
	return d, nil
}

// Close closes both halves and waits for the child, killing it after the join timeout.
func (d *ProcessDuplex[In, Out]) Close() error { return d.proc.shutdown() }

// Exited is closed once the child has been reaped.
func (d *ProcessDuplex[In, Out]) Exited() <-chan struct{} { return d.proc.exited }
