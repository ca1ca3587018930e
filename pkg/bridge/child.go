package bridge

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/sourcegraph/conc/panics"

	"github.com/coachpo/rtcbot/errs"
	"github.com/coachpo/rtcbot/internal/observability"
	"github.com/coachpo/rtcbot/pkg/flow"
	"github.com/coachpo/rtcbot/pkg/subscription"
)

// ChildConn is the child process end of a process bridge. In values arrive
// from the parent's consumer side and Out values go to its producer side.
type ChildConn[In, Out any] struct {
	writeMu sync.Mutex
	writer  *frameWriter
	inbox   *subscription.Queue[In]

	stopCtx context.Context
	stop    context.CancelFunc
}

// ChildHandler is the body of a child program. It returns when ShouldClose
// reports true or when it is done producing.
type ChildHandler[In, Out any] func(ctx context.Context, conn *ChildConn[In, Out]) error

// Put sends v to the parent.
func (c *ChildConn[In, Out]) Put(v Out) error {
	return c.send(Envelope[Out]{Kind: KindData, Data: v})
}

// Get waits for the next value from the parent. It returns
// flow.ErrSubscriptionClosed once the parent has asked the child to close and
// everything sent before that has been read.
func (c *ChildConn[In, Out]) Get(ctx context.Context) (In, error) {
	if v, ok := c.inbox.TryNext(); ok {
		return v, nil
	}
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.stopCtx, cancel)
	defer stop()

	v, err := c.inbox.Next(waitCtx)
	if err == nil {
		return v, nil
	}
	if ctx.Err() != nil {
		return v, ctx.Err()
	}
	if v, ok := c.inbox.TryNext(); ok {
		return v, nil
	}
	return v, flow.ErrSubscriptionClosed
}

// SetReady reports readiness to the parent.
func (c *ChildConn[In, Out]) SetReady(ready bool) error {
	return c.send(Envelope[Out]{Kind: KindReady, Ready: ready})
}

// SetError reports a non-fatal error to the parent.
func (c *ChildConn[In, Out]) SetError(err error) error {
	if err == nil {
		return nil
	}
	return c.send(Envelope[Out]{Kind: KindError, Error: err.Error()})
}

// ShouldClose reports whether the parent asked the child to close.
func (c *ChildConn[In, Out]) ShouldClose() bool {
	return c.stopCtx.Err() != nil
}

// Done is closed once the parent asked the child to close.
func (c *ChildConn[In, Out]) Done() <-chan struct{} {
	return c.stopCtx.Done()
}

// Close tells the parent to close its side.
func (c *ChildConn[In, Out]) Close() error {
	c.stop()
	return c.send(Envelope[Out]{Kind: KindClose})
}

func (c *ChildConn[In, Out]) send(env Envelope[Out]) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeFrame(c.writer, env)
}

func (c *ChildConn[In, Out]) readLoop(r *frameReader) {
	defer c.stop()
	for {
		env, err := readFrame[In](r)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				observability.Log().Warn("bridge child stream failed", observability.F("error", err))
			}
			return
		}
		switch env.Kind {
		case KindData:
			c.inbox.Receive(env.Data)
		case KindClose:
			return
		}
	}
}

// ServeChild runs handler against the parent on the other end of r and w.
// A handler error or panic is reported to the parent as an error followed by
// ready=false and is also returned. ServeChild does not wait for the reader,
// which ends when r reaches EOF.
func ServeChild[In, Out any](ctx context.Context, r io.Reader, w io.Writer, codec Codec, handler ChildHandler[In, Out]) error {
	if codec == nil {
		codec = JSONCodec{}
	}
	stopCtx, stop := context.WithCancel(ctx)
	defer stop()
	conn := &ChildConn[In, Out]{
		writer:  newFrameWriter(w, codec),
		inbox:   subscription.NewQueue[In](0),
		stopCtx: stopCtx,
		stop:    stop,
	}
	go conn.readLoop(newFrameReader(r, codec))

	var (
		catcher panics.Catcher
		err     error
	)
	catcher.Try(func() { err = handler(stopCtx, conn) })
	if rec := catcher.Recovered(); rec != nil {
		err = rec.AsError()
	}
	if err == nil || errors.Is(err, flow.ErrSubscriptionClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	_ = conn.SetError(err)
	_ = conn.SetReady(false)
	return errs.New("bridge/child", errs.CodeBridgeFault,
		errs.WithMessage("child handler failed"), errs.WithCause(err))
}

// RunChild serves handler over stdin and stdout using the codec the parent
// announced. Interrupts are ignored so a terminal ^C only reaches the parent,
// which shuts the child down. Anything the child logs must go to stderr.
func RunChild[In, Out any](ctx context.Context, handler ChildHandler[In, Out]) error {
	signal.Ignore(os.Interrupt)
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGTERM)
	defer cancel()
	codec, err := CodecByName(os.Getenv(EnvCodec))
	if err != nil {
		return err
	}
	return ServeChild(ctx, os.Stdin, os.Stdout, codec, handler)
}
