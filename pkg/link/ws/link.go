// Package ws carries a flow duplex over a websocket connection.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/rtcbot/errs"
	"github.com/coachpo/rtcbot/internal/observability"
	"github.com/coachpo/rtcbot/pkg/flow"
)

const (
	defaultPingInterval     = 20 * time.Second
	defaultPingTimeout      = 5 * time.Second
	defaultWriteTimeout     = 5 * time.Second
	defaultReadLimit        = 1 << 20
	defaultMaxRetryInterval = 20 * time.Second
)

// Option configures a Link.
type Option func(*options)

type options struct {
	name             string
	logger           observability.Logger
	readLimit        int64
	pingInterval     time.Duration
	writeTimeout     time.Duration
	messageType      websocket.MessageType
	originPatterns   []string
	maxRetryInterval time.Duration
	maxRetryElapsed  time.Duration
	flowOpts         []flow.Option
}

// WithName labels logs.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithReadLimit caps inbound message size.
func WithReadLimit(n int64) Option {
	return func(o *options) { o.readLimit = n }
}

// WithPingInterval sets the keepalive interval. Zero disables pings.
func WithPingInterval(d time.Duration) Option {
	return func(o *options) { o.pingInterval = d }
}

// WithWriteTimeout bounds each outbound write.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.writeTimeout = d
		}
	}
}

// WithText sends text frames instead of binary ones.
func WithText() Option {
	return func(o *options) { o.messageType = websocket.MessageText }
}

// WithOriginPatterns lists the cross-origin hosts Accept allows.
func WithOriginPatterns(patterns ...string) Option {
	return func(o *options) { o.originPatterns = append(o.originPatterns, patterns...) }
}

// WithRetry bounds DialRetry. A zero maxElapsed retries until ctx ends.
func WithRetry(maxInterval, maxElapsed time.Duration) Option {
	return func(o *options) {
		if maxInterval > 0 {
			o.maxRetryInterval = maxInterval
		}
		o.maxRetryElapsed = maxElapsed
	}
}

// WithFlowOptions passes options to the underlying duplex.
func WithFlowOptions(opts ...flow.Option) Option {
	return func(o *options) { o.flowOpts = append(o.flowOpts, opts...) }
}

func buildOptions(opts []Option) options {
	o := options{
		name:             "ws",
		logger:           observability.Log(),
		readLimit:        defaultReadLimit,
		pingInterval:     defaultPingInterval,
		writeTimeout:     defaultWriteTimeout,
		messageType:      websocket.MessageBinary,
		maxRetryInterval: defaultMaxRetryInterval,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// Link is a duplex over one websocket connection. Values put into it are
// written to the peer and messages from the peer are published to its
// subscribers. The link is ready while connected; a broken connection sets
// an error and closes the link.
type Link struct {
	*flow.Duplex[[]byte, []byte]

	id     string
	name   string
	conn   *websocket.Conn
	logger observability.Logger
	opts   options

	ctx     context.Context
	cancel  context.CancelFunc
	wg      conc.WaitGroup
	closing atomic.Bool

	closeOnce sync.Once
	closeErr  error
}

// NewLink wraps an established connection.
func NewLink(conn *websocket.Conn, opts ...Option) *Link {
	o := buildOptions(opts)
	flowOpts := append([]flow.Option{flow.WithName(o.name), flow.WithLogger(o.logger)}, o.flowOpts...)
	ctx, cancel := context.WithCancel(context.Background())
	l := &Link{
		Duplex: flow.NewDuplex[[]byte, []byte](flowOpts...),
		id:     uuid.NewString(),
		name:   o.name,
		conn:   conn,
		logger: o.logger,
		opts:   o,
		ctx:    ctx,
		cancel: cancel,
	}
	if o.readLimit > 0 {
		conn.SetReadLimit(o.readLimit)
	}
	l.wg.Go(l.readLoop)
	l.wg.Go(l.writeLoop)
	if o.pingInterval > 0 {
		l.wg.Go(l.pingLoop)
	}
	l.Duplex.Events().SetReady(true)
	l.logger.Debug("ws link open", observability.F("link", l.name), observability.F("id", l.id))
	return l
}

// Accept upgrades an HTTP request into a link.
func Accept(w http.ResponseWriter, r *http.Request, opts ...Option) (*Link, error) {
	o := buildOptions(opts)
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: o.originPatterns}) //nolint:exhaustruct
	if err != nil {
		return nil, errs.New("link/ws", errs.CodeNetwork,
			errs.WithMessage("accept websocket"), errs.WithCause(err))
	}
	return NewLink(conn, opts...), nil
}

// Dial connects to url once.
func Dial(ctx context.Context, url string, opts ...Option) (*Link, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, errs.New("link/ws", errs.CodeNetwork,
			errs.WithMessage("dial websocket"), errs.WithField("url", url), errs.WithCause(err))
	}
	return NewLink(conn, opts...), nil
}

// DialRetry dials with exponential backoff until it connects, ctx ends or
// the configured retry budget runs out.
func DialRetry(ctx context.Context, url string, opts ...Option) (*Link, error) {
	o := buildOptions(opts)
	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = o.maxRetryInterval

	retryOpts := []backoff.RetryOption{
		backoff.WithBackOff(policy),
		backoff.WithNotify(func(err error, next time.Duration) {
			o.logger.Warn("ws dial failed, retrying",
				observability.F("link", o.name), observability.F("url", url),
				observability.F("retry_in", next), observability.F("error", err))
		}),
	}
	if o.maxRetryElapsed > 0 {
		retryOpts = append(retryOpts, backoff.WithMaxElapsedTime(o.maxRetryElapsed))
	}

	conn, err := backoff.Retry(ctx, func() (*websocket.Conn, error) {
		conn, _, err := websocket.Dial(ctx, url, nil)
		return conn, err
	}, retryOpts...)
	if err != nil {
		return nil, errs.New("link/ws", errs.CodeNetwork,
			errs.WithMessage("dial websocket"), errs.WithField("url", url), errs.WithCause(err))
	}
	return NewLink(conn, opts...), nil
}

// ID identifies the link in logs.
func (l *Link) ID() string { return l.id }

func (l *Link) readLoop() {
	for {
		_, data, err := l.conn.Read(l.ctx)
		if err != nil {
			l.fail(err)
			return
		}
		l.Duplex.Publish(data)
	}
}

func (l *Link) writeLoop() {
	for {
		data, err := l.Duplex.Next(l.ctx)
		if err != nil {
			return
		}
		writeCtx, cancel := context.WithTimeout(l.ctx, l.opts.writeTimeout)
		err = l.conn.Write(writeCtx, l.opts.messageType, data)
		cancel()
		if err != nil {
			l.fail(fmt.Errorf("write: %w", err))
			return
		}
	}
}

func (l *Link) pingLoop() {
	ticker := time.NewTicker(l.opts.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(l.ctx, defaultPingTimeout)
			err := l.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				l.fail(fmt.Errorf("ping: %w", err))
				return
			}
		}
	}
}

// fail tears the link down after the connection broke on its own.
func (l *Link) fail(err error) {
	if l.closing.Swap(true) {
		return
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		l.logger.Info("ws link closed by peer", observability.F("link", l.name), observability.F("id", l.id))
	default:
		if !errors.Is(err, context.Canceled) {
			l.logger.Warn("ws link failed",
				observability.F("link", l.name), observability.F("id", l.id), observability.F("error", err))
			l.Duplex.Events().SetError(errs.New("link/ws", errs.CodeNetwork,
				errs.WithMessage("connection lost"), errs.WithField("link", l.name), errs.WithCause(err)))
		}
	}
	l.Duplex.Events().SetReady(false)
	l.cancel()
	_ = l.conn.CloseNow()
	_ = l.Duplex.Close()
}

// Close sends a normal close frame, closes the duplex and waits for the
// link's goroutines.
func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		if !l.closing.Swap(true) {
			l.Duplex.Events().SetReady(false)
			l.closeErr = l.Duplex.Close()
			if err := l.conn.Close(websocket.StatusNormalClosure, "closing"); err != nil && websocket.CloseStatus(err) == -1 {
				l.logger.Debug("ws close handshake failed", observability.F("link", l.name), observability.F("error", err))
			}
			l.cancel()
		}
		l.wg.Wait()
	})
	return l.closeErr
}
