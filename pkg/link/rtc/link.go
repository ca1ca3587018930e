// Package rtc carries a flow duplex over a WebRTC data channel.
package rtc

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/rtcbot/errs"
	"github.com/coachpo/rtcbot/internal/observability"
	"github.com/coachpo/rtcbot/pkg/flow"
)

// DataChannel is the part of *webrtc.DataChannel a Link drives.
type DataChannel interface {
	Label() string
	ReadyState() webrtc.DataChannelState
	OnOpen(f func())
	OnClose(f func())
	OnError(f func(err error))
	OnMessage(f func(msg webrtc.DataChannelMessage))
	Send(data []byte) error
	SendText(s string) error
	Close() error
}

var _ DataChannel = (*webrtc.DataChannel)(nil)

// Option configures a Link.
type Option func(*options)

type options struct {
	logger   observability.Logger
	text     bool
	flowOpts []flow.Option
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithText sends values as text messages.
func WithText() Option {
	return func(o *options) { o.text = true }
}

// WithFlowOptions passes options to the underlying duplex.
func WithFlowOptions(opts ...flow.Option) Option {
	return func(o *options) { o.flowOpts = append(o.flowOpts, opts...) }
}

// Link is a duplex over a data channel. It becomes ready when the channel
// opens, publishes every inbound message and sends every value put into it.
// A channel error is reported on the error event; a closed channel closes
// the link.
type Link struct {
	*flow.Duplex[[]byte, []byte]

	id     string
	dc     DataChannel
	logger observability.Logger
	text   bool

	ctx     context.Context
	cancel  context.CancelFunc
	wg      conc.WaitGroup
	closing atomic.Bool

	closeOnce sync.Once
	closeErr  error
}

// NewLink wires the data channel's callbacks into a duplex.
func NewLink(dc DataChannel, opts ...Option) *Link {
	o := options{logger: observability.Log()}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	label := dc.Label()
	flowOpts := append([]flow.Option{flow.WithName("rtc:" + label), flow.WithLogger(o.logger)}, o.flowOpts...)
	ctx, cancel := context.WithCancel(context.Background())
	l := &Link{
		Duplex: flow.NewDuplex[[]byte, []byte](flowOpts...),
		id:     uuid.NewString(),
		dc:     dc,
		logger: o.logger,
		text:   o.text,
		ctx:    ctx,
		cancel: cancel,
	}

	dc.OnOpen(func() {
		l.logger.Debug("data channel open", observability.F("label", label), observability.F("id", l.id))
		l.Duplex.Events().SetReady(true)
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		l.Duplex.Publish(msg.Data)
	})
	dc.OnError(func(err error) {
		l.logger.Warn("data channel error", observability.F("label", label), observability.F("error", err))
		l.Duplex.Events().SetError(errs.New("link/rtc", errs.CodeNetwork,
			errs.WithMessage("data channel error"), errs.WithField("label", label), errs.WithCause(err)))
	})
	dc.OnClose(func() {
		l.logger.Debug("data channel closed", observability.F("label", label))
		l.shutdown()
	})
	if dc.ReadyState() == webrtc.DataChannelStateOpen {
		l.Duplex.Events().SetReady(true)
	}

	l.wg.Go(l.writeLoop)
	return l
}

// NewPeerLink opens a new data channel on pc and wraps it.
func NewPeerLink(pc *webrtc.PeerConnection, label string, opts ...Option) (*Link, error) {
	dc, err := pc.CreateDataChannel(label, nil)
	if err != nil {
		return nil, errs.New("link/rtc", errs.CodeNetwork,
			errs.WithMessage("create data channel"), errs.WithField("label", label), errs.WithCause(err))
	}
	return NewLink(dc, opts...), nil
}

// OnDataChannel wraps every data channel the remote peer opens on pc.
func OnDataChannel(pc *webrtc.PeerConnection, handle func(*Link), opts ...Option) {
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		handle(NewLink(dc, opts...))
	})
}

// ID identifies the link in logs.
func (l *Link) ID() string { return l.id }

func (l *Link) writeLoop() {
	select {
	case <-l.Duplex.Events().ReadyCh():
	case <-l.ctx.Done():
		return
	}
	for {
		data, err := l.Duplex.Next(l.ctx)
		if err != nil {
			return
		}
		if l.text {
			err = l.dc.SendText(string(data))
		} else {
			err = l.dc.Send(data)
		}
		if err != nil {
			l.logger.Warn("data channel send failed", observability.F("label", l.dc.Label()), observability.F("error", err))
			l.Duplex.Events().SetError(errs.New("link/rtc", errs.CodeNetwork,
				errs.WithMessage("send failed"), errs.WithField("label", l.dc.Label()), errs.WithCause(err)))
		}
	}
}

func (l *Link) shutdown() error {
	if l.closing.Swap(true) {
		return nil
	}
	l.Duplex.Events().SetReady(false)
	l.cancel()
	return l.Duplex.Close()
}

// Close closes the data channel and the duplex and waits for the writer.
func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		l.closeErr = l.shutdown()
		if err := l.dc.Close(); err != nil {
			l.logger.Debug("data channel close failed", observability.F("label", l.dc.Label()), observability.F("error", err))
		}
		l.wg.Wait()
	})
	return l.closeErr
}
