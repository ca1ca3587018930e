// Package relay fans websocket peers and bridged child programs into one hub.
package relay

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/multierr"

	"github.com/coachpo/rtcbot/internal/config"
	"github.com/coachpo/rtcbot/internal/observability"
	"github.com/coachpo/rtcbot/lib/async"
	"github.com/coachpo/rtcbot/pkg/bridge"
	"github.com/coachpo/rtcbot/pkg/flow"
	"github.com/coachpo/rtcbot/pkg/link/ws"
	"github.com/coachpo/rtcbot/pkg/subscription"
)

// Packet is one message on the hub, tagged with the link or child it came from.
type Packet struct {
	Source string
	Data   []byte
}

// excluding feeds a peer's sink with every packet it did not send itself.
type excluding struct {
	self string
	sink subscription.Sink[[]byte]
}

func (e *excluding) Receive(p Packet) {
	if p.Source != e.self {
		e.sink.Receive(p.Data)
	}
}

func (e *excluding) Next(ctx context.Context) (Packet, error) {
	data, err := e.sink.Next(ctx)
	return Packet{Source: e.self, Data: data}, err
}

// Server owns the hub producer, the peer links attached to it and any child
// programs feeding it.
type Server struct {
	cfg    config.Config
	logger observability.Logger
	mp     metric.MeterProvider

	loop        *async.Loop
	hub         *flow.Producer[Packet]
	registry    *prometheus.Registry
	metrics     *bridge.Metrics
	connections prometheus.Gauge
	messages    *prometheus.CounterVec

	mu       sync.Mutex
	links    map[string]*ws.Link
	children []*bridge.ProcessProducer[[]byte]
	closed   bool

	ctx       context.Context
	cancel    context.CancelFunc
	lifecycle conc.WaitGroup
}

// New builds a relay. Nothing runs until Start and Handler are used.
func New(cfg config.Config, logger observability.Logger, mp metric.MeterProvider) *Server {
	if logger == nil {
		logger = observability.Log()
	}
	registry := prometheus.NewRegistry()
	loop := async.NewLoop(async.WithName("relay"), async.WithLogger(logger), async.WithMaxTasks(cfg.Flow.MaxAsyncTasks))
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		mp:       mp,
		loop:     loop,
		registry: registry,
		metrics:  bridge.NewMetrics(registry),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{ //nolint:exhaustruct
			Namespace: "rtcbot",
			Subsystem: "relay",
			Name:      "connections",
			Help:      "Number of connected websocket peers.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{ //nolint:exhaustruct
			Namespace: "rtcbot",
			Subsystem: "relay",
			Name:      "messages_total",
			Help:      "Messages published into the hub by source.",
		}, []string{"source"}),
		links: make(map[string]*ws.Link),
	}
	registry.MustRegister(s.connections, s.messages)
	s.hub = flow.NewProducer[Packet](s.flowOptions("hub")...)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

func (s *Server) flowOptions(name string) []flow.Option {
	opts := []flow.Option{
		flow.WithName(name),
		flow.WithLogger(s.logger),
		flow.WithLoop(s.loop),
	}
	if s.mp != nil {
		opts = append(opts, flow.WithMeterProvider(s.mp))
	}
	return opts
}

func (s *Server) newSink() subscription.Sink[[]byte] {
	if s.cfg.Flow.DefaultSink == config.SinkMostRecent {
		return subscription.NewMostRecent[[]byte]()
	}
	return subscription.NewQueue[[]byte](s.cfg.Flow.QueueCapacity)
}

// Hub returns the producer every peer and child publishes into.
func (s *Server) Hub() *flow.Producer[Packet] { return s.hub }

// Registry returns the Prometheus registry served on the metrics path.
func (s *Server) Registry() *prometheus.Registry { return s.registry }

// Handler serves the websocket and metrics endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Relay.WSPath, s.serveWS)
	mux.Handle(s.cfg.Relay.MetricsPath, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})) //nolint:exhaustruct
	return mux
}

// Start launches the configured child programs and the upstream connection.
// If a child fails to start, the children already started are stopped again
// and the start error is returned.
func (s *Server) Start(ctx context.Context) error {
	codec, err := bridge.CodecByName(s.cfg.Bridge.Codec)
	if err != nil {
		return err
	}
	for _, child := range s.cfg.Bridge.Children {
		if err := s.startChild(child, codec); err != nil {
			s.mu.Lock()
			started := s.children
			s.children = nil
			s.mu.Unlock()
			return multierr.Append(err, stopChildren(started))
		}
	}
	if s.cfg.Relay.Upstream != "" {
		s.lifecycle.Go(func() { s.runUpstream(ctx) })
	}
	return nil
}

func (s *Server) startChild(child config.ChildConfig, codec bridge.Codec) error {
	p, err := bridge.NewProcessProducer[[]byte](bridge.ProcessConfig{
		Path:  child.Path,
		Args:  child.Args,
		Env:   child.Env,
		Dir:   child.Dir,
		Codec: codec,
	},
		bridge.WithName(child.Name),
		bridge.WithLogger(s.logger),
		bridge.WithMetrics(s.metrics),
		bridge.WithJoinTimeout(s.cfg.Bridge.JoinTimeout),
		bridge.WithPollInterval(s.cfg.Bridge.PollInterval),
	)
	if err != nil {
		return err
	}
	source := "child:" + child.Name
	if _, err := p.Attach(flow.FuncTarget(func(msg []byte) { s.publish(source, source, msg) })); err != nil {
		_ = p.Close()
		return err
	}
	if _, err := p.Events().OnError(flow.FuncTarget(func(err error) {
		s.logger.Warn("relay child reported error", observability.F("child", child.Name), observability.F("error", err))
	})); err != nil {
		_ = p.Close()
		return err
	}

	s.mu.Lock()
	s.children = append(s.children, p)
	s.mu.Unlock()
	s.logger.Info("relay child started", observability.F("child", child.Name))
	return nil
}

func (s *Server) publish(kind, source string, msg []byte) {
	s.messages.WithLabelValues(kind).Inc()
	s.hub.Publish(Packet{Source: source, Data: msg})
}

// attach hooks a link into the hub in both directions and returns a detach
// func. A link never receives its own messages back.
func (s *Server) attach(link *ws.Link, kind string) (func(), error) {
	source := link.ID()
	if _, err := link.Attach(flow.FuncTarget(func(msg []byte) { s.publish(kind, source, msg) })); err != nil {
		return nil, err
	}
	sink := s.newSink()
	if err := link.PutSubscription(sink); err != nil {
		return nil, err
	}
	id, err := s.hub.Attach(flow.SinkTarget[Packet](&excluding{self: source, sink: sink}))
	if err != nil {
		return nil, err
	}
	return func() { s.hub.Unsubscribe(id) }, nil
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	link, err := ws.Accept(w, r,
		ws.WithName("peer"),
		ws.WithLogger(s.logger),
		ws.WithReadLimit(s.cfg.Relay.ReadLimitBytes),
		ws.WithOriginPatterns(s.cfg.Relay.AllowedOrigins...),
		ws.WithFlowOptions(flow.WithLoop(s.loop)),
	)
	if err != nil {
		s.logger.Warn("relay accept failed", observability.F("remote", r.RemoteAddr), observability.F("error", err))
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = link.Close()
		return
	}
	s.links[link.ID()] = link
	s.mu.Unlock()
	s.connections.Inc()

	detach, err := s.attach(link, "peer")
	if err != nil {
		s.logger.Warn("relay attach failed", observability.F("link", link.ID()), observability.F("error", err))
	} else {
		s.logger.Info("relay peer connected", observability.F("link", link.ID()), observability.F("remote", r.RemoteAddr))
		select {
		case <-link.Events().Done():
		case <-s.ctx.Done():
		}
		detach()
	}

	_ = link.Close()
	s.mu.Lock()
	delete(s.links, link.ID())
	s.mu.Unlock()
	s.connections.Dec()
	s.logger.Info("relay peer disconnected", observability.F("link", link.ID()))
}

// runUpstream keeps one link to the upstream relay, redialing when it drops.
func (s *Server) runUpstream(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	for {
		link, err := ws.DialRetry(ctx, s.cfg.Relay.Upstream,
			ws.WithName("upstream"),
			ws.WithLogger(s.logger),
			ws.WithReadLimit(s.cfg.Relay.ReadLimitBytes),
			ws.WithRetry(s.cfg.Relay.RetryMaxInterval, 0),
			ws.WithFlowOptions(flow.WithLoop(s.loop)),
		)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Error("relay upstream dial failed", observability.F("error", err))
			}
			return
		}
		s.logger.Info("relay upstream connected", observability.F("url", s.cfg.Relay.Upstream))

		detach, err := s.attach(link, "upstream")
		if err == nil {
			select {
			case <-link.Events().Done():
			case <-ctx.Done():
			}
			detach()
		}
		_ = link.Close()
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("relay upstream lost, redialing", observability.F("url", s.cfg.Relay.Upstream))
	}
}

// Close disconnects every peer, stops the children and closes the hub.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	links := make([]*ws.Link, 0, len(s.links))
	for _, l := range s.links {
		links = append(links, l)
	}
	children := s.children
	s.mu.Unlock()

	s.cancel()
	var err error
	for _, l := range links {
		err = multierr.Append(err, l.Close())
	}
	err = multierr.Append(err, stopChildren(children))
	err = multierr.Append(err, s.hub.Close())

	done := make(chan struct{})
	go func() {
		s.lifecycle.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = multierr.Append(err, errors.New("relay lifecycle goroutines still running"))
	}
	err = multierr.Append(err, s.loop.Shutdown(ctx))
	return observability.ReportErrors(s.logger, "relay close", err)
}

// stopChildren closes every child concurrently; each may take up to its join timeout.
func stopChildren(children []*bridge.ProcessProducer[[]byte]) error {
	stops := pool.New().WithErrors()
	for _, child := range children {
		stops.Go(child.Close)
	}
	return stops.Wait()
}
