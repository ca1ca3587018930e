package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics captures per-bridge fault, kill, readiness and frame telemetry.
type Metrics struct {
	faults      *prometheus.CounterVec
	forcedKills *prometheus.CounterVec
	ready       *prometheus.GaugeVec
	frames      *prometheus.CounterVec
}

// NewMetrics constructs bridge instruments registered against the supplied registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		faults: prometheus.NewCounterVec(
			prometheus.CounterOpts{ //nolint:exhaustruct
				Namespace: "rtcbot",
				Subsystem: "bridge",
				Name:      "faults_total",
				Help:      "Total number of bridge loops or child processes that failed.",
			},
			[]string{"bridge"},
		),
		forcedKills: prometheus.NewCounterVec(
			prometheus.CounterOpts{ //nolint:exhaustruct
				Namespace: "rtcbot",
				Subsystem: "bridge",
				Name:      "forced_kills_total",
				Help:      "Total number of child processes killed after the join timeout.",
			},
			[]string{"bridge"},
		),
		ready: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{ //nolint:exhaustruct
				Namespace: "rtcbot",
				Subsystem: "bridge",
				Name:      "ready",
				Help:      "1 while the bridge reports ready.",
			},
			[]string{"bridge"},
		),
		frames: prometheus.NewCounterVec(
			prometheus.CounterOpts{ //nolint:exhaustruct
				Namespace: "rtcbot",
				Subsystem: "bridge",
				Name:      "frames_total",
				Help:      "Total number of frames exchanged with child processes.",
			},
			[]string{"bridge", "direction"},
		),
	}
	reg.MustRegister(m.faults, m.forcedKills, m.ready, m.frames)
	return m
}

// ObserveFault increments the fault counter for the bridge.
func (m *Metrics) ObserveFault(bridge string) {
	if m == nil {
		return
	}
	m.faults.WithLabelValues(bridge).Inc()
}

// ObserveForcedKill increments the forced kill counter for the bridge.
func (m *Metrics) ObserveForcedKill(bridge string) {
	if m == nil {
		return
	}
	m.forcedKills.WithLabelValues(bridge).Inc()
}

// SetReady records the bridge's ready flag.
func (m *Metrics) SetReady(bridge string, ready bool) {
	if m == nil {
		return
	}
	v := 0.0
	if ready {
		v = 1
	}
	m.ready.WithLabelValues(bridge).Set(v)
}

// ObserveFrame counts a frame sent ("out") or received ("in").
func (m *Metrics) ObserveFrame(bridge, direction string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(bridge, direction).Inc()
}

// FaultCounter exposes the fault counter for testing and diagnostics.
func (m *Metrics) FaultCounter(bridge string) prometheus.Counter {
	return m.faults.WithLabelValues(bridge)
}

// ForcedKillCounter exposes the forced kill counter for testing and diagnostics.
func (m *Metrics) ForcedKillCounter(bridge string) prometheus.Counter {
	return m.forcedKills.WithLabelValues(bridge)
}

// ReadyGauge exposes the ready gauge for testing and diagnostics.
func (m *Metrics) ReadyGauge(bridge string) prometheus.Gauge {
	return m.ready.WithLabelValues(bridge)
}

// FrameCounter exposes the frame counter for testing and diagnostics.
func (m *Metrics) FrameCounter(bridge, direction string) prometheus.Counter {
	return m.frames.WithLabelValues(bridge, direction)
}
