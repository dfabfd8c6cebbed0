package handle

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsRecorder receives handle lifecycle events.
type MetricsRecorder interface {
	RecordAcquire(kind string, live int)
	RecordRelease(kind string, live int)
}

// Metrics holds Prometheus metrics for engine handles.
type Metrics struct {
	live     *prometheus.GaugeVec
	acquired *prometheus.CounterVec
	released *prometheus.CounterVec
}

// NewMetrics creates handle metrics and registers them with registerer.
func NewMetrics(namespace string, registerer prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "avatls"
	}

	m := &Metrics{
		live: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "handle",
				Name:      "live",
				Help:      "Number of unreleased engine handles by kind",
			},
			[]string{"kind"},
		),
		acquired: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "handle",
				Name:      "acquired_total",
				Help:      "Total number of engine handles acquired by kind",
			},
			[]string{"kind"},
		),
		released: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "handle",
				Name:      "released_total",
				Help:      "Total number of engine handles released by kind",
			},
			[]string{"kind"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(m.live, m.acquired, m.released)
	}

	return m
}

// RecordAcquire records an acquired handle.
func (m *Metrics) RecordAcquire(kind string, live int) {
	m.acquired.WithLabelValues(kind).Inc()
	m.live.WithLabelValues(kind).Set(float64(live))
}

// RecordRelease records a released handle.
func (m *Metrics) RecordRelease(kind string, live int) {
	m.released.WithLabelValues(kind).Inc()
	m.live.WithLabelValues(kind).Set(float64(live))
}

// NopMetrics discards handle metrics.
type NopMetrics struct{}

// NewNopMetrics returns a recorder that discards everything.
func NewNopMetrics() *NopMetrics {
	return &NopMetrics{}
}

// RecordAcquire is a no-op.
func (n *NopMetrics) RecordAcquire(string, int) {}

// RecordRelease is a no-op.
func (n *NopMetrics) RecordRelease(string, int) {}

var (
	_ MetricsRecorder = (*Metrics)(nil)
	_ MetricsRecorder = (*NopMetrics)(nil)
)
