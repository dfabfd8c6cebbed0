package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the echo server.
type Metrics struct {
	activeConnections prometheus.Gauge
	connectionsTotal  *prometheus.CounterVec
	rejectedTotal     *prometheus.CounterVec
	bytesEchoed       prometheus.Counter
	registry          *prometheus.Registry
}

// NewMetrics creates server metrics on their own registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "avatls"
	}

	m := &Metrics{registry: prometheus.NewRegistry()}

	m.activeConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "server",
		Name:      "active_connections",
		Help:      "Number of connections being served",
	})
	m.connectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "connections_total",
			Help:      "Total number of finished connections by outcome",
		},
		[]string{"outcome"},
	)
	m.rejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "rejected_total",
			Help:      "Total number of connections refused before the handshake",
		},
		[]string{"reason"},
	)
	m.bytesEchoed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "server",
		Name:      "echoed_bytes_total",
		Help:      "Total number of application bytes echoed back",
	})

	m.registry.MustRegister(m.activeConnections, m.connectionsTotal, m.rejectedTotal, m.bytesEchoed)
	return m
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
