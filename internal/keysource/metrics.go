package keysource

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for key sources.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	retriesTotal    *prometheus.CounterVec
	refreshTotal    *prometheus.CounterVec
	registry        *prometheus.Registry
}

// NewMetrics creates key source metrics on their own registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "avatls"
	}

	m := &Metrics{registry: prometheus.NewRegistry()}

	m.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keysource",
			Name:      "requests_total",
			Help:      "Total number of key source backend requests",
		},
		[]string{"operation", "status"},
	)
	m.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "keysource",
			Name:      "request_duration_seconds",
			Help:      "Duration of key source backend requests in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"operation"},
	)
	m.retriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keysource",
			Name:      "retries_total",
			Help:      "Total number of retried key source requests",
		},
		[]string{"operation"},
	)
	m.refreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keysource",
			Name:      "refresh_total",
			Help:      "Total number of watch refreshes by outcome",
		},
		[]string{"source", "status"},
	)

	m.registry.MustRegister(m.requestsTotal, m.requestDuration, m.retriesTotal, m.refreshTotal)
	return m
}

// RecordRequest records one backend request.
func (m *Metrics) RecordRequest(operation, status string, duration time.Duration) {
	m.requestsTotal.WithLabelValues(operation, status).Inc()
	m.requestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordRetry records a retried request.
func (m *Metrics) RecordRetry(operation string) {
	m.retriesTotal.WithLabelValues(operation).Inc()
}

// RecordRefresh records a watch refresh; status is changed, unchanged or error.
func (m *Metrics) RecordRefresh(source, status string) {
	m.refreshTotal.WithLabelValues(source, status).Inc()
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
