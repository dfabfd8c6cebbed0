package policy

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for policy evaluation.
type Metrics struct {
	evaluationTotal    *prometheus.CounterVec
	evaluationDuration *prometheus.HistogramVec
	evaluationErrors   *prometheus.CounterVec
	ruleCount          prometheus.Gauge
	registry           *prometheus.Registry
}

// NewMetrics creates a new Metrics instance with its own registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "avatls"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.evaluationTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "policy",
			Name:      "evaluation_total",
			Help:      "Total number of verify policy decisions by rule and decision",
		},
		[]string{"rule", "decision"},
	)

	m.evaluationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "policy",
			Name:      "evaluation_duration_seconds",
			Help:      "Verify policy evaluation duration in seconds",
			Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .025, .05, .1},
		},
		[]string{"rule", "decision"},
	)

	m.evaluationErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "policy",
			Name:      "evaluation_errors_total",
			Help:      "Total number of CEL runtime errors by rule",
		},
		[]string{"rule"},
	)

	m.ruleCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "policy",
			Name:      "rule_count",
			Help:      "Number of compiled verify policy rules",
		},
	)

	m.registry.MustRegister(
		m.evaluationTotal,
		m.evaluationDuration,
		m.evaluationErrors,
		m.ruleCount,
	)

	return m
}

// RecordEvaluation records a policy decision.
func (m *Metrics) RecordEvaluation(rule, decision string, duration time.Duration) {
	m.evaluationTotal.WithLabelValues(rule, decision).Inc()
	m.evaluationDuration.WithLabelValues(rule, decision).Observe(duration.Seconds())
}

// RecordEvaluationError records a CEL runtime error.
func (m *Metrics) RecordEvaluationError(rule string) {
	m.evaluationErrors.WithLabelValues(rule).Inc()
}

// SetRuleCount sets the rule count.
func (m *Metrics) SetRuleCount(count int) {
	m.ruleCount.Set(float64(count))
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
