package ssl

import (
	"crypto/x509"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsSubsystem = "tls"

// MetricsRecorder receives TLS events from contexts and connections.
type MetricsRecorder interface {
	RecordConnection(version uint16, cipherSuite uint16, side string)
	RecordHandshakeDuration(duration time.Duration, version uint16, side string)
	RecordHandshakeError(reason string)
	UpdateCertificateExpiry(cert *x509.Certificate, certType string)
	RecordContextReload(success bool)
	RecordVerifyResult(result string)
	RecordContextMutation(setter string, rejected bool)
	RecordCallbackError(callback string)
}

var (
	_ MetricsRecorder = (*Metrics)(nil)
	_ MetricsRecorder = (*NopMetrics)(nil)
)

// Metrics is the Prometheus MetricsRecorder.
type Metrics struct {
	connectionsTotal  *prometheus.CounterVec
	handshakeDuration *prometheus.HistogramVec
	handshakeErrors   *prometheus.CounterVec
	certificateExpiry *prometheus.GaugeVec
	contextReload     *prometheus.CounterVec
	verifyResults     *prometheus.CounterVec
	contextMutations  *prometheus.CounterVec
	callbackErrors    *prometheus.CounterVec

	registry *prometheus.Registry
}

// MetricsOption configures Metrics.
type MetricsOption func(*Metrics)

// WithRegistry registers the collectors on registry instead of a private one.
func WithRegistry(registry *prometheus.Registry) MetricsOption {
	return func(m *Metrics) {
		m.registry = registry
	}
}

// NewMetrics creates the TLS collectors under namespace (default "avatls").
func NewMetrics(namespace string, opts ...MetricsOption) *Metrics {
	if namespace == "" {
		namespace = "avatls"
	}
	m := &Metrics{}
	for _, opt := range opts {
		opt(m)
	}
	if m.registry == nil {
		m.registry = prometheus.NewRegistry()
	}

	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: metricsSubsystem, Name: name, Help: help,
		}, labels)
	}

	m.connectionsTotal = counter("connections_total",
		"Established TLS connections by protocol version, cipher suite and side.",
		"version", "cipher", "side")
	m.handshakeErrors = counter("handshake_errors_total",
		"Failed handshakes by error kind.", "reason")
	m.contextReload = counter("context_reload_total",
		"Contexts built from configuration, by status.", "status")
	m.verifyResults = counter("verify_results_total",
		"Peer verification outcomes by result code name.", "result")
	m.contextMutations = counter("context_mutations_after_freeze_total",
		"Setter calls on a context already used by a connection.", "setter", "outcome")
	m.callbackErrors = counter("callback_errors_total",
		"Failures raised inside application callbacks.", "callback")

	m.handshakeDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: metricsSubsystem,
		Name:      "handshake_duration_seconds",
		Help:      "Handshake duration including time spent waiting on retry signals.",
		Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"version", "side"})

	m.certificateExpiry = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: metricsSubsystem,
		Name:      "certificate_expiry_seconds",
		Help:      "Seconds until the presented certificate expires.",
	}, []string{"subject", "type"})

	m.registry.MustRegister(
		m.connectionsTotal,
		m.handshakeDuration,
		m.handshakeErrors,
		m.certificateExpiry,
		m.contextReload,
		m.verifyResults,
		m.contextMutations,
		m.callbackErrors,
	)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RecordConnection(version uint16, cipherSuite uint16, side string) {
	m.connectionsTotal.WithLabelValues(ProtocolVersionName(version), CipherSuiteName(cipherSuite), side).Inc()
}

func (m *Metrics) RecordHandshakeDuration(duration time.Duration, version uint16, side string) {
	m.handshakeDuration.WithLabelValues(ProtocolVersionName(version), side).Observe(duration.Seconds())
}

func (m *Metrics) RecordHandshakeError(reason string) {
	m.handshakeErrors.WithLabelValues(reason).Inc()
}

// UpdateCertificateExpiry sets the expiry gauge for cert, labelled by its
// common name or, lacking one, the full subject.
func (m *Metrics) UpdateCertificateExpiry(cert *x509.Certificate, certType string) {
	if cert == nil {
		return
	}
	subject := cert.Subject.CommonName
	if subject == "" {
		subject = cert.Subject.String()
	}
	m.certificateExpiry.WithLabelValues(subject, certType).Set(time.Until(cert.NotAfter).Seconds())
}

func (m *Metrics) RecordContextReload(success bool) {
	m.contextReload.WithLabelValues(outcomeLabel(success, "success", "failure")).Inc()
}

func (m *Metrics) RecordVerifyResult(result string) {
	m.verifyResults.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordContextMutation(setter string, rejected bool) {
	m.contextMutations.WithLabelValues(setter, outcomeLabel(rejected, "rejected", "warned")).Inc()
}

func (m *Metrics) RecordCallbackError(callback string) {
	m.callbackErrors.WithLabelValues(callback).Inc()
}

func outcomeLabel(cond bool, yes, no string) string {
	if cond {
		return yes
	}
	return no
}

// NopMetrics discards every event. Contexts use it unless WithMetrics is
// given.
type NopMetrics struct{}

// NewNopMetrics returns a NopMetrics.
func NewNopMetrics() *NopMetrics { return &NopMetrics{} }

func (*NopMetrics) RecordConnection(uint16, uint16, string)               {}
func (*NopMetrics) RecordHandshakeDuration(time.Duration, uint16, string) {}
func (*NopMetrics) RecordHandshakeError(string)                           {}
func (*NopMetrics) UpdateCertificateExpiry(*x509.Certificate, string)     {}
func (*NopMetrics) RecordContextReload(bool)                              {}
func (*NopMetrics) RecordVerifyResult(string)                             {}
func (*NopMetrics) RecordContextMutation(string, bool)                    {}
func (*NopMetrics) RecordCallbackError(string)                            {}
