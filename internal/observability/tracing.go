package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope of spans emitted by the TLS layer.
const TracerName = "github.com/vyrodovalexey/avatls"

// Span names and attribute keys shared by the TLS layer.
const (
	SpanHandshake = "tls.handshake"

	AttrConnectionID = attribute.Key("tls.connection.id")
	AttrSide         = attribute.Key("tls.side")
	AttrVersion      = attribute.Key("tls.protocol.version")
	AttrCipher       = attribute.Key("tls.cipher")
	AttrResumed      = attribute.Key("tls.resumed")
)

const (
	exportTimeout       = 10 * time.Second
	exportRetryInitial  = time.Second
	exportRetryMax      = 30 * time.Second
	exportRetryDeadline = time.Minute
)

// TracerConfig configures span export.
type TracerConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	ServiceName  string  `yaml:"serviceName" json:"serviceName"`
	OTLPEndpoint string  `yaml:"otlpEndpoint" json:"otlpEndpoint"`
	Insecure     bool    `yaml:"insecure" json:"insecure"`
	SamplingRate float64 `yaml:"samplingRate" json:"samplingRate"`
}

// Tracer starts the spans of the TLS layer.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	config   TracerConfig
}

// NewTracer creates a tracer. A disabled tracer uses the global provider,
// which is a no-op unless something else installed one. extra options are
// passed to the SDK provider, for example a span recorder in tests.
func NewTracer(ctx context.Context, cfg TracerConfig, extra ...sdktrace.TracerProviderOption) (*Tracer, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "avatls"
	}
	if !cfg.Enabled {
		return &Tracer{tracer: otel.Tracer(TracerName), config: cfg}, nil
	}

	res, err := resource.Merge(resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(cfg.ServiceName)))
	if err != nil {
		return nil, err
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SamplingRate)),
	}
	if cfg.OTLPEndpoint != "" {
		exporter, err := otlptracegrpc.New(ctx, exporterOptions(cfg)...)
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}
	provider := sdktrace.NewTracerProvider(append(opts, extra...)...)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return &Tracer{provider: provider, tracer: provider.Tracer(TracerName), config: cfg}, nil
}

// sampler honours the parent decision and samples roots at rate.
func sampler(rate float64) sdktrace.Sampler {
	var root sdktrace.Sampler
	switch {
	case rate >= 1:
		root = sdktrace.AlwaysSample()
	case rate <= 0:
		root = sdktrace.NeverSample()
	default:
		root = sdktrace.TraceIDRatioBased(rate)
	}
	return sdktrace.ParentBased(root)
}

func exporterOptions(cfg TracerConfig) []otlptracegrpc.Option {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithTimeout(exportTimeout),
		otlptracegrpc.WithRetry(otlptracegrpc.RetryConfig{
			Enabled:         true,
			InitialInterval: exportRetryInitial,
			MaxInterval:     exportRetryMax,
			MaxElapsedTime:  exportRetryDeadline,
		}),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return opts
}

// Shutdown flushes pending spans.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// StartSpan starts a span named name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// StartHandshakeSpan starts the span covering one handshake. The returned
// context carries the connection ID for WithContext.
func (t *Tracer) StartHandshakeSpan(ctx context.Context, connID, side string) (context.Context, trace.Span) {
	kind := trace.SpanKindClient
	if side == "server" {
		kind = trace.SpanKindServer
	}
	ctx, span := t.StartSpan(ctx, SpanHandshake,
		trace.WithSpanKind(kind),
		trace.WithAttributes(AttrConnectionID.String(connID), AttrSide.String(side)),
	)
	return ContextWithConnectionID(ctx, connID), span
}

// HandshakeAttributes describes a completed handshake.
func HandshakeAttributes(version, cipher string, resumed bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrVersion.String(version),
		AttrCipher.String(cipher),
		AttrResumed.Bool(resumed),
	}
}

// EndSpan records err on span, adds attrs and ends it.
func EndSpan(span trace.Span, err error, attrs ...attribute.KeyValue) {
	span.SetAttributes(attrs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
