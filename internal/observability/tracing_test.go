package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestNewTracer_Disabled(t *testing.T) {
	tracer, err := NewTracer(context.Background(), TracerConfig{Enabled: false})
	require.NoError(t, err)
	assert.Equal(t, "avatls", tracer.config.ServiceName)

	_, span := tracer.StartSpan(context.Background(), "noop")
	span.End()
	assert.NoError(t, tracer.Shutdown(context.Background()))
}

func TestTracer_HandshakeSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tracer, err := NewTracer(context.Background(),
		TracerConfig{Enabled: true, ServiceName: "test", SamplingRate: 1},
		sdktrace.WithSpanProcessor(recorder),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tracer.Shutdown(context.Background()) })

	ctx, span := tracer.StartHandshakeSpan(context.Background(), "conn-7", "server")
	assert.Equal(t, "conn-7", ConnectionIDFromContext(ctx))
	assert.True(t, trace.SpanContextFromContext(ctx).IsValid())
	EndSpan(span, errors.New("boom"))

	_, clientSpan := tracer.StartHandshakeSpan(context.Background(), "conn-8", "client")
	EndSpan(clientSpan, nil, HandshakeAttributes("TLSv1.3", "TLS_AES_128_GCM_SHA256", true)...)

	spans := recorder.Ended()
	require.Len(t, spans, 2)

	assert.Equal(t, SpanHandshake, spans[0].Name())
	assert.Equal(t, trace.SpanKindServer, spans[0].SpanKind())
	assert.Equal(t, codes.Error, spans[0].Status().Code)

	assert.Equal(t, trace.SpanKindClient, spans[1].SpanKind())
	assert.Equal(t, codes.Ok, spans[1].Status().Code)
	attrs := map[string]string{}
	for _, kv := range spans[1].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "conn-8", attrs[string(AttrConnectionID)])
	assert.Equal(t, "TLSv1.3", attrs[string(AttrVersion)])
	assert.Equal(t, "true", attrs[string(AttrResumed)])
}

func TestSampler(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{1.0, "AlwaysOnSampler"},
		{0, "AlwaysOffSampler"},
		{0.5, "TraceIDRatioBased{0.5}"},
	}
	for _, tt := range tests {
		assert.Contains(t, sampler(tt.rate).Description(), "root:"+tt.want)
	}
}

func TestExporterOptions(t *testing.T) {
	assert.Len(t, exporterOptions(TracerConfig{OTLPEndpoint: "collector:4317"}), 3)
	assert.Len(t, exporterOptions(TracerConfig{OTLPEndpoint: "collector:4317", Insecure: true}), 4)
}
