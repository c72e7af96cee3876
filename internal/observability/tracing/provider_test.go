package tracing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestNewExporterRejectsUnknownProtocol(t *testing.T) {
	_, err := newExporter(Config{ExporterProtocol: "thrift"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "thrift")
}

func TestNewProviderWithoutExport(t *testing.T) {
	provider, err := NewProvider(nil, Config{ServiceName: "metergate", SamplingRatio: 1}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = provider.Shutdown(t.Context()) })

	_, span := provider.Tracer("test").Start(t.Context(), "op")
	assert.True(t, span.SpanContext().IsValid())
	span.End()
}

func TestSafeAttributesDropsSecrets(t *testing.T) {
	attrs := SafeAttributes(
		attribute.String("authorization", "Bearer x"),
		attribute.String("idempotency_key", "evt_1"),
		attribute.String("feature_id", "messages"),
	)
	require.Len(t, attrs, 1)
	assert.Equal(t, attribute.Key("feature_id"), attrs[0].Key)
}
