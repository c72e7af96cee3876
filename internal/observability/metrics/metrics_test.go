package metrics

import (
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("feature_id", "messages"),
		attribute.String("customer_id", "cus_1"),
		attribute.String("path", "cache"),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	for _, attr := range attrs {
		if attr.Key == "customer_id" {
			t.Fatalf("customer_id must not be exported")
		}
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordCheck(t.Context(), "messages", true)
	m.RecordTrack(t.Context(), "cache", "ok", map[string]float64{"messages": 1})
}
