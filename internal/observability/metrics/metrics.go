package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes request-level instruments exported over OTLP.
type Metrics struct {
	checks   metric.Int64Counter
	tracks   metric.Int64Counter
	deducted metric.Float64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "metergate"
	}
	meter := provider.Meter(name)

	checks, err := meter.Int64Counter("metergate_checks_total")
	if err != nil {
		return nil, err
	}
	tracks, err := meter.Int64Counter("metergate_tracks_total")
	if err != nil {
		return nil, err
	}
	deducted, err := meter.Float64Counter("metergate_deducted_units_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{checks: checks, tracks: tracks, deducted: deducted}, nil
}

// RecordCheck counts an access check by outcome.
func (m *Metrics) RecordCheck(ctx context.Context, featureID string, allowed bool) {
	if m == nil {
		return
	}
	outcome := "denied"
	if allowed {
		outcome = "allowed"
	}
	attrs := FilterAttributes(
		attribute.String("feature_id", strings.TrimSpace(featureID)),
		attribute.String("outcome", outcome),
	)
	m.checks.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordTrack counts a usage report and the units it removed per feature.
func (m *Metrics) RecordTrack(ctx context.Context, path, outcome string, applied map[string]float64) {
	if m == nil {
		return
	}
	m.tracks.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("path", path),
		attribute.String("outcome", outcome),
	)...))
	for featureID, amount := range applied {
		m.deducted.Add(ctx, amount, metric.WithAttributes(FilterAttributes(
			attribute.String("feature_id", featureID),
			attribute.String("path", path),
		)...))
	}
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

// Customer ids are deliberately absent: they are unbounded.
var allowedLabelKeys = map[attribute.Key]struct{}{
	"feature_id": {},
	"path":       {},
	"outcome":    {},
	"reason":     {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
