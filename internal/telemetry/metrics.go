package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// EngineMetricsMeterName is the name used for the engine metrics meter
const EngineMetricsMeterName = "github.com/stagelink/stagelink-server/engine"

// EngineMetrics holds the OpenTelemetry instruments for the mapping engine
type EngineMetrics struct {
	propagationDuration metric.Float64Histogram
	linksActive         metric.Int64Gauge
	exhaustedTotal      metric.Int64Counter
	archivesTotal       metric.Int64Counter
}

// NewEngineMetrics creates an EngineMetrics instance with the given meter
// provider. If provider is nil, it returns nil (no-op metrics).
func NewEngineMetrics(provider metric.MeterProvider) (*EngineMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(EngineMetricsMeterName)

	propagationDuration, err := meter.Float64Histogram(
		"stagelink_propagation_duration_seconds",
		metric.WithDescription("Duration of occupancy propagation attempts in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, err
	}

	linksActive, err := meter.Int64Gauge(
		"stagelink_links_active",
		metric.WithDescription("Number of active session-to-thread links"),
		metric.WithUnit("{link}"),
	)
	if err != nil {
		return nil, err
	}

	exhaustedTotal, err := meter.Int64Counter(
		"stagelink_propagation_exhausted_total",
		metric.WithDescription("Propagations that spent their retry budget"),
	)
	if err != nil {
		return nil, err
	}

	archivesTotal, err := meter.Int64Counter(
		"stagelink_thread_archives_total",
		metric.WithDescription("Threads archived during link removal"),
	)
	if err != nil {
		return nil, err
	}

	return &EngineMetrics{
		propagationDuration: propagationDuration,
		linksActive:         linksActive,
		exhaustedTotal:      exhaustedTotal,
		archivesTotal:       archivesTotal,
	}, nil
}

// RecordPropagation records the duration and outcome of one propagation
// attempt
func (m *EngineMetrics) RecordPropagation(ctx context.Context, duration time.Duration, success bool) {
	if m == nil || m.propagationDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.Bool("success", success),
	}
	m.propagationDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordLinks records the current number of active links
func (m *EngineMetrics) RecordLinks(ctx context.Context, count int64) {
	if m == nil || m.linksActive == nil {
		return
	}
	m.linksActive.Record(ctx, count)
}

// RecordExhausted counts a propagation that spent its retry budget
func (m *EngineMetrics) RecordExhausted(ctx context.Context) {
	if m == nil || m.exhaustedTotal == nil {
		return
	}
	m.exhaustedTotal.Add(ctx, 1)
}

// RecordArchive counts a successful thread archive
func (m *EngineMetrics) RecordArchive(ctx context.Context) {
	if m == nil || m.archivesTotal == nil {
		return
	}
	m.archivesTotal.Add(ctx, 1)
}
