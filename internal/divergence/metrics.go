package divergence

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/ecotone/internal/divergence"

// Measurement results.
const (
	resultSkipped  = "skipped"
	resultCacheHit = "cache_hit"
	resultMeasured = "measured"
	resultEmpty    = "empty"
	resultDegraded = "degraded"
)

// Metrics holds divergence engine metrics.
type Metrics struct {
	meter         metric.Meter
	logger        *zap.Logger
	measurements  metric.Int64Counter
	novelty       metric.Float64Histogram
	storeFailures metric.Int64Counter
}

// NewMetrics creates divergence metrics on the global meter provider.
func NewMetrics(logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Metrics{
		meter:  otel.Meter(instrumentationName),
		logger: logger,
	}
	m.init()
	return m
}

func (m *Metrics) init() {
	var err error

	m.measurements, err = m.meter.Int64Counter(
		"ecotone.divergence.measurements_total",
		metric.WithDescription("Divergence measurements by result"),
		metric.WithUnit("{measurement}"),
	)
	if err != nil {
		m.logger.Warn("failed to create measurements counter", zap.Error(err))
	}

	m.novelty, err = m.meter.Float64Histogram(
		"ecotone.divergence.topic_novelty",
		metric.WithDescription("Topic novelty of fresh measurements"),
		metric.WithExplicitBucketBoundaries(0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0),
	)
	if err != nil {
		m.logger.Warn("failed to create novelty histogram", zap.Error(err))
	}

	m.storeFailures, err = m.meter.Int64Counter(
		"ecotone.divergence.store_failures_total",
		metric.WithDescription("Memory store failures during measurement"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		m.logger.Warn("failed to create store failures counter", zap.Error(err))
	}
}

func (m *Metrics) recordResult(ctx context.Context, result string) {
	if m == nil || m.measurements == nil {
		return
	}
	m.measurements.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *Metrics) recordNovelty(ctx context.Context, novelty float64) {
	if m == nil || m.novelty == nil {
		return
	}
	m.novelty.Record(ctx, novelty)
}

func (m *Metrics) recordStoreFailure(ctx context.Context, store string) {
	if m == nil || m.storeFailures == nil {
		return
	}
	m.storeFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("store", store)))
}
