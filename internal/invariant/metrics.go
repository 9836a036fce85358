package invariant

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/ecotone/internal/invariant"

// Metrics holds epitaph store metrics.
type Metrics struct {
	meter      metric.Meter
	logger     *zap.Logger
	operations metric.Int64Counter
	errors     metric.Int64Counter
	dropped    metric.Int64Counter
}

// NewMetrics creates invariant metrics on the global meter provider.
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

	m.operations, err = m.meter.Int64Counter(
		"ecotone.invariant.operations_total",
		metric.WithDescription("Epitaph store operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		m.logger.Warn("failed to create operations counter", zap.Error(err))
	}

	m.errors, err = m.meter.Int64Counter(
		"ecotone.invariant.errors_total",
		metric.WithDescription("Failed epitaph store operations"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		m.logger.Warn("failed to create errors counter", zap.Error(err))
	}

	m.dropped, err = m.meter.Int64Counter(
		"ecotone.invariant.tasks_dropped_total",
		metric.WithDescription("Background tasks refused after shutdown"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		m.logger.Warn("failed to create dropped tasks counter", zap.Error(err))
	}
}

func (m *Metrics) record(ctx context.Context, op string, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("operation", op))
	if m.operations != nil {
		m.operations.Add(ctx, 1, attrs)
	}
	if err != nil && m.errors != nil {
		m.errors.Add(ctx, 1, attrs)
	}
}

func (m *Metrics) recordDropped(ctx context.Context, task string) {
	if m == nil || m.dropped == nil {
		return
	}
	m.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("task", task)))
}
