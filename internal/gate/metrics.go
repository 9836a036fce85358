package gate

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/ecotone/internal/gate"

// Metrics holds integrity gate metrics.
type Metrics struct {
	meter       metric.Meter
	logger      *zap.Logger
	evaluations metric.Int64Counter
	failures    metric.Int64Counter
	modelCalls  metric.Int64Counter
}

// NewMetrics creates gate metrics on the global meter provider.
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

	m.evaluations, err = m.meter.Int64Counter(
		"ecotone.gate.evaluations_total",
		metric.WithDescription("Gate evaluations by outcome"),
		metric.WithUnit("{evaluation}"),
	)
	if err != nil {
		m.logger.Warn("failed to create evaluations counter", zap.Error(err))
	}

	m.failures, err = m.meter.Int64Counter(
		"ecotone.gate.failures_total",
		metric.WithDescription("Gate failures by failure code and check type"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		m.logger.Warn("failed to create failures counter", zap.Error(err))
	}

	m.modelCalls, err = m.meter.Int64Counter(
		"ecotone.gate.model_audits_total",
		metric.WithDescription("Utility model audits issued"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		m.logger.Warn("failed to create model audits counter", zap.Error(err))
	}
}

func (m *Metrics) recordOutcome(ctx context.Context, outcome Outcome, v Verdict) {
	if m == nil {
		return
	}
	if m.evaluations != nil {
		m.evaluations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(outcome))))
	}
	if !v.Pass && m.failures != nil {
		m.failures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("failure_code", v.FailureCode),
			attribute.String("check_type", v.CheckType),
		))
	}
}

func (m *Metrics) recordModelCall(ctx context.Context) {
	if m == nil || m.modelCalls == nil {
		return
	}
	m.modelCalls.Add(ctx, 1)
}
