package http

import (
	"context"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/ecotone/internal/http"

// collectionKey is the echo context key storeFor uses to label requests.
const collectionKey = "ecotone.collection"

type serverMetrics struct {
	logger   *zap.Logger
	requests metric.Int64Counter
	latency  metric.Float64Histogram
	hits     metric.Int64Histogram
}

func newServerMetrics(meter metric.Meter, logger *zap.Logger) *serverMetrics {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &serverMetrics{logger: logger}

	var err error
	m.requests, err = meter.Int64Counter(
		"ecotone.http.requests_total",
		metric.WithDescription("Substrate API requests by route, method, status and collection"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		logger.Warn("failed to create requests counter", zap.Error(err))
	}

	m.latency, err = meter.Float64Histogram(
		"ecotone.http.request_duration_seconds",
		metric.WithDescription("Substrate API latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		logger.Warn("failed to create latency histogram", zap.Error(err))
	}

	m.hits, err = meter.Int64Histogram(
		"ecotone.http.search_hits",
		metric.WithDescription("Hits returned per /search call"),
		metric.WithUnit("{hit}"),
		metric.WithExplicitBucketBoundaries(0, 1, 3, 5, 10, 20, 50, 100, 200),
	)
	if err != nil {
		logger.Warn("failed to create search hits histogram", zap.Error(err))
	}
	return m
}

// middleware records one request sample. Echo reports the route template
// (/documents/:id), so document ids never become label values.
func (m *serverMetrics) middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				// let echo render the error so the status below is final
				c.Error(err)
			}

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			collection, _ := c.Get(collectionKey).(string)
			attrs := metric.WithAttributes(
				attribute.String("route", route),
				attribute.String("method", c.Request().Method),
				attribute.Int("status", c.Response().Status),
				attribute.String("collection", collection),
			)
			ctx := c.Request().Context()
			if m.requests != nil {
				m.requests.Add(ctx, 1, attrs)
			}
			if m.latency != nil {
				m.latency.Record(ctx, time.Since(start).Seconds(), attrs)
			}
			return nil
		}
	}
}

func (m *serverMetrics) recordHits(ctx context.Context, collection string, n int) {
	if m.hits == nil {
		return
	}
	m.hits.Record(ctx, int64(n), metric.WithAttributes(attribute.String("collection", collection)))
}
