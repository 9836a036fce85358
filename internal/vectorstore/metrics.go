package vectorstore

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OperationsTotal counts store operations.
	// Labels: provider, operation, result (success, error, unsupported)
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ecotone",
			Subsystem: "vectorstore",
			Name:      "operations_total",
			Help:      "Total number of vector store operations",
		},
		[]string{"provider", "operation", "result"},
	)

	// OperationDuration tracks how long store operations take.
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ecotone",
			Subsystem: "vectorstore",
			Name:      "operation_duration_seconds",
			Help:      "Duration of vector store operations in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"provider", "operation"},
	)

	// SearchHits tracks the number of hits returned per search.
	SearchHits = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ecotone",
			Subsystem: "vectorstore",
			Name:      "search_hits",
			Help:      "Number of hits returned per search",
			Buckets:   []float64{0, 1, 2, 3, 5, 10, 20, 50, 200},
		},
		[]string{"provider"},
	)
)

// recordOperation records the outcome of one store call.
func recordOperation(provider, operation string, start time.Time, err error) {
	OperationDuration.WithLabelValues(provider, operation).Observe(time.Since(start).Seconds())
	switch {
	case err == nil:
		OperationsTotal.WithLabelValues(provider, operation, "success").Inc()
	case errors.Is(err, ErrNeighborsUnsupported):
		OperationsTotal.WithLabelValues(provider, operation, "unsupported").Inc()
	default:
		OperationsTotal.WithLabelValues(provider, operation, "error").Inc()
	}
}

// instrumented wraps a Store with Prometheus metrics.
type instrumented struct {
	Store
	provider string
}

// Instrument wraps s so every call is recorded under provider.
func Instrument(s Store, provider string) Store {
	return &instrumented{Store: s, provider: provider}
}

// Len forwards to the wrapped store, or returns -1 when it cannot count.
func (i *instrumented) Len() int {
	if l, ok := i.Store.(interface{ Len() int }); ok {
		return l.Len()
	}
	return -1
}

func (i *instrumented) Search(ctx context.Context, vector []float32, topK int) (hits []Hit, err error) {
	defer func(start time.Time) {
		recordOperation(i.provider, "search", start, err)
		if err == nil {
			SearchHits.WithLabelValues(i.provider).Observe(float64(len(hits)))
		}
	}(time.Now())
	return i.Store.Search(ctx, vector, topK)
}

func (i *instrumented) Upsert(ctx context.Context, doc Document) (id string, err error) {
	defer func(start time.Time) { recordOperation(i.provider, "upsert", start, err) }(time.Now())
	return i.Store.Upsert(ctx, doc)
}

func (i *instrumented) Get(ctx context.Context, id string) (doc *Document, err error) {
	defer func(start time.Time) { recordOperation(i.provider, "get", start, err) }(time.Now())
	return i.Store.Get(ctx, id)
}

func (i *instrumented) Neighbors(ctx context.Context, id string) (n []Neighbor, err error) {
	defer func(start time.Time) { recordOperation(i.provider, "neighbors", start, err) }(time.Now())
	return i.Store.Neighbors(ctx, id)
}
