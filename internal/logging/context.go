package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type monologueCtxKey struct{}

// ContextFields extracts correlation data from context: the active span and
// the monologue the call belongs to.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 3)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}

	if id := MonologueIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("monologue.id", id))
	}

	return fields
}

// WithMonologueID tags the context with a monologue id for log correlation.
func WithMonologueID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, monologueCtxKey{}, id)
}

// MonologueIDFromContext returns the monologue id, or "".
func MonologueIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(monologueCtxKey{}).(string); ok {
		return id
	}
	return ""
}
