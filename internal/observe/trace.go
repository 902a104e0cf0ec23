package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/sayless"

// Tracer returns the sayless [trace.Tracer] from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span and returns the updated context and span. The
// caller must call span.End() when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// CorrelationID extracts the trace ID from the span context in ctx, or returns
// the empty string when there is no valid span.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

type flushIDKey struct{}

// WithFlushID returns a copy of ctx carrying the id of the flush it belongs
// to. [Logger] adds it to every record.
func WithFlushID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, flushIDKey{}, id)
}

// FlushID returns the flush id stored by [WithFlushID], or "".
func FlushID(ctx context.Context) string {
	id, _ := ctx.Value(flushIDKey{}).(string)
	return id
}

// Logger returns the default [slog.Logger] enriched with trace_id and span_id
// from the span in ctx and the flush_id set by [WithFlushID].
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if id := FlushID(ctx); id != "" {
		l = l.With(slog.String("flush_id", id))
	}
	return l
}
