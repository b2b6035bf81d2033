package otel

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

type handleKey struct{}

// Handle wraps tracer and shutdown
type Handle struct {
	Tracer   trace.Tracer
	Shutdown func(context.Context) error
}

// WithHandle stores the OTel Handle in context.
func WithHandle(ctx context.Context, h *Handle) context.Context {
	return context.WithValue(ctx, handleKey{}, h)
}

// From retrieves the OTel Handle from context.
// Returns nil if OTel is not enabled.
func From(ctx context.Context) *Handle {
	h, _ := ctx.Value(handleKey{}).(*Handle)
	return h
}

// StartSpan opens a span if tracing is enabled, otherwise returns ctx with
// a no-op span.
func StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if h := From(ctx); h != nil {
		return h.Tracer.Start(ctx, name)
	}
	return noop.NewTracerProvider().Tracer("").Start(ctx, name)
}
