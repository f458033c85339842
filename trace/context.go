package trace

import "context"

// currentSpanKey is the per-context current-span slot. Goroutines must pass
// the returned context across task boundaries explicitly; there is no
// goroutine-local fallback.
type currentSpanKey struct{}

// ContextWithSpan returns a context whose current-span slot holds span.
func ContextWithSpan(ctx context.Context, span *Span) context.Context {
	return context.WithValue(ctx, currentSpanKey{}, span)
}

// SpanFromContext returns the current span, or nil if the slot is empty.
func SpanFromContext(ctx context.Context) *Span {
	s, _ := ctx.Value(currentSpanKey{}).(*Span)
	return s
}
