package trace

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Emitter receives closed spans. Implemented by the export pipeline; kept as
// a one-method interface here so trace does not depend on trace/export.
type Emitter interface {
	Emit(span *Span)
}

// DropCounter is notified when a span is discarded before emission.
// Implemented by internal/metrics.Collector.
type DropCounter interface {
	RecordSpanDropped(reason string)
}

// StartOption customizes StartSpan.
type StartOption func(*startOptions)

type startOptions struct {
	kind    SpanKind
	parent  *Span
	traceID string
}

// WithKind sets the span kind (default custom).
func WithKind(kind SpanKind) StartOption {
	return func(o *startOptions) { o.kind = kind }
}

// WithParent overrides parent inference with an explicit parent span.
func WithParent(parent *Span) StartOption {
	return func(o *startOptions) { o.parent = parent }
}

// WithTraceID forces the trace ID of a root span (for ingest of spans whose
// trace identity is assigned upstream).
func WithTraceID(traceID string) StartOption {
	return func(o *startOptions) { o.traceID = traceID }
}

// Tracer creates spans and routes closed spans to the export pipeline.
type Tracer struct {
	emitter Emitter
	drops   DropCounter
	logger  *zap.Logger

	mu     sync.Mutex
	active map[string]*Span // open spans, for best-effort shutdown flush
}

// NewTracer creates a tracer. emitter may be nil (spans are then dropped on
// End, useful in tests); drops may be nil.
func NewTracer(emitter Emitter, drops DropCounter, logger *zap.Logger) *Tracer {
	return &Tracer{
		emitter: emitter,
		drops:   drops,
		logger:  logger.With(zap.String("component", "tracer")),
		active:  make(map[string]*Span),
	}
}

// StartSpan starts a span. A span started without an explicit parent inherits
// the context's current span; with an empty slot it becomes a root span.
// The returned context carries the new span in its current-span slot.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...StartOption) (context.Context, *Span) {
	o := startOptions{kind: KindCustom}
	for _, opt := range opts {
		opt(&o)
	}

	parent := o.parent
	if parent == nil {
		parent = SpanFromContext(ctx)
	}

	span := &Span{
		SpanID:  uuid.NewString(),
		Kind:    o.kind,
		Name:    name,
		StartTS: time.Now().UTC(),
		owner:   t,
	}

	switch {
	case parent != nil:
		span.TraceID = parent.TraceID
		span.ParentSpanID = parent.SpanID
	case o.traceID != "":
		span.TraceID = o.traceID
	default:
		span.TraceID = uuid.NewString()
	}

	t.mu.Lock()
	t.active[span.SpanID] = span
	t.mu.Unlock()

	return ContextWithSpan(ctx, span), span
}

// finish is called by Span.End: validates invariants and emits.
func (t *Tracer) finish(span *Span) {
	t.mu.Lock()
	delete(t.active, span.SpanID)
	t.mu.Unlock()

	// A parented span must share its parent's trace; a violation means the
	// caller stitched contexts incorrectly. Drop, count, never block.
	if span.ParentSpanID != "" && span.TraceID == "" {
		if t.drops != nil {
			t.drops.RecordSpanDropped("invalid_parent")
		}
		t.logger.Debug("dropping span with invalid parent linkage",
			zap.String("span_id", span.SpanID),
			zap.String("parent_span_id", span.ParentSpanID),
		)
		return
	}

	if t.emitter != nil {
		t.emitter.Emit(span)
	}
}

// Shutdown closes all still-open spans with status=cancelled (synthetic end
// timestamp from the last observed event) and emits them best-effort.
func (t *Tracer) Shutdown() {
	t.mu.Lock()
	open := make([]*Span, 0, len(t.active))
	for _, s := range t.active {
		open = append(open, s)
	}
	t.active = make(map[string]*Span)
	t.mu.Unlock()

	for _, s := range open {
		s.closeCancelled()
		if t.emitter != nil {
			t.emitter.Emit(s)
		}
	}

	if len(open) > 0 {
		t.logger.Info("flushed open spans on shutdown", zap.Int("count", len(open)))
	}
}

// ActiveCount returns the number of currently open spans.
func (t *Tracer) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}
