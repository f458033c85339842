package export

import (
	"context"
	"fmt"

	"github.com/agenttrace/agenttrace/trace"
)

// SpanCapturer forwards a security-sensitive span to the audit log.
// Wired to the audit service in the server bootstrap; kept as a function
// type so this package does not depend on package audit.
type SpanCapturer func(ctx context.Context, span *trace.Span) error

// SensitiveFilter decides whether a span is security sensitive.
type SensitiveFilter func(span *trace.Span) bool

// DefaultSensitiveFilter flags spans explicitly marked sensitive plus tool
// calls whose tool name suggests credential or data access.
func DefaultSensitiveFilter(span *trace.Span) bool {
	if v, ok := span.Attributes["security.sensitive"].(bool); ok && v {
		return true
	}
	if span.Kind != trace.KindToolCall {
		return false
	}
	name, _ := span.Attributes["tool.name"].(string)
	switch name {
	case "credential_read", "secret_access", "data_export", "user_delete":
		return true
	}
	return false
}

// AuditSink filters security-sensitive spans and forwards them to the
// audit log. Non-sensitive spans are acknowledged without side effects.
type AuditSink struct {
	capture SpanCapturer
	filter  SensitiveFilter
}

// NewAuditSink creates an audit sink. A nil filter uses
// DefaultSensitiveFilter.
func NewAuditSink(capture SpanCapturer, filter SensitiveFilter) *AuditSink {
	if filter == nil {
		filter = DefaultSensitiveFilter
	}
	return &AuditSink{capture: capture, filter: filter}
}

func (s *AuditSink) Name() string { return "audit" }

func (s *AuditSink) Export(ctx context.Context, batch []*trace.Span) Result {
	for _, span := range batch {
		if !s.filter(span) {
			continue
		}
		if err := s.capture(ctx, span); err != nil {
			return Transient(fmt.Errorf("audit capture span %s: %w", span.SpanID, err))
		}
	}
	return Ok()
}
