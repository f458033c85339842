package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/agenttrace/agenttrace/trace"
)

// ConsoleSink writes spans as single-line JSON to a writer. Development use.
type ConsoleSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewConsoleSink creates a console sink. A nil writer defaults to stdout.
func NewConsoleSink(w io.Writer) *ConsoleSink {
	if w == nil {
		w = os.Stdout
	}
	return &ConsoleSink{w: w}
}

func (s *ConsoleSink) Name() string { return "console" }

func (s *ConsoleSink) Export(ctx context.Context, batch []*trace.Span) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, span := range batch {
		data, err := json.Marshal(span)
		if err != nil {
			return Permanent(fmt.Errorf("encode span %s: %w", span.SpanID, err))
		}
		if _, err := fmt.Fprintf(s.w, "%s\n", data); err != nil {
			return Transient(fmt.Errorf("write span %s: %w", span.SpanID, err))
		}
	}
	return Ok()
}
