package export

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agenttrace/agenttrace/trace"
)

// FileSink appends spans as JSON lines to date-partitioned files:
// <dir>/spans-<yyyy-mm-dd>.jsonl.
type FileSink struct {
	dir string

	mu          sync.Mutex
	currentDate string
	file        *os.File

	now func() time.Time
}

// NewFileSink creates a file sink rooted at dir (created if missing).
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create span file dir: %w", err)
	}
	return &FileSink{dir: dir, now: time.Now}, nil
}

func (s *FileSink) Name() string { return "file" }

func (s *FileSink) Export(ctx context.Context, batch []*trace.Span) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.fileForDate(s.now().UTC().Format("2006-01-02"))
	if err != nil {
		return Transient(err)
	}

	for _, span := range batch {
		data, err := json.Marshal(span)
		if err != nil {
			return Permanent(fmt.Errorf("encode span %s: %w", span.SpanID, err))
		}
		if _, err := f.Write(append(data, '\n')); err != nil {
			return Transient(fmt.Errorf("append span %s: %w", span.SpanID, err))
		}
	}

	if err := f.Sync(); err != nil {
		return Transient(fmt.Errorf("sync span file: %w", err))
	}
	return Ok()
}

// fileForDate returns the open file for the given partition, rotating when
// the date changes. Caller holds s.mu.
func (s *FileSink) fileForDate(date string) (*os.File, error) {
	if s.file != nil && s.currentDate == date {
		return s.file, nil
	}
	if s.file != nil {
		s.file.Close()
		s.file = nil
	}

	path := filepath.Join(s.dir, fmt.Sprintf("spans-%s.jsonl", date))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open span file %s: %w", path, err)
	}
	s.file = f
	s.currentDate = date
	return f, nil
}

// Close closes the current partition file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
