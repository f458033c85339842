package export

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/agenttrace/agenttrace/trace"
)

// DeadLetter persists batches that exhausted their retries as JSONL files
// named batch-<ulid>.jsonl. One line per span, prefixed by a header line
// identifying the originating sink.
type DeadLetter struct {
	dir    string
	logger *zap.Logger

	mu      sync.Mutex
	entropy *rand.Rand
}

// deadLetterHeader is the first line of every dead-letter file.
type deadLetterHeader struct {
	Sink      string    `json:"sink"`
	Reason    string    `json:"reason"`
	SpanCount int       `json:"span_count"`
	WrittenAt time.Time `json:"written_at"`
}

// NewDeadLetter creates a dead-letter store under dir.
func NewDeadLetter(dir string, logger *zap.Logger) (*DeadLetter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create dead-letter dir: %w", err)
	}
	return &DeadLetter{
		dir:     dir,
		logger:  logger.With(zap.String("component", "deadletter")),
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Write persists one failed batch. Errors are logged, not returned: the
// dead letter is the last stop, there is nowhere further to escalate.
func (d *DeadLetter) Write(sink, reason string, batch []*trace.Span) string {
	d.mu.Lock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), d.entropy).String()
	d.mu.Unlock()

	path := filepath.Join(d.dir, fmt.Sprintf("batch-%s.jsonl", id))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		d.logger.Error("failed to create dead-letter file",
			zap.String("path", path), zap.Error(err))
		return ""
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	header := deadLetterHeader{
		Sink:      sink,
		Reason:    reason,
		SpanCount: len(batch),
		WrittenAt: time.Now().UTC(),
	}
	if err := enc.Encode(header); err != nil {
		d.logger.Error("failed to write dead-letter header", zap.Error(err))
		return ""
	}
	for _, span := range batch {
		if err := enc.Encode(span); err != nil {
			d.logger.Error("failed to write dead-letter span",
				zap.String("span_id", span.SpanID), zap.Error(err))
		}
	}

	d.logger.Warn("batch dead-lettered",
		zap.String("sink", sink),
		zap.String("reason", reason),
		zap.Int("spans", len(batch)),
		zap.String("path", path),
	)
	return path
}
