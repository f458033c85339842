package export

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agenttrace/agenttrace/internal/retry"
	"github.com/agenttrace/agenttrace/trace"
)

func testSpan(id, traceID string, kind trace.SpanKind) *trace.Span {
	now := time.Now().UTC()
	return &trace.Span{
		SpanID:  id,
		TraceID: traceID,
		Kind:    kind,
		Name:    id,
		StartTS: now,
		EndTS:   now,
		Status:  trace.StatusOK,
	}
}

func TestConsoleSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewConsoleSink(&buf)

	res := sink.Export(context.Background(), []*trace.Span{
		testSpan("s1", "t1", trace.KindAgent),
		testSpan("s2", "t1", trace.KindLLMCall),
	})
	require.Equal(t, Success, res.Outcome)

	scanner := bufio.NewScanner(&buf)
	var lines int
	for scanner.Scan() {
		var decoded trace.Span
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &decoded))
		lines++
	}
	assert.Equal(t, 2, lines)
}

func TestFileSink_DatePartitioning(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(dir)
	require.NoError(t, err)
	defer sink.Close()

	day1 := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)
	current := day1
	sink.now = func() time.Time { return current }

	require.Equal(t, Success, sink.Export(context.Background(), []*trace.Span{testSpan("s1", "t1", trace.KindAgent)}).Outcome)
	current = day2
	require.Equal(t, Success, sink.Export(context.Background(), []*trace.Span{testSpan("s2", "t1", trace.KindAgent)}).Outcome)

	for _, date := range []string{"2026-02-01", "2026-02-02"} {
		data, err := os.ReadFile(filepath.Join(dir, "spans-"+date+".jsonl"))
		require.NoError(t, err, "partition for %s should exist", date)
		assert.NotEmpty(t, data)
	}
}

func TestHTTPSink_Classification(t *testing.T) {
	var status atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer key-1", r.Header.Get("Authorization"))
		var body httpBatch
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	sink := NewHTTPSink(HTTPSinkConfig{Endpoint: srv.URL, APIKey: "key-1", Project: "proj"})
	batch := []*trace.Span{testSpan("s1", "t1", trace.KindAgent)}

	status.Store(200)
	assert.Equal(t, Success, sink.Export(context.Background(), batch).Outcome)

	status.Store(503)
	assert.Equal(t, TransientFailure, sink.Export(context.Background(), batch).Outcome)

	status.Store(429)
	assert.Equal(t, TransientFailure, sink.Export(context.Background(), batch).Outcome)

	status.Store(400)
	assert.Equal(t, PermanentFailure, sink.Export(context.Background(), batch).Outcome)
}

func TestHTTPSink_ConnectionErrorIsTransient(t *testing.T) {
	sink := NewHTTPSink(HTTPSinkConfig{Endpoint: "http://127.0.0.1:1", Timeout: 200 * time.Millisecond})
	res := sink.Export(context.Background(), []*trace.Span{testSpan("s1", "t1", trace.KindAgent)})
	assert.Equal(t, TransientFailure, res.Outcome)
}

func TestAuditSink_FiltersSensitiveSpans(t *testing.T) {
	var captured []*trace.Span
	sink := NewAuditSink(func(ctx context.Context, span *trace.Span) error {
		captured = append(captured, span)
		return nil
	}, nil)

	normal := testSpan("s1", "t1", trace.KindLLMCall)
	flagged := testSpan("s2", "t1", trace.KindCustom)
	flagged.Attributes = map[string]any{"security.sensitive": true}
	toolSpan := testSpan("s3", "t1", trace.KindToolCall)
	toolSpan.Attributes = map[string]any{"tool.name": "secret_access"}

	res := sink.Export(context.Background(), []*trace.Span{normal, flagged, toolSpan})
	require.Equal(t, Success, res.Outcome)
	require.Len(t, captured, 2)
	assert.Equal(t, "s2", captured[0].SpanID)
	assert.Equal(t, "s3", captured[1].SpanID)
}

// flakySink fails transiently a fixed number of times, then succeeds.
type flakySink struct {
	name      string
	failures  atomic.Int32
	succeeded atomic.Int32
	permanent bool
}

func (f *flakySink) Name() string { return f.name }

func (f *flakySink) Export(ctx context.Context, batch []*trace.Span) Result {
	if f.failures.Load() > 0 {
		f.failures.Add(-1)
		if f.permanent {
			return Permanent(assert.AnError)
		}
		return Transient(assert.AnError)
	}
	f.succeeded.Add(1)
	return Ok()
}

func TestCompositeSink_IndependentChildren(t *testing.T) {
	dir := t.TempDir()
	dl, err := NewDeadLetter(dir, zap.NewNop())
	require.NoError(t, err)

	healthy := &flakySink{name: "healthy"}
	flaky := &flakySink{name: "flaky"}
	flaky.failures.Store(2)
	broken := &flakySink{name: "broken", permanent: true}
	broken.failures.Store(1)

	comp := NewCompositeSink(
		[]Sink{healthy, flaky, broken},
		&retry.Policy{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2.0},
		dl, nil, zap.NewNop(),
	)

	res := comp.Export(context.Background(), []*trace.Span{testSpan("s1", "t1", trace.KindAgent)})
	require.Equal(t, Success, res.Outcome, "composite acknowledges after handling children")

	assert.Equal(t, int32(1), healthy.succeeded.Load())
	assert.Equal(t, int32(1), flaky.succeeded.Load(), "flaky child recovers within its own retry budget")

	// Broken child's batch went to the dead letter.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Name(), "batch-")
}

func TestDeadLetter_FileFormat(t *testing.T) {
	dir := t.TempDir()
	dl, err := NewDeadLetter(dir, zap.NewNop())
	require.NoError(t, err)

	path := dl.Write("http", "retries_exhausted", []*trace.Span{
		testSpan("s1", "t1", trace.KindAgent),
		testSpan("s2", "t1", trace.KindLLMCall),
	})
	require.NotEmpty(t, path)
	assert.Contains(t, filepath.Base(path), "batch-")
	assert.Contains(t, filepath.Base(path), ".jsonl")

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	require.True(t, scanner.Scan())
	var header deadLetterHeader
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &header))
	assert.Equal(t, "http", header.Sink)
	assert.Equal(t, 2, header.SpanCount)

	var spans int
	for scanner.Scan() {
		var s trace.Span
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &s))
		spans++
	}
	assert.Equal(t, 2, spans)
}
