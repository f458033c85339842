package export

import (
	"context"
	"time"

	"github.com/agenttrace/agenttrace/trace"
)

// Outcome classifies a sink export attempt.
type Outcome int

const (
	// Success 批次已被接收，可以释放
	Success Outcome = iota
	// TransientFailure 临时失败，可按退避策略重试
	TransientFailure
	// PermanentFailure 永久失败，直接进入死信
	PermanentFailure
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case TransientFailure:
		return "transient_failure"
	case PermanentFailure:
		return "permanent_failure"
	default:
		return "unknown"
	}
}

// Result is the outcome of one export attempt.
type Result struct {
	Outcome Outcome
	Err     error
}

// Ok returns a success result.
func Ok() Result { return Result{Outcome: Success} }

// Transient wraps an error as a retryable failure.
func Transient(err error) Result { return Result{Outcome: TransientFailure, Err: err} }

// Permanent wraps an error as a non-retryable failure.
func Permanent(err error) Result { return Result{Outcome: PermanentFailure, Err: err} }

// Sink is a destination for exported spans.
type Sink interface {
	// Name identifies the sink in logs, metrics, and dead-letter records.
	Name() string

	// Export delivers one batch. Delivery is at-least-once: the pipeline
	// retries transient failures, so sinks must tolerate duplicates.
	Export(ctx context.Context, batch []*trace.Span) Result
}

// Metrics is the subset of the internal metrics collector the pipeline
// reports to. A nil Metrics is valid and drops all observations.
type Metrics interface {
	RecordSpanEmitted(kind string)
	RecordSpanDropped(reason string)
	RecordBatchExport(sink, outcome string, duration time.Duration)
	RecordBatchRetry(sink string)
	RecordDeadLettered(count int)
	SetExportQueueDepth(depth int)
}

// nopMetrics backs a nil Metrics.
type nopMetrics struct{}

func (nopMetrics) RecordSpanEmitted(string)                        {}
func (nopMetrics) RecordSpanDropped(string)                        {}
func (nopMetrics) RecordBatchExport(string, string, time.Duration) {}
func (nopMetrics) RecordBatchRetry(string)                         {}
func (nopMetrics) RecordDeadLettered(int)                          {}
func (nopMetrics) SetExportQueueDepth(int)                         {}
