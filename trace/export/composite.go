package export

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/agenttrace/agenttrace/internal/retry"
	"github.com/agenttrace/agenttrace/trace"
)

// CompositeSink fans a batch out to multiple underlying sinks, each with
// independent retry state. A child that exhausts its retries has the batch
// dead-lettered under its own name; other children are unaffected, so the
// composite itself always acknowledges the batch.
type CompositeSink struct {
	children   []Sink
	policy     *retry.Policy
	deadLetter *DeadLetter
	metrics    Metrics
	logger     *zap.Logger
}

// NewCompositeSink creates a composite over children. policy may be nil
// (default backoff); deadLetter may be nil (exhausted batches are dropped
// with a log line); metrics may be nil.
func NewCompositeSink(children []Sink, policy *retry.Policy, deadLetter *DeadLetter, m Metrics, logger *zap.Logger) *CompositeSink {
	if policy == nil {
		policy = retry.DefaultPolicy()
	}
	if m == nil {
		m = nopMetrics{}
	}
	return &CompositeSink{
		children:   children,
		policy:     policy,
		deadLetter: deadLetter,
		metrics:    m,
		logger:     logger.With(zap.String("component", "composite_sink")),
	}
}

func (s *CompositeSink) Name() string { return "composite" }

func (s *CompositeSink) Export(ctx context.Context, batch []*trace.Span) Result {
	for _, child := range s.children {
		s.exportChild(ctx, child, batch)
	}
	return Ok()
}

// exportChild drives one child through its retry schedule.
func (s *CompositeSink) exportChild(ctx context.Context, child Sink, batch []*trace.Span) {
	attempt := 0
	retryer := retry.NewBackoffRetryer(&retry.Policy{
		MaxRetries:   s.policy.MaxRetries,
		InitialDelay: s.policy.InitialDelay,
		MaxDelay:     s.policy.MaxDelay,
		Multiplier:   s.policy.Multiplier,
		Jitter:       s.policy.Jitter,
		OnRetry: func(int, error, time.Duration) {
			s.metrics.RecordBatchRetry(child.Name())
		},
	}, s.logger)

	err := retryer.Do(ctx, func() error {
		attempt++
		start := time.Now()
		res := child.Export(ctx, batch)
		s.metrics.RecordBatchExport(child.Name(), res.Outcome.String(), time.Since(start))

		switch res.Outcome {
		case Success:
			return nil
		case TransientFailure:
			return res.Err
		default:
			// Permanent failures skip the remaining retry budget.
			s.dead(child.Name(), "permanent_failure", batch, res.Err)
			return nil
		}
	})

	if err != nil {
		s.dead(child.Name(), "retries_exhausted", batch, err)
	}
}

func (s *CompositeSink) dead(sink, reason string, batch []*trace.Span, err error) {
	s.metrics.RecordDeadLettered(len(batch))
	if s.deadLetter != nil {
		s.deadLetter.Write(sink, reason, batch)
		return
	}
	s.logger.Error("batch lost: no dead-letter store configured",
		zap.String("sink", sink),
		zap.String("reason", reason),
		zap.Int("spans", len(batch)),
		zap.Error(err),
	)
}
