package eval

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agenttrace/agenttrace/trace"
)

// stubEvaluator returns fixed scores per trace ID.
type stubEvaluator struct {
	name      string
	threshold *float64
	scores    map[string]float64 // trace_id → score
	err       error
	delay     time.Duration
	calls     atomic.Int32
}

func (s *stubEvaluator) Name() string        { return s.name }
func (s *stubEvaluator) Description() string { return "stub" }

func (s *stubEvaluator) Evaluate(ctx context.Context, tree *trace.Tree) (*Result, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	value := s.scores[tree.TraceID]
	scoreName := s.name[len("stub."):]
	return &Result{
		EvaluatorName: s.name,
		Scores: map[string]Score{
			scoreName: NewScore(scoreName, value, s.threshold),
		},
		StartedAt:  time.Now(),
		FinishedAt: time.Now(),
	}, nil
}

func testTree(t *testing.T, traceID string) *trace.Tree {
	t.Helper()
	now := time.Now().UTC()
	tree, err := trace.Assemble([]*trace.Span{{
		SpanID:  traceID + "-root",
		TraceID: traceID,
		Kind:    trace.KindAgent,
		Name:    "run",
		StartTS: now,
		EndTS:   now.Add(time.Second),
		Status:  trace.StatusOK,
	}})
	require.NoError(t, err)
	return tree
}

func ptr(v float64) *float64 { return &v }

// Literal scenario: completeness (threshold 0.7, required) + latency over
// three traces.
func TestRunner_BatchScenario(t *testing.T) {
	completeness := &stubEvaluator{
		name:      "stub.completeness",
		threshold: ptr(0.7),
		scores:    map[string]float64{"T1": 0.9, "T2": 0.6, "T3": 0.85},
	}
	latency := &stubEvaluator{
		name:   "stub.latency",
		scores: map[string]float64{"T1": 0.8, "T2": 0.9, "T3": 0.7},
	}

	runner := NewRunner(RunnerConfig{
		MaxConcurrency:     4,
		TimeoutPerTrace:    time.Minute,
		ContinueOnError:    true,
		RequiredEvaluators: []string{"stub.completeness"},
	}, nil, nil, zap.NewNop())

	trees := []*trace.Tree{testTree(t, "T1"), testTree(t, "T2"), testTree(t, "T3")}
	evaluators := []Evaluator{completeness, latency}

	var progressCalls atomic.Int32
	batch, err := runner.EvaluateBatch(context.Background(), trees, evaluators, func(done, total int) {
		progressCalls.Add(1)
		assert.Equal(t, 3, total)
	})
	require.NoError(t, err)
	require.Len(t, batch.Evaluations, 3)
	assert.Equal(t, int32(3), progressCalls.Load())

	byTrace := map[string]*TraceEvaluation{}
	for _, te := range batch.Evaluations {
		byTrace[te.TraceID] = te
	}

	assert.True(t, byTrace["T1"].Passed)
	assert.False(t, byTrace["T2"].Passed, "required threshold miss on completeness")
	assert.True(t, byTrace["T3"].Passed)

	// Default weights: overall = (c+l)/2.
	assert.InDelta(t, (0.9+0.8)/2, byTrace["T1"].OverallScore, 1e-9)
	assert.InDelta(t, (0.6+0.9)/2, byTrace["T2"].OverallScore, 1e-9)
	assert.InDelta(t, (0.85+0.7)/2, byTrace["T3"].OverallScore, 1e-9)

	require.NotNil(t, batch.Summary.PassRate)
	assert.InDelta(t, 2.0/3.0, *batch.Summary.PassRate, 1e-9)
	assert.Equal(t, 2, batch.Summary.Passed)
	assert.Equal(t, 1, batch.Summary.Failed)

	dist := batch.Summary.ScoreDistributions["stub.completeness.completeness"]
	assert.Len(t, dist, 3)
}

func TestRunner_OverallScoreInRange(t *testing.T) {
	ev := &stubEvaluator{name: "stub.quality", scores: map[string]float64{"T1": 0.5}}
	runner := NewRunner(DefaultRunnerConfig(), nil, nil, zap.NewNop())

	te, err := runner.EvaluateTrace(context.Background(), testTree(t, "T1"), []Evaluator{ev})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, te.OverallScore, 0.0)
	assert.LessOrEqual(t, te.OverallScore, 1.0)
}

func TestRunner_WeightedComposite(t *testing.T) {
	a := &stubEvaluator{name: "stub.a", scores: map[string]float64{"T1": 1.0}}
	b := &stubEvaluator{name: "stub.b", scores: map[string]float64{"T1": 0.0}}

	runner := NewRunner(RunnerConfig{
		MaxConcurrency:  2,
		TimeoutPerTrace: time.Minute,
		ScoreWeights:    map[string]float64{"stub.a": 3, "stub.b": 1},
	}, nil, nil, zap.NewNop())

	te, err := runner.EvaluateTrace(context.Background(), testTree(t, "T1"), []Evaluator{a, b})
	require.NoError(t, err)
	assert.InDelta(t, 0.75, te.OverallScore, 1e-9)
}

func TestRunner_EvaluatorErrorRecorded(t *testing.T) {
	good := &stubEvaluator{name: "stub.good", scores: map[string]float64{"T1": 0.9}}
	bad := &stubEvaluator{name: "stub.bad", err: errors.New("judge exploded")}

	runner := NewRunner(RunnerConfig{
		MaxConcurrency:  2,
		TimeoutPerTrace: time.Minute,
		ContinueOnError: true,
	}, nil, nil, zap.NewNop())

	te, err := runner.EvaluateTrace(context.Background(), testTree(t, "T1"), []Evaluator{good, bad})
	require.NoError(t, err)

	require.Len(t, te.Errors, 1)
	assert.Equal(t, "stub.bad", te.Errors[0].Evaluator)
	assert.False(t, te.Passed, "unhandled errors fail the evaluation")
	// Composite uses the surviving evaluator only.
	assert.InDelta(t, 0.9, te.OverallScore, 1e-9)
}

func TestRunner_FailFastCancelsPeers(t *testing.T) {
	bad := &stubEvaluator{name: "stub.bad", err: errors.New("boom")}
	slow := &stubEvaluator{name: "stub.slow", delay: 5 * time.Second, scores: map[string]float64{"T1": 1}}

	runner := NewRunner(RunnerConfig{
		MaxConcurrency:  2,
		TimeoutPerTrace: time.Minute,
		ContinueOnError: false,
	}, nil, nil, zap.NewNop())

	start := time.Now()
	te, err := runner.EvaluateTrace(context.Background(), testTree(t, "T1"), []Evaluator{bad, slow})
	require.NoError(t, err)

	assert.False(t, te.Passed)
	assert.Less(t, time.Since(start), 3*time.Second, "peer cancellation must not wait out the slow evaluator")
}

func TestRunner_TimeoutSurfacesAsError(t *testing.T) {
	slow := &stubEvaluator{name: "stub.slow", delay: time.Second, scores: map[string]float64{"T1": 1}}

	runner := NewRunner(RunnerConfig{
		MaxConcurrency:  1,
		TimeoutPerTrace: 30 * time.Millisecond,
		ContinueOnError: true,
	}, nil, nil, zap.NewNop())

	te, err := runner.EvaluateTrace(context.Background(), testTree(t, "T1"), []Evaluator{slow})
	require.NoError(t, err)
	require.Len(t, te.Errors, 1)
	assert.False(t, te.Passed)
}

func TestRunner_RequiredEvaluatorMissingFails(t *testing.T) {
	ev := &stubEvaluator{name: "stub.optional", scores: map[string]float64{"T1": 1}}
	runner := NewRunner(RunnerConfig{
		MaxConcurrency:     2,
		TimeoutPerTrace:    time.Minute,
		RequiredEvaluators: []string{"stub.required"},
	}, nil, nil, zap.NewNop())

	te, err := runner.EvaluateTrace(context.Background(), testTree(t, "T1"), []Evaluator{ev})
	require.NoError(t, err)
	assert.False(t, te.Passed)
}

func TestRunner_EmptyBatch(t *testing.T) {
	runner := NewRunner(DefaultRunnerConfig(), nil, nil, zap.NewNop())
	batch, err := runner.EvaluateBatch(context.Background(), nil, nil, nil)
	require.NoError(t, err)

	assert.Nil(t, batch.Summary.PassRate, "empty batch has undefined pass rate")
	assert.Empty(t, batch.Summary.MeanScores)
	assert.Zero(t, batch.Summary.Total)
}

func TestRunner_NoEvaluators(t *testing.T) {
	registry := &Registry{evaluators: map[string]Evaluator{}}
	runner := NewRunner(DefaultRunnerConfig(), registry, nil, zap.NewNop())
	_, err := runner.EvaluateTrace(context.Background(), testTree(t, "T1"), nil)
	assert.Error(t, err)
}
