package eval

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/agenttrace/agenttrace/trace"
	"github.com/agenttrace/agenttrace/types"
)

// RunnerConfig 运行器配置
type RunnerConfig struct {
	// MaxConcurrency trace 内评估器并发与批次内 trace 并发的上限
	MaxConcurrency int
	// TimeoutPerTrace 单个 trace 的评估截止时间
	TimeoutPerTrace time.Duration
	// ContinueOnError 评估器失败后是否继续其余评估器
	ContinueOnError bool
	// RequiredEvaluators 必须存在且通过阈值的评估器
	RequiredEvaluators []string
	// ScoreWeights 组合分权重（缺省 1.0，必须为正）
	ScoreWeights map[string]float64
}

// DefaultRunnerConfig 返回默认配置
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		MaxConcurrency:  4,
		TimeoutPerTrace: 2 * time.Minute,
		ContinueOnError: true,
	}
}

// Metrics is the subset of the internal collector the runner reports to.
type Metrics interface {
	RecordEvaluatorRun(evaluator, status string, duration time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) RecordEvaluatorRun(string, string, time.Duration) {}

// ProgressFunc 批量评估进度回调
type ProgressFunc func(completed, total int)

// Runner orchestrates evaluator execution over one or many traces.
type Runner struct {
	cfg      RunnerConfig
	registry *Registry
	metrics  Metrics
	logger   *zap.Logger
}

// NewRunner creates a runner over the given registry. metrics may be nil.
func NewRunner(cfg RunnerConfig, registry *Registry, m Metrics, logger *zap.Logger) *Runner {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	if cfg.TimeoutPerTrace <= 0 {
		cfg.TimeoutPerTrace = 2 * time.Minute
	}
	if m == nil {
		m = nopMetrics{}
	}
	return &Runner{
		cfg:      cfg,
		registry: registry,
		metrics:  m,
		logger:   logger.With(zap.String("component", "eval_runner")),
	}
}

// weight 返回评估器权重（默认 1.0）
func (r *Runner) weight(evaluator string) float64 {
	if w, ok := r.cfg.ScoreWeights[evaluator]; ok && w > 0 {
		return w
	}
	return 1.0
}

// EvaluateTrace runs the given evaluators (nil → all registered) over one
// trace under the per-trace deadline.
func (r *Runner) EvaluateTrace(ctx context.Context, tree *trace.Tree, evaluators []Evaluator) (*TraceEvaluation, error) {
	if tree == nil {
		return nil, types.NewError(types.ErrValidation, "nil trace")
	}
	if evaluators == nil {
		evaluators = r.registry.List()
	}
	if len(evaluators) == 0 {
		return nil, types.NewError(types.ErrValidation, "no evaluators to run")
	}

	started := time.Now()
	ctx, cancel := context.WithTimeout(ctx, r.cfg.TimeoutPerTrace)
	defer cancel()

	type evalOutcome struct {
		result *Result
		err    error
		name   string
	}

	sem := semaphore.NewWeighted(int64(r.cfg.MaxConcurrency))
	outcomes := make([]evalOutcome, len(evaluators))
	var wg sync.WaitGroup

	for i, e := range evaluators {
		wg.Add(1)
		go func(idx int, ev Evaluator) {
			defer wg.Done()

			if err := sem.Acquire(ctx, 1); err != nil {
				outcomes[idx] = evalOutcome{name: ev.Name(), err: timeoutError(err)}
				return
			}
			defer sem.Release(1)

			if ctx.Err() != nil {
				outcomes[idx] = evalOutcome{name: ev.Name(), err: timeoutError(ctx.Err())}
				return
			}

			runStart := time.Now()
			result, err := ev.Evaluate(ctx, tree)
			elapsed := time.Since(runStart)

			switch {
			case err != nil && ctx.Err() != nil:
				r.metrics.RecordEvaluatorRun(ev.Name(), "timeout", elapsed)
				outcomes[idx] = evalOutcome{name: ev.Name(), err: timeoutError(err)}
			case err != nil:
				r.metrics.RecordEvaluatorRun(ev.Name(), "error", elapsed)
				outcomes[idx] = evalOutcome{name: ev.Name(), err: err}
				if !r.cfg.ContinueOnError {
					cancel() // cancel peers
				}
			default:
				r.metrics.RecordEvaluatorRun(ev.Name(), "ok", elapsed)
				outcomes[idx] = evalOutcome{name: ev.Name(), result: result}
			}
		}(i, e)
	}
	wg.Wait()

	te := &TraceEvaluation{TraceID: tree.TraceID}
	succeeded := make(map[string]*Result)
	for _, o := range outcomes {
		if o.err != nil {
			te.Errors = append(te.Errors, EvalError{Evaluator: o.name, Message: o.err.Error()})
			continue
		}
		te.Results = append(te.Results, o.result)
		succeeded[o.name] = o.result
	}
	sort.Slice(te.Results, func(i, j int) bool {
		return te.Results[i].EvaluatorName < te.Results[j].EvaluatorName
	})

	// overall_score = Σ(w_e · mean(scores of e)) / Σ w_e over successes.
	var weightedSum, weightTotal float64
	for name, result := range succeeded {
		w := r.weight(name)
		weightedSum += w * result.MeanScore()
		weightTotal += w
	}
	if weightTotal > 0 {
		te.OverallScore = weightedSum / weightTotal
	}

	te.Passed = r.passed(te, succeeded)
	te.DurationMS = time.Since(started).Milliseconds()
	return te, nil
}

// passed applies the gating rule: every required evaluator present and
// passing, no unhandled errors, and every result's thresholds met.
func (r *Runner) passed(te *TraceEvaluation, succeeded map[string]*Result) bool {
	if len(te.Errors) > 0 {
		return false
	}
	for _, required := range r.cfg.RequiredEvaluators {
		result, ok := succeeded[required]
		if !ok || !result.AllPassed() {
			return false
		}
	}
	for _, result := range te.Results {
		if !result.AllPassed() {
			return false
		}
	}
	return true
}

// EvaluateBatch evaluates traces concurrently, bounded by the shared
// semaphore, invoking progress after each trace completes.
func (r *Runner) EvaluateBatch(ctx context.Context, trees []*trace.Tree, evaluators []Evaluator, progress ProgressFunc) (*BatchEvaluation, error) {
	batch := &BatchEvaluation{StartedAt: time.Now()}
	total := len(trees)

	if total == 0 {
		batch.Summary = summarize(nil)
		batch.FinishedAt = time.Now()
		return batch, nil
	}

	sem := semaphore.NewWeighted(int64(r.cfg.MaxConcurrency))
	evaluations := make([]*TraceEvaluation, total)
	var wg sync.WaitGroup
	var completed int
	var mu sync.Mutex

	for i, tree := range trees {
		wg.Add(1)
		go func(idx int, tr *trace.Tree) {
			defer wg.Done()

			if err := sem.Acquire(ctx, 1); err != nil {
				evaluations[idx] = &TraceEvaluation{
					TraceID: traceID(tr),
					Errors:  []EvalError{{Evaluator: "*", Message: err.Error()}},
				}
			} else {
				te, err := r.EvaluateTrace(ctx, tr, evaluators)
				sem.Release(1)
				if err != nil {
					te = &TraceEvaluation{
						TraceID: traceID(tr),
						Errors:  []EvalError{{Evaluator: "*", Message: err.Error()}},
					}
				}
				evaluations[idx] = te
			}

			mu.Lock()
			completed++
			done := completed
			mu.Unlock()
			if progress != nil {
				progress(done, total)
			}
		}(i, tree)
	}
	wg.Wait()

	batch.Evaluations = evaluations
	batch.Summary = summarize(evaluations)
	batch.FinishedAt = time.Now()
	return batch, nil
}

func traceID(tr *trace.Tree) string {
	if tr == nil {
		return ""
	}
	return tr.TraceID
}

// summarize computes the batch summary: pass counts, per-score means,
// distributions, and bootstrap confidence intervals.
func summarize(evaluations []*TraceEvaluation) BatchSummary {
	summary := BatchSummary{
		Total:              len(evaluations),
		MeanScores:         make(map[string]*float64),
		ScoreDistributions: make(map[string][]float64),
	}
	if len(evaluations) == 0 {
		return summary
	}

	for _, te := range evaluations {
		switch {
		case len(te.Errors) > 0 && len(te.Results) == 0:
			summary.Error++
		case te.Passed:
			summary.Passed++
		default:
			summary.Failed++
		}
		for _, result := range te.Results {
			for _, score := range result.Scores {
				key := fmt.Sprintf("%s.%s", result.EvaluatorName, score.Name)
				summary.ScoreDistributions[key] = append(summary.ScoreDistributions[key], score.Value)
			}
		}
	}

	rate := float64(summary.Passed) / float64(summary.Total)
	summary.PassRate = &rate

	summary.ConfidenceIntervals = make(map[string]*CI)
	for key, values := range summary.ScoreDistributions {
		m := Mean(values)
		summary.MeanScores[key] = &m
		if ci := BootstrapCI(values); ci != nil {
			summary.ConfidenceIntervals[key] = ci
		}
	}
	return summary
}

// timeoutError wraps a deadline failure as the timeout taxonomy error.
func timeoutError(cause error) error {
	return types.NewError(types.ErrTimeout, "evaluator timed out").WithCause(cause)
}
