package eval

import (
	"fmt"
	"sort"
)

// ScoreDelta is one (trace, evaluator, score) comparison between a current
// run and a baseline run.
type ScoreDelta struct {
	TraceID       string  `json:"trace_id"`
	Evaluator     string  `json:"evaluator"`
	ScoreName     string  `json:"score_name"`
	Current       float64 `json:"current"`
	Baseline      float64 `json:"baseline"`
	Delta         float64 `json:"delta"`
	PercentChange float64 `json:"percent_change"`
	Regression    bool    `json:"regression"`
	Improvement   bool    `json:"improvement"`
}

// EvaluatorSignificance is the per-evaluator statistical comparison.
type EvaluatorSignificance struct {
	Evaluator   string       `json:"evaluator"`
	Welch       *WelchResult `json:"welch,omitempty"`
	Alpha       float64      `json:"alpha"`
	Significant bool         `json:"significant"`
}

// BaselineComparison is the full diff between two batch evaluations.
type BaselineComparison struct {
	Threshold    float64                 `json:"threshold"`
	Deltas       []ScoreDelta            `json:"deltas"`
	Regressions  int                     `json:"regressions"`
	Improvements int                     `json:"improvements"`
	CohenD       float64                 `json:"cohen_d"`
	Significance []EvaluatorSignificance `json:"significance,omitempty"`
}

// CompareToBaseline diffs a current batch against a baseline batch. For
// each (trace_id, evaluator, score_name) present in both runs it computes
// delta and percent change and classifies regressions/improvements against
// the relative threshold. It also reports Cohen's d over paired overall
// scores and per-evaluator two-sided Welch's t-tests at α=0.05 with
// Bonferroni correction across evaluators.
func CompareToBaseline(current, baseline *BatchEvaluation, threshold float64) (*BaselineComparison, error) {
	if current == nil || baseline == nil {
		return nil, fmt.Errorf("both current and baseline batches are required")
	}
	if threshold < 0 {
		return nil, fmt.Errorf("threshold must be non-negative")
	}

	baseByTrace := make(map[string]*TraceEvaluation, len(baseline.Evaluations))
	for _, te := range baseline.Evaluations {
		baseByTrace[te.TraceID] = te
	}

	comparison := &BaselineComparison{Threshold: threshold}

	// Per-score deltas, and per-evaluator score pools for the t-tests.
	currentPool := make(map[string][]float64)
	baselinePool := make(map[string][]float64)
	var pairedCurrent, pairedBaseline []float64

	for _, curTE := range current.Evaluations {
		baseTE, ok := baseByTrace[curTE.TraceID]
		if !ok {
			continue
		}
		pairedCurrent = append(pairedCurrent, curTE.OverallScore)
		pairedBaseline = append(pairedBaseline, baseTE.OverallScore)

		for _, curResult := range curTE.Results {
			baseResult := baseTE.ResultFor(curResult.EvaluatorName)
			if baseResult == nil {
				continue
			}
			for name, curScore := range curResult.Scores {
				baseScore, ok := baseResult.Scores[name]
				if !ok {
					continue
				}

				delta := curScore.Value - baseScore.Value
				var pct float64
				if baseScore.Value != 0 {
					pct = 100 * delta / baseScore.Value
				}

				sd := ScoreDelta{
					TraceID:       curTE.TraceID,
					Evaluator:     curResult.EvaluatorName,
					ScoreName:     name,
					Current:       curScore.Value,
					Baseline:      baseScore.Value,
					Delta:         delta,
					PercentChange: pct,
					Regression:    delta <= -threshold*baseScore.Value,
					Improvement:   delta >= threshold*baseScore.Value,
				}
				// A zero-baseline score cannot express a relative change;
				// classify by absolute threshold instead.
				if baseScore.Value == 0 {
					sd.Regression = delta <= -threshold
					sd.Improvement = delta >= threshold
				}
				// threshold=0 degenerates to sign classification.
				if threshold == 0 {
					sd.Regression = delta < 0
					sd.Improvement = delta > 0
				}

				if sd.Regression {
					comparison.Regressions++
				}
				if sd.Improvement {
					comparison.Improvements++
				}
				comparison.Deltas = append(comparison.Deltas, sd)

				currentPool[curResult.EvaluatorName] = append(currentPool[curResult.EvaluatorName], curScore.Value)
				baselinePool[curResult.EvaluatorName] = append(baselinePool[curResult.EvaluatorName], baseScore.Value)
			}
		}
	}

	sort.Slice(comparison.Deltas, func(i, j int) bool {
		a, b := comparison.Deltas[i], comparison.Deltas[j]
		if a.TraceID != b.TraceID {
			return a.TraceID < b.TraceID
		}
		if a.Evaluator != b.Evaluator {
			return a.Evaluator < b.Evaluator
		}
		return a.ScoreName < b.ScoreName
	})

	comparison.CohenD = CohenD(pairedCurrent, pairedBaseline)

	// Welch's t-test per evaluator, Bonferroni-corrected across the m
	// evaluators actually tested.
	evaluators := make([]string, 0, len(currentPool))
	for name := range currentPool {
		evaluators = append(evaluators, name)
	}
	sort.Strings(evaluators)

	m := len(evaluators)
	if m > 0 {
		alpha := 0.05 / float64(m)
		for _, name := range evaluators {
			welch := WelchTTest(currentPool[name], baselinePool[name])
			sig := EvaluatorSignificance{
				Evaluator: name,
				Welch:     welch,
				Alpha:     alpha,
			}
			if welch != nil {
				sig.Significant = welch.PValue < alpha
			}
			comparison.Significance = append(comparison.Significance, sig)
		}
	}

	return comparison, nil
}
