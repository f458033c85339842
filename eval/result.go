package eval

import (
	"time"
)

// Score is one named quality measurement in [0,1].
type Score struct {
	Name      string   `json:"name"`
	Value     float64  `json:"value"`
	Threshold *float64 `json:"threshold,omitempty"`
	Passed    bool     `json:"passed"`
}

// NewScore builds a score; passed is derived from the threshold.
func NewScore(name string, value float64, threshold *float64) Score {
	return Score{
		Name:      name,
		Value:     value,
		Threshold: threshold,
		Passed:    threshold == nil || value >= *threshold,
	}
}

// Result is the outcome of one evaluator over one trace.
type Result struct {
	EvaluatorName string           `json:"evaluator_name"`
	Scores        map[string]Score `json:"scores"`
	Feedback      string           `json:"feedback,omitempty"`
	Metadata      map[string]any   `json:"metadata,omitempty"`
	Errors        []string         `json:"errors,omitempty"`
	StartedAt     time.Time        `json:"started_at"`
	FinishedAt    time.Time        `json:"finished_at"`
}

// AllPassed is the conjunction over the result's scores.
func (r *Result) AllPassed() bool {
	for _, s := range r.Scores {
		if !s.Passed {
			return false
		}
	}
	return true
}

// MeanScore is the arithmetic mean of the result's score values.
func (r *Result) MeanScore() float64 {
	if len(r.Scores) == 0 {
		return 0
	}
	var sum float64
	for _, s := range r.Scores {
		sum += s.Value
	}
	return sum / float64(len(r.Scores))
}

// EvalError records an evaluator failure inside a trace evaluation.
type EvalError struct {
	Evaluator string `json:"evaluator"`
	Message   string `json:"message"`
}

// TraceEvaluation is the composite outcome of evaluating one trace.
type TraceEvaluation struct {
	TraceID      string      `json:"trace_id"`
	Results      []*Result   `json:"results"`
	OverallScore float64     `json:"overall_score"`
	Passed       bool        `json:"passed"`
	DurationMS   int64       `json:"duration_ms"`
	Errors       []EvalError `json:"errors,omitempty"`
}

// ResultFor returns the result of the named evaluator, or nil.
func (te *TraceEvaluation) ResultFor(evaluator string) *Result {
	for _, r := range te.Results {
		if r.EvaluatorName == evaluator {
			return r
		}
	}
	return nil
}

// CI is a bootstrap confidence interval.
type CI struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// BatchSummary aggregates a batch evaluation. PassRate and the per-score
// means are nil for an empty batch.
type BatchSummary struct {
	Total               int                  `json:"total"`
	Passed              int                  `json:"passed"`
	Failed              int                  `json:"failed"`
	Error               int                  `json:"error"`
	PassRate            *float64             `json:"pass_rate"`
	MeanScores          map[string]*float64  `json:"mean_scores"`
	ScoreDistributions  map[string][]float64 `json:"score_distributions"`
	ConfidenceIntervals map[string]*CI       `json:"confidence_intervals,omitempty"`
}

// BatchEvaluation is the outcome of evaluating many traces.
type BatchEvaluation struct {
	Evaluations []*TraceEvaluation `json:"evaluations"`
	Summary     BatchSummary       `json:"summary"`
	StartedAt   time.Time          `json:"started_at"`
	FinishedAt  time.Time          `json:"finished_at"`
}
