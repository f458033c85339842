// Package builtin provides the built-in trace evaluators registered under
// the "builtin" namespace.
package builtin

import (
	"context"
	"fmt"
	"time"

	"github.com/agenttrace/agenttrace/eval"
	"github.com/agenttrace/agenttrace/eval/judge"
	"github.com/agenttrace/agenttrace/trace"
)

// RegisterAll registers every built-in evaluator. judgeClient may be nil;
// evaluators then fall back to their structural heuristics only.
func RegisterAll(registry *eval.Registry, judgeClient *judge.Client) error {
	evaluators := []eval.Evaluator{
		NewCompleteness(judgeClient, 0.7),
		NewLatency(30 * time.Second),
	}
	for _, e := range evaluators {
		if err := registry.Register(e); err != nil {
			return err
		}
	}
	return nil
}

// Completeness scores whether the agent produced a substantive final
// output and finished its tool calls cleanly. With a judge configured, the
// structural score is blended with an LLM assessment of the output.
type Completeness struct {
	judge     *judge.Client
	threshold float64
}

// NewCompleteness creates the completeness evaluator.
func NewCompleteness(judgeClient *judge.Client, threshold float64) *Completeness {
	return &Completeness{judge: judgeClient, threshold: threshold}
}

func (c *Completeness) Name() string { return "builtin.completeness" }

func (c *Completeness) Description() string {
	return "Scores whether the trace produced a complete, clean final output"
}

func (c *Completeness) Evaluate(ctx context.Context, tree *trace.Tree) (*eval.Result, error) {
	result := &eval.Result{
		EvaluatorName: c.Name(),
		Scores:        make(map[string]eval.Score),
		StartedAt:     time.Now(),
	}
	defer func() { result.FinishedAt = time.Now() }()

	structural := c.structuralScore(tree)
	score := structural

	if c.judge != nil {
		if output, ok := tree.Root.Span.Output.(string); ok && output != "" {
			resp, err := c.judge.Judge(ctx, judge.Request{
				System: "You grade AI agent outputs for completeness.",
				Prompt: fmt.Sprintf(
					"Rate the completeness of this agent output from 0 to 1. "+
						"Respond as JSON {\"score\": <float>, \"reasoning\": \"...\"}.\n\nOutput:\n%s",
					output),
			})
			if err != nil {
				result.Errors = append(result.Errors, err.Error())
			} else {
				// Blend: structure and judge weigh equally.
				score = (structural + resp.Score) / 2
				result.Feedback = resp.Reasoning
			}
		}
	}

	threshold := c.threshold
	result.Scores["completeness"] = eval.NewScore("completeness", score, &threshold)
	return result, nil
}

// structuralScore applies the trace-shape heuristics.
func (c *Completeness) structuralScore(tree *trace.Tree) float64 {
	score := 1.0

	root := tree.Root.Span
	if root.Output == nil {
		score -= 0.5
	} else if s, ok := root.Output.(string); ok && len(s) < 10 {
		score -= 0.3
	}
	if root.Status != trace.StatusOK {
		score -= 0.3
	}

	// Unfinished or failed tool calls count against completeness.
	for _, span := range tree.SpansByKind(trace.KindToolCall) {
		if span.Status == trace.StatusError || span.Status == trace.StatusCancelled {
			score -= 0.1
		}
	}

	if score < 0 {
		return 0
	}
	return score
}

// Latency scores the trace's wall-clock duration against a target: at or
// under target scores 1, and the score decays linearly to 0 at 4x target.
type Latency struct {
	target time.Duration
}

// NewLatency creates the latency evaluator.
func NewLatency(target time.Duration) *Latency {
	if target <= 0 {
		target = 30 * time.Second
	}
	return &Latency{target: target}
}

func (l *Latency) Name() string { return "builtin.latency" }

func (l *Latency) Description() string {
	return "Scores trace duration against the latency target"
}

func (l *Latency) Evaluate(ctx context.Context, tree *trace.Tree) (*eval.Result, error) {
	result := &eval.Result{
		EvaluatorName: l.Name(),
		Scores:        make(map[string]eval.Score),
		StartedAt:     time.Now(),
		Metadata: map[string]any{
			"target_ms":   l.target.Milliseconds(),
			"duration_ms": tree.Duration().Milliseconds(),
		},
	}
	defer func() { result.FinishedAt = time.Now() }()

	duration := tree.Duration()
	var score float64
	switch {
	case duration <= l.target:
		score = 1
	case duration >= 4*l.target:
		score = 0
	default:
		over := float64(duration-l.target) / float64(3*l.target)
		score = 1 - over
	}

	result.Scores["latency"] = eval.NewScore("latency", score, nil)
	return result, nil
}
