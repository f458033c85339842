package eval

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// makeBatch builds a batch with one evaluator score per trace.
func makeBatch(evaluator, scoreName string, scores map[string]float64) *BatchEvaluation {
	batch := &BatchEvaluation{}
	for traceID, value := range scores {
		batch.Evaluations = append(batch.Evaluations, &TraceEvaluation{
			TraceID:      traceID,
			OverallScore: value,
			Results: []*Result{{
				EvaluatorName: evaluator,
				Scores: map[string]Score{
					scoreName: NewScore(scoreName, value, nil),
				},
			}},
		})
	}
	return batch
}

func TestCompareToBaseline_DeltasAndClassification(t *testing.T) {
	baseline := makeBatch("stub.quality", "quality", map[string]float64{
		"T1": 0.8, "T2": 0.5, "T3": 0.6,
	})
	current := makeBatch("stub.quality", "quality", map[string]float64{
		"T1": 0.6, // -25%: regression at threshold 0.1
		"T2": 0.58, // +16%: improvement
		"T3": 0.61, // +1.7%: neither
	})

	cmp, err := CompareToBaseline(current, baseline, 0.1)
	require.NoError(t, err)
	require.Len(t, cmp.Deltas, 3)

	byTrace := map[string]ScoreDelta{}
	for _, d := range cmp.Deltas {
		byTrace[d.TraceID] = d
	}

	t1 := byTrace["T1"]
	assert.InDelta(t, -0.2, t1.Delta, 1e-9)
	assert.InDelta(t, -25.0, t1.PercentChange, 1e-9)
	assert.True(t, t1.Regression)
	assert.False(t, t1.Improvement)

	t2 := byTrace["T2"]
	assert.True(t, t2.Improvement)
	assert.False(t, t2.Regression)

	t3 := byTrace["T3"]
	assert.False(t, t3.Regression)
	assert.False(t, t3.Improvement)

	assert.Equal(t, 1, cmp.Regressions)
	assert.Equal(t, 1, cmp.Improvements)
	assert.Less(t, cmp.CohenD, 0.0, "net drop yields negative effect size")
}

func TestCompareToBaseline_ZeroBaselineGuard(t *testing.T) {
	baseline := makeBatch("stub.quality", "quality", map[string]float64{"T1": 0.0})
	current := makeBatch("stub.quality", "quality", map[string]float64{"T1": 0.5})

	cmp, err := CompareToBaseline(current, baseline, 0.1)
	require.NoError(t, err)
	require.Len(t, cmp.Deltas, 1)

	d := cmp.Deltas[0]
	assert.Zero(t, d.PercentChange, "zero baseline yields no percent change")
	assert.True(t, d.Improvement, "absolute-threshold fallback classifies the gain")
}

func TestCompareToBaseline_DisjointTracesIgnored(t *testing.T) {
	baseline := makeBatch("stub.quality", "quality", map[string]float64{"T1": 0.5})
	current := makeBatch("stub.quality", "quality", map[string]float64{"T9": 0.9})

	cmp, err := CompareToBaseline(current, baseline, 0.1)
	require.NoError(t, err)
	assert.Empty(t, cmp.Deltas)
}

func TestCompareToBaseline_BonferroniAcrossEvaluators(t *testing.T) {
	// Two evaluators → corrected alpha is 0.025.
	mk := func(quality, safety map[string]float64) *BatchEvaluation {
		batch := &BatchEvaluation{}
		for traceID := range quality {
			batch.Evaluations = append(batch.Evaluations, &TraceEvaluation{
				TraceID:      traceID,
				OverallScore: quality[traceID],
				Results: []*Result{
					{
						EvaluatorName: "stub.quality",
						Scores:        map[string]Score{"q": NewScore("q", quality[traceID], nil)},
					},
					{
						EvaluatorName: "stub.safety",
						Scores:        map[string]Score{"s": NewScore("s", safety[traceID], nil)},
					},
				},
			})
		}
		return batch
	}

	ids := make(map[string]float64)
	safe := make(map[string]float64)
	idsB := make(map[string]float64)
	safeB := make(map[string]float64)
	for i := 0; i < 8; i++ {
		id := fmt.Sprintf("T%d", i)
		ids[id] = 0.9 + float64(i%3)*0.01
		idsB[id] = 0.4 + float64(i%3)*0.01
		safe[id] = 0.5 + float64(i%2)*0.01
		safeB[id] = 0.5 + float64((i+1)%2)*0.01
	}

	cmp, err := CompareToBaseline(mk(ids, safe), mk(idsB, safeB), 0.1)
	require.NoError(t, err)
	require.Len(t, cmp.Significance, 2)

	for _, sig := range cmp.Significance {
		assert.InDelta(t, 0.025, sig.Alpha, 1e-9, "alpha halved across two evaluators")
		switch sig.Evaluator {
		case "stub.quality":
			assert.True(t, sig.Significant, "large quality shift is significant")
		case "stub.safety":
			assert.False(t, sig.Significant, "safety noise is not significant")
		}
	}
}

func TestCompareToBaseline_InputValidation(t *testing.T) {
	_, err := CompareToBaseline(nil, &BatchEvaluation{}, 0.1)
	assert.Error(t, err)
	_, err = CompareToBaseline(&BatchEvaluation{}, &BatchEvaluation{}, -1)
	assert.Error(t, err)
}
