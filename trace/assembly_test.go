package trace

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeSpan(id, traceID, parentID string, kind SpanKind, start time.Time, dur time.Duration) *Span {
	return &Span{
		SpanID:       id,
		TraceID:      traceID,
		ParentSpanID: parentID,
		Kind:         kind,
		Name:         id,
		StartTS:      start,
		EndTS:        start.Add(dur),
		Status:       StatusOK,
		ended:        true,
	}
}

func TestAssemble_BuildsTree(t *testing.T) {
	t0 := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	spans := []*Span{
		makeSpan("c2", "t1", "root", KindToolCall, t0.Add(2*time.Second), time.Second),
		makeSpan("root", "t1", "", KindAgent, t0, 10*time.Second),
		makeSpan("c1", "t1", "root", KindLLMCall, t0.Add(time.Second), time.Second),
		makeSpan("c1a", "t1", "c1", KindRetrieval, t0.Add(1500*time.Millisecond), 100*time.Millisecond),
	}

	tree, err := Assemble(spans)
	require.NoError(t, err)

	assert.Equal(t, "t1", tree.TraceID)
	assert.Equal(t, "root", tree.Root.Span.SpanID)
	require.Len(t, tree.Root.Children, 2)
	// Children sorted by start time.
	assert.Equal(t, "c1", tree.Root.Children[0].Span.SpanID)
	assert.Equal(t, "c2", tree.Root.Children[1].Span.SpanID)
	require.Len(t, tree.Root.Children[0].Children, 1)
	assert.Equal(t, "c1a", tree.Root.Children[0].Children[0].Span.SpanID)

	assert.Equal(t, 10*time.Second, tree.Duration())
	assert.Len(t, tree.SpansByKind(KindLLMCall), 1)
	assert.NotNil(t, tree.Find("c1a"))
	assert.Nil(t, tree.Find("missing"))
}

func TestAssemble_Walk(t *testing.T) {
	t0 := time.Now().UTC()
	spans := []*Span{
		makeSpan("root", "t1", "", KindAgent, t0, time.Second),
		makeSpan("c1", "t1", "root", KindLLMCall, t0, time.Second),
	}
	tree, err := Assemble(spans)
	require.NoError(t, err)

	var visited []string
	tree.Walk(func(depth int, node *Node) {
		visited = append(visited, node.Span.SpanID)
	})
	assert.Equal(t, []string{"root", "c1"}, visited)
}

func TestAssemble_Errors(t *testing.T) {
	t0 := time.Now().UTC()

	t.Run("empty", func(t *testing.T) {
		_, err := Assemble(nil)
		assert.Error(t, err)
	})

	t.Run("no root", func(t *testing.T) {
		_, err := Assemble([]*Span{makeSpan("a", "t1", "b", KindCustom, t0, 0), makeSpan("b", "t1", "a", KindCustom, t0, 0)})
		assert.Error(t, err)
	})

	t.Run("multiple roots", func(t *testing.T) {
		_, err := Assemble([]*Span{makeSpan("a", "t1", "", KindCustom, t0, 0), makeSpan("b", "t1", "", KindCustom, t0, 0)})
		assert.Error(t, err)
	})

	t.Run("unknown parent", func(t *testing.T) {
		_, err := Assemble([]*Span{makeSpan("a", "t1", "", KindCustom, t0, 0), makeSpan("b", "t1", "ghost", KindCustom, t0, 0)})
		assert.Error(t, err)
	})

	t.Run("trace mismatch", func(t *testing.T) {
		_, err := Assemble([]*Span{makeSpan("a", "t1", "", KindCustom, t0, 0), makeSpan("b", "t2", "a", KindCustom, t0, 0)})
		assert.Error(t, err)
	})

	t.Run("duplicate span id", func(t *testing.T) {
		_, err := Assemble([]*Span{makeSpan("a", "t1", "", KindCustom, t0, 0), makeSpan("a", "t1", "", KindCustom, t0, 0)})
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	t0 := time.Now().UTC()

	ok := makeSpan("a", "t1", "", KindCustom, t0, time.Second)
	assert.NoError(t, Validate(ok))

	selfParent := makeSpan("a", "t1", "a", KindCustom, t0, time.Second)
	assert.Error(t, Validate(selfParent))

	backwards := makeSpan("a", "t1", "", KindCustom, t0, -time.Second)
	assert.Error(t, Validate(backwards))

	noTrace := makeSpan("a", "", "", KindCustom, t0, time.Second)
	assert.Error(t, Validate(noTrace))
}

func TestTree_HasErrors(t *testing.T) {
	t0 := time.Now().UTC()
	spans := []*Span{
		makeSpan("root", "t1", "", KindAgent, t0, time.Second),
		makeSpan("c1", "t1", "root", KindToolCall, t0, time.Second),
	}
	spans[1].Status = StatusError

	tree, err := Assemble(spans)
	require.NoError(t, err)
	assert.True(t, tree.HasErrors())
}
