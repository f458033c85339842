package trace

import (
	"fmt"
	"sort"
	"time"
)

// Node is a span with its children, ordered by start timestamp.
// Children hold no back-reference to their parent; trees are rebuilt on
// demand and never persisted.
type Node struct {
	Span     *Span
	Children []*Node
}

// Tree is an assembled trace: all spans sharing one trace_id.
type Tree struct {
	TraceID string
	Root    *Node
	Spans   []*Span

	byID map[string]*Node
}

// Validate checks the structural invariants of a single span record.
func Validate(s *Span) error {
	if s.SpanID == "" {
		return fmt.Errorf("span missing span_id")
	}
	if s.TraceID == "" {
		return fmt.Errorf("span %s missing trace_id", s.SpanID)
	}
	if s.ParentSpanID == s.SpanID {
		return fmt.Errorf("span %s is its own parent", s.SpanID)
	}
	if !s.EndTS.IsZero() && s.EndTS.Before(s.StartTS) {
		return fmt.Errorf("span %s ends before it starts", s.SpanID)
	}
	return nil
}

// Assemble builds the trace tree from a flat span set. All spans must share
// one trace_id, exactly one span must be a root (no parent), and every
// parent reference must resolve within the set.
func Assemble(spans []*Span) (*Tree, error) {
	if len(spans) == 0 {
		return nil, fmt.Errorf("cannot assemble empty trace")
	}

	traceID := spans[0].TraceID
	byID := make(map[string]*Node, len(spans))
	for _, s := range spans {
		if err := Validate(s); err != nil {
			return nil, err
		}
		if s.TraceID != traceID {
			return nil, fmt.Errorf("span %s belongs to trace %s, expected %s", s.SpanID, s.TraceID, traceID)
		}
		if _, dup := byID[s.SpanID]; dup {
			return nil, fmt.Errorf("duplicate span_id %s", s.SpanID)
		}
		byID[s.SpanID] = &Node{Span: s}
	}

	var root *Node
	for _, s := range spans {
		node := byID[s.SpanID]
		if s.ParentSpanID == "" {
			if root != nil {
				return nil, fmt.Errorf("trace %s has multiple roots (%s, %s)", traceID, root.Span.SpanID, s.SpanID)
			}
			root = node
			continue
		}
		parent, ok := byID[s.ParentSpanID]
		if !ok {
			return nil, fmt.Errorf("span %s references unknown parent %s", s.SpanID, s.ParentSpanID)
		}
		parent.Children = append(parent.Children, node)
	}
	if root == nil {
		return nil, fmt.Errorf("trace %s has no root span", traceID)
	}

	for _, node := range byID {
		sort.Slice(node.Children, func(i, j int) bool {
			a, b := node.Children[i].Span, node.Children[j].Span
			if a.StartTS.Equal(b.StartTS) {
				return a.SpanID < b.SpanID
			}
			return a.StartTS.Before(b.StartTS)
		})
	}

	ordered := make([]*Span, len(spans))
	copy(ordered, spans)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].StartTS.Equal(ordered[j].StartTS) {
			return ordered[i].SpanID < ordered[j].SpanID
		}
		return ordered[i].StartTS.Before(ordered[j].StartTS)
	})

	return &Tree{
		TraceID: traceID,
		Root:    root,
		Spans:   ordered,
		byID:    byID,
	}, nil
}

// Find returns the node for a span ID, or nil.
func (t *Tree) Find(spanID string) *Node {
	return t.byID[spanID]
}

// SpansByKind returns the trace's spans of the given kind in start order.
func (t *Tree) SpansByKind(kind SpanKind) []*Span {
	var out []*Span
	for _, s := range t.Spans {
		if s.Kind == kind {
			out = append(out, s)
		}
	}
	return out
}

// Walk visits every node depth-first, root first.
func (t *Tree) Walk(fn func(depth int, node *Node)) {
	var visit func(depth int, n *Node)
	visit = func(depth int, n *Node) {
		fn(depth, n)
		for _, c := range n.Children {
			visit(depth+1, c)
		}
	}
	visit(0, t.Root)
}

// Duration returns the root span's duration.
func (t *Tree) Duration() time.Duration {
	root := t.Root.Span
	if root.EndTS.IsZero() {
		return 0
	}
	return root.EndTS.Sub(root.StartTS)
}

// HasErrors reports whether any span in the trace recorded an error.
func (t *Tree) HasErrors() bool {
	for _, s := range t.Spans {
		if s.Status == StatusError {
			return true
		}
	}
	return false
}
