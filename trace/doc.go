// Package trace implements the canonical span model for AgentTrace: span
// lifecycle, per-context current-span propagation, kind-specific attribute
// helpers, and on-demand trace-tree assembly.
//
// Spans are owned by the instrumented process until End is called; after
// that they are handed to the export pipeline and must not be mutated.
package trace
