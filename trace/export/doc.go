// Package export implements the batched, back-pressured span export
// pipeline: bounded per-worker queues, size/interval batching, retry with
// exponential backoff, multi-sink fan-out, head-based sampling, and a
// dead-letter store for batches that exhaust their retries.
//
// Spans of one trace are routed to one worker, so their creation order is
// preserved within any batch of the same sink. No ordering is guaranteed
// across traces.
package export
