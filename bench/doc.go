// Package bench implements the submission and execution orchestrator:
// submission validation with quota enforcement, a FIFO priority queue, a
// worker pool with per-endpoint circuit breakers, agent invocation over
// HTTP or in-process, budgeted task execution with token accounting, and
// reproducible benchmark runs (seeded ordering, environment snapshots,
// execution recording, and replay verification).
package bench
