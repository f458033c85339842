// Package judge implements the LLM-as-judge client: multi-provider HTTP
// completion, retry with exponential backoff, bounded concurrency, a
// two-level response cache, cost tracking, and robust score parsing.
package judge
