// Package types contains the shared error model and request-scoped context
// accessors used across the AgentTrace evaluation, audit, and ingestion core.
package types
