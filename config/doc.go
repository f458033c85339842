// Package config provides unified configuration loading for AgentTrace.
// Precedence: defaults → YAML file → AGENTTRACE_* environment variables →
// well-known bare environment variables (AUDIT_STORAGE_BACKEND, JUDGE_*, ...).
package config
