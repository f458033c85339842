// Package telemetry wires up the OpenTelemetry SDK for process
// self-observability. This is separate from the product span model in
// package trace: the spans AgentTrace ingests belong to customer agents,
// the spans emitted here belong to AgentTrace itself.
package telemetry
