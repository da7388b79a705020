// Package zap adapts go.uber.org/zap to the lib-uow logging interface.
//
// Log entries carry trace_id and span_id fields whenever the context holds an
// active OpenTelemetry span, so transaction logs correlate with traces.
package zap
