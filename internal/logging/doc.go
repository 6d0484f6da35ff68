// Package logging wraps zap with context-aware methods for conductd.
//
// Every log call accepts a context.Context and automatically appends
// correlation fields: the OpenTelemetry trace/span ids when a span is
// active, plus the run id, phase id and request id carried by the context.
//
// Services receive a *Logger (or a *zap.Logger for leaf helpers) and create
// children with With and Named. Output goes to stdout as JSON or console
// format, optionally teed to an OTEL log bridge.
package logging
