// Package telemetry provides OpenTelemetry instrumentation for conductd.
//
// It owns the TracerProvider and MeterProvider, exporting over OTLP
// (gRPC or http/protobuf), and hands out tracers and meters to services.
// Telemetry failures never crash the daemon; providers degrade to no-ops.
package telemetry
