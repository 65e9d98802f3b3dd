// Package observability provides structured logging, log sanitization,
// Prometheus metrics, health checks, OpenTelemetry tracing and graceful
// shutdown for the gatehouse service.
package observability
