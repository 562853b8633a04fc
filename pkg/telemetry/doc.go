// Package telemetry groups the observability packages used by the ledger.
//
//   - logging: slog setup and context fields (agent_id, lease_id, request_id)
//   - metrics: Prometheus registry, operation counters and balance gauges
//   - tracing: OpenTelemetry spans exported over OTLP gRPC
//   - health: liveness and readiness checks served next to /metrics
//
// Each package is configured from config.TelemetryConfig and wired by the
// engine and the serve command.
package telemetry
