// Package instrumentation provides OpenTelemetry metrics and tracing for the
// inboxsync service.
//
// Metrics are exported through the Prometheus exporter by default and served
// by the dedicated metrics server (see internal/server). OTLP and stdout
// exporters are available for both metrics and traces.
//
// # Metrics
//
// Sync orchestration:
//   - sync_start_requests_total: start requests by result (launched, reused, error)
//   - sync_jobs_running: jobs currently owned by this process
//   - sync_heartbeats_total: heartbeat writes by status (success, error, skipped)
//   - sync_jobs_completed_total: terminal writes by outcome (success, failure, cancelled)
//   - sync_job_duration_seconds: job wall time by outcome
//   - sync_jobs_reaped_total: rows reset by the reaper
//   - sync_reaper_passes_total: reaper passes by status
//   - mail_messages_synced_total: indexed messages by result (new, updated, unchanged, error)
//
// Surfaces and collaborators:
//   - http_requests_total, http_request_duration_seconds
//   - mcp_tool_invocations_total, mcp_tool_duration_seconds
//   - google_api_operations_total, google_api_operation_duration_seconds
//
// A nil *Metrics is valid and records nothing, so components take it as an
// optional collaborator.
//
// # Tracing
//
// Spans are named sync.start, sync.job, sync.reap, tool.<name> and
// google.<service>.<operation>. Tracing is disabled unless TRACING_EXPORTER is
// set.
//
// # Configuration
//
// DefaultConfig reads:
//
//	INSTRUMENTATION_ENABLED       enable metrics and tracing (default: true)
//	METRICS_EXPORTER              prometheus, otlp or stdout (default: prometheus)
//	TRACING_EXPORTER              otlp, stdout or none (default: none)
//	OTEL_EXPORTER_OTLP_ENDPOINT   collector endpoint, host:port
//	OTEL_EXPORTER_OTLP_INSECURE   plain HTTP for OTLP (default: false)
//	OTEL_TRACES_SAMPLER_ARG       sampling ratio (default: 0.1)
//	OTEL_SERVICE_NAME             service name (default: inboxsync)
//	AUDIT_LOGGING_ENABLED         log operator actions (default: true)
package instrumentation
