// Package server holds the pieces shared by every inboxsync surface.
//
// # Key Components
//
// ServerContext carries the sync service (the start controller), the health
// service (the HealthMonitor), the optional metric set and audit logger, and
// the read-only switch. The MCP tools and the REST API both read from it.
//
// HealthChecker serves the Kubernetes probes on the main echo router:
//   - /healthz: the process is up
//   - /readyz: marked ready, not shutting down, and the sync state store
//     answers a ping
//   - /healthz/detailed: uptime plus the HealthMonitor report
//
// MetricsServer exposes the Prometheus /metrics endpoint on its own port.
package server
