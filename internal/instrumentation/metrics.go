package instrumentation

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	attrMethod    = "method"
	attrPath      = "path"
	attrStatus    = "status"
	attrOperation = "operation"
	attrService   = "service"
	attrResult    = "result"
	attrOutcome   = "outcome"
	attrTool      = "tool"
)

var (
	httpBuckets = []float64{0.001, 0.01, 0.1, 0.5, 1.0, 2.5, 5.0, 10.0}
	apiBuckets  = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0}
	// Sync jobs run from seconds to the 30 minute task age limit.
	jobBuckets = []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800}
)

// Metrics records the service's metrics. All methods are safe on a nil
// receiver.
type Metrics struct {
	httpRequestsTotal   metric.Int64Counter
	httpRequestDuration metric.Float64Histogram

	googleAPIOperationsTotal   metric.Int64Counter
	googleAPIOperationDuration metric.Float64Histogram

	toolInvocationsTotal metric.Int64Counter
	toolDuration         metric.Float64Histogram

	startRequestsTotal metric.Int64Counter
	jobsRunning        metric.Int64UpDownCounter
	heartbeatsTotal    metric.Int64Counter
	jobsCompletedTotal metric.Int64Counter
	jobDuration        metric.Float64Histogram
	jobsReapedTotal    metric.Int64Counter
	reaperPassesTotal  metric.Int64Counter
	messagesSynced     metric.Int64Counter
}

// NewMetrics creates all instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	b := instrumentBuilder{meter: meter}
	m := &Metrics{
		httpRequestsTotal:   b.counter("http_requests_total", "Total number of HTTP requests", "{request}"),
		httpRequestDuration: b.histogram("http_request_duration_seconds", "HTTP request duration in seconds", httpBuckets),

		googleAPIOperationsTotal:   b.counter("google_api_operations_total", "Total number of Google API operations", "{operation}"),
		googleAPIOperationDuration: b.histogram("google_api_operation_duration_seconds", "Google API operation duration in seconds", apiBuckets),

		toolInvocationsTotal: b.counter("mcp_tool_invocations_total", "Total number of MCP tool invocations", "{invocation}"),
		toolDuration:         b.histogram("mcp_tool_duration_seconds", "MCP tool execution duration in seconds", apiBuckets),

		startRequestsTotal: b.counter("sync_start_requests_total", "Sync start requests by result", "{request}"),
		heartbeatsTotal:    b.counter("sync_heartbeats_total", "Heartbeat writes by status", "{heartbeat}"),
		jobsCompletedTotal: b.counter("sync_jobs_completed_total", "Sync jobs finished by outcome", "{job}"),
		jobDuration:        b.histogram("sync_job_duration_seconds", "Sync job wall time in seconds", jobBuckets),
		jobsReapedTotal:    b.counter("sync_jobs_reaped_total", "Abandoned sync jobs reset by the reaper", "{job}"),
		reaperPassesTotal:  b.counter("sync_reaper_passes_total", "Reaper passes by status", "{pass}"),
		messagesSynced:     b.counter("mail_messages_synced_total", "Messages indexed by result", "{message}"),
	}

	if b.err == nil {
		m.jobsRunning, b.err = meter.Int64UpDownCounter("sync_jobs_running",
			metric.WithDescription("Sync jobs currently owned by this process"),
			metric.WithUnit("{job}"),
		)
		if b.err != nil {
			b.err = fmt.Errorf("failed to create sync_jobs_running gauge: %w", b.err)
		}
	}

	if b.err != nil {
		return nil, b.err
	}
	return m, nil
}

// instrumentBuilder creates instruments and keeps the first error.
type instrumentBuilder struct {
	meter metric.Meter
	err   error
}

func (b *instrumentBuilder) counter(name, description, unit string) metric.Int64Counter {
	if b.err != nil {
		return nil
	}
	c, err := b.meter.Int64Counter(name, metric.WithDescription(description), metric.WithUnit(unit))
	if err != nil {
		b.err = fmt.Errorf("failed to create %s counter: %w", name, err)
	}
	return c
}

func (b *instrumentBuilder) histogram(name, description string, buckets []float64) metric.Float64Histogram {
	if b.err != nil {
		return nil
	}
	h, err := b.meter.Float64Histogram(name,
		metric.WithDescription(description),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(buckets...),
	)
	if err != nil {
		b.err = fmt.Errorf("failed to create %s histogram: %w", name, err)
	}
	return h
}

// RecordHTTPRequest records an HTTP request with method, route, status code and duration.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration) {
	if m == nil || m.httpRequestsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String(attrMethod, method),
		attribute.String(attrPath, path),
		attribute.String(attrStatus, strconv.Itoa(statusCode)),
	)
	m.httpRequestsTotal.Add(ctx, 1, attrs)
	m.httpRequestDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordGoogleAPIOperation records a Google API call.
//
// Parameters:
//   - service: Google service name (gmail)
//   - operation: list, get
//   - status: StatusSuccess or StatusError
func (m *Metrics) RecordGoogleAPIOperation(ctx context.Context, service, operation, status string, duration time.Duration) {
	if m == nil || m.googleAPIOperationsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String(attrService, service),
		attribute.String(attrOperation, operation),
		attribute.String(attrStatus, status),
	)
	m.googleAPIOperationsTotal.Add(ctx, 1, attrs)
	m.googleAPIOperationDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordToolInvocation records an MCP tool invocation with tool name, status, and duration.
func (m *Metrics) RecordToolInvocation(ctx context.Context, toolName, status string, duration time.Duration) {
	if m == nil || m.toolInvocationsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String(attrTool, toolName),
		attribute.String(attrStatus, status),
	)
	m.toolInvocationsTotal.Add(ctx, 1, attrs)
	m.toolDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordStartRequest counts a start request; result is ResultLaunched,
// ResultReused or ResultError.
func (m *Metrics) RecordStartRequest(ctx context.Context, result string) {
	if m == nil || m.startRequestsTotal == nil {
		return
	}
	m.startRequestsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(attrResult, result)))
}

// JobStarted marks a job as owned by this process.
func (m *Metrics) JobStarted(ctx context.Context) {
	if m == nil || m.jobsRunning == nil {
		return
	}
	m.jobsRunning.Add(ctx, 1)
}

// RecordJobFinished releases a job started with JobStarted and records its
// outcome and duration.
func (m *Metrics) RecordJobFinished(ctx context.Context, outcome string, duration time.Duration) {
	if m == nil || m.jobsCompletedTotal == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String(attrOutcome, outcome))
	m.jobsRunning.Add(ctx, -1)
	m.jobsCompletedTotal.Add(ctx, 1, attrs)
	m.jobDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordHeartbeat counts a heartbeat write by status.
func (m *Metrics) RecordHeartbeat(ctx context.Context, status string) {
	if m == nil || m.heartbeatsTotal == nil {
		return
	}
	m.heartbeatsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(attrStatus, status)))
}

// RecordReaperPass counts a reaper pass and the rows it reset.
func (m *Metrics) RecordReaperPass(ctx context.Context, status string, reaped int) {
	if m == nil || m.reaperPassesTotal == nil {
		return
	}
	m.reaperPassesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(attrStatus, status)))
	if reaped > 0 {
		m.jobsReapedTotal.Add(ctx, int64(reaped))
	}
}

// RecordMessagesSynced adds n messages indexed with the given result.
func (m *Metrics) RecordMessagesSynced(ctx context.Context, result string, n int) {
	if m == nil || m.messagesSynced == nil || n <= 0 {
		return
	}
	m.messagesSynced.Add(ctx, int64(n), metric.WithAttributes(attribute.String(attrResult, result)))
}
