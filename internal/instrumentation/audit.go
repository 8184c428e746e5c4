package instrumentation

import (
	"context"
	"log/slog"
	"time"

	"github.com/teemow/inboxsync/internal/logging"
)

// Surfaces an Action can originate from.
const (
	SurfaceMCP  = "mcp"
	SurfaceREST = "rest"
	SurfaceCLI  = "cli"
)

// Action is one operator request (an MCP tool call, a REST request or a CLI
// command) recorded in the audit log. User and task identifiers are only
// ever logged in anonymized form.
type Action struct {
	Surface string
	Name    string
	UserID  string
	TaskID  string

	StartTime time.Time
	Duration  time.Duration
	Success   bool
	Error     string

	TraceID string
}

// NewAction starts timing an action.
func NewAction(surface, name string) *Action {
	return &Action{Surface: surface, Name: name, StartTime: time.Now()}
}

// WithUser sets the user the action targets.
func (a *Action) WithUser(userID string) *Action {
	a.UserID = userID
	return a
}

// WithTask sets the task the action targets.
func (a *Action) WithTask(taskID string) *Action {
	a.TaskID = taskID
	return a
}

// WithSpanContext copies the trace ID of the span in ctx.
func (a *Action) WithSpanContext(ctx context.Context) *Action {
	a.TraceID = GetTraceID(ctx)
	return a
}

// Complete stops the timer and records the result.
func (a *Action) Complete(err error) *Action {
	a.Duration = time.Since(a.StartTime)
	a.Success = err == nil
	if err != nil {
		a.Error = err.Error()
	}
	return a
}

// Status returns StatusSuccess or StatusError.
func (a *Action) Status() string {
	if a.Success {
		return StatusSuccess
	}
	return StatusError
}

// LogAttrs returns the structured fields of the action.
func (a *Action) LogAttrs() []slog.Attr {
	attrs := []slog.Attr{
		slog.String("surface", a.Surface),
		slog.String("action", a.Name),
		logging.Duration(a.Duration),
		logging.Status(a.Status()),
	}
	if a.UserID != "" {
		attrs = append(attrs, logging.UserHash(a.UserID))
	}
	if a.TaskID != "" {
		attrs = append(attrs, logging.TaskID(a.TaskID))
	}
	if a.TraceID != "" {
		attrs = append(attrs, slog.String("trace_id", a.TraceID))
	}
	if a.Error != "" {
		attrs = append(attrs, slog.String(logging.KeyError, a.Error))
	}
	return attrs
}

// AuditLogger writes operator actions to a dedicated logger.
type AuditLogger struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditLogger returns an enabled audit logger. nil uses slog.Default().
func NewAuditLogger(logger *slog.Logger, enabled bool) *AuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditLogger{logger: logger.With(slog.String("log_type", "audit")), enabled: enabled}
}

// Log records a completed action. A nil or disabled logger does nothing.
func (al *AuditLogger) Log(ctx context.Context, a *Action) {
	if al == nil || !al.enabled || a == nil {
		return
	}

	level := slog.LevelInfo
	msg := "action_executed"
	if !a.Success {
		level = slog.LevelWarn
		msg = "action_failed"
	}
	al.logger.LogAttrs(ctx, level, msg, a.LogAttrs()...)
}
