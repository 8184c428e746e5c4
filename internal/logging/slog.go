package logging

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"time"
)

// Common log attribute keys for consistent naming across the codebase.
const (
	KeyOperation = "operation"
	KeyUserHash  = "user_hash"
	KeyTaskID    = "task_id"
	KeyProgress  = "progress"
	KeyDuration  = "duration"
	KeyStatus    = "status"
	KeyError     = "error"
	KeyTool      = "tool"
	KeyComponent = "component"
)

// Status values for consistent logging.
// Duplicated from the instrumentation package, which imports this one.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// WithOperation returns a logger with the operation attribute set.
func WithOperation(logger *slog.Logger, operation string) *slog.Logger {
	return logger.With(slog.String(KeyOperation, operation))
}

// WithTool returns a logger with the tool attribute set.
func WithTool(logger *slog.Logger, tool string) *slog.Logger {
	return logger.With(slog.String(KeyTool, tool))
}

// WithTask returns a logger with the (pseudonymized) task attribute set.
func WithTask(logger *slog.Logger, taskID string) *slog.Logger {
	return logger.With(TaskID(taskID))
}

// WithComponent returns a logger with the component attribute set.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With(slog.String(KeyComponent, component))
}

// Operation returns a slog attribute for the operation name.
func Operation(op string) slog.Attr {
	return slog.String(KeyOperation, op)
}

// Tool returns a slog attribute for the tool name.
func Tool(tool string) slog.Attr {
	return slog.String(KeyTool, tool)
}

// Status returns a slog attribute for the status.
func Status(status string) slog.Attr {
	return slog.String(KeyStatus, status)
}

// Progress returns a slog attribute for a job's progress percentage.
func Progress(percent int) slog.Attr {
	return slog.Int(KeyProgress, percent)
}

// Duration returns a slog attribute for an elapsed time.
func Duration(d time.Duration) slog.Attr {
	return slog.Duration(KeyDuration, d)
}

// Err returns a slog attribute for an error.
// If err is nil, returns an empty Group attribute that slog omits from output,
// so Err(maybeNilErr) is always safe to pass.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Group("")
	}
	return slog.String(KeyError, err.Error())
}

// AnonymizeUser returns a hashed representation of a user ID.
// This allows correlation of log entries without exposing the mailbox address.
func AnonymizeUser(userID string) string {
	if userID == "" {
		return ""
	}
	hash := sha256.Sum256([]byte(userID))
	return "user:" + hex.EncodeToString(hash[:8])
}

// UserHash returns a slog attribute with the anonymized user ID.
func UserHash(userID string) slog.Attr {
	return slog.String(KeyUserHash, AnonymizeUser(userID))
}

// AnonymizeTaskID replaces the user portion of a "sync_<user>_<stamp>" task
// ID with its hash. IDs that do not follow that shape are hashed whole.
func AnonymizeTaskID(taskID string) string {
	if taskID == "" {
		return ""
	}
	rest, ok := strings.CutPrefix(taskID, "sync_")
	idx := strings.LastIndex(rest, "_")
	if !ok || idx <= 0 || idx == len(rest)-1 {
		hash := sha256.Sum256([]byte(taskID))
		return "task:" + hex.EncodeToString(hash[:8])
	}
	return "sync_" + AnonymizeUser(rest[:idx]) + rest[idx:]
}

// TaskID returns a slog attribute with the anonymized task ID.
func TaskID(taskID string) slog.Attr {
	return slog.String(KeyTaskID, AnonymizeTaskID(taskID))
}
