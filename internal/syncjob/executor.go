package syncjob

import (
	"context"
	"fmt"

	"github.com/teemow/inboxsync/internal/syncstate"
)

// JobRequest describes one job handed to an Executor.
type JobRequest struct {
	UserID    string
	TaskID    string
	ForceFull bool

	// Progress reports completion in percent. It never blocks; the heartbeat
	// worker picks up the latest value on its next beat.
	Progress func(percent int)
}

// Executor performs the sync work of a job. RunJob must return when ctx is
// cancelled.
type Executor interface {
	RunJob(ctx context.Context, req JobRequest) (syncstate.Stats, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, req JobRequest) (syncstate.Stats, error)

func (f ExecutorFunc) RunJob(ctx context.Context, req JobRequest) (syncstate.Stats, error) {
	return f(ctx, req)
}

// ExecutionError is a failed or panicking executor run. Its message is what
// gets recorded on the row.
type ExecutionError struct {
	TaskID string
	Err    error
	// Panic holds the recovered value when the executor panicked.
	Panic any
}

func (e *ExecutionError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("sync panicked: %v", e.Panic)
	}
	if e.Err == nil {
		return "sync failed"
	}
	return e.Err.Error()
}

func (e *ExecutionError) Unwrap() error { return e.Err }
