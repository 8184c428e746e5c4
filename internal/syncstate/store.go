package syncstate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Store is the sole source of truth for sync job state.
//
// All mutating operations run in a transaction against the user's row, and
// the terminal and liveness writes are gated on the row still running the
// given task, so a late heartbeat can never undo a completion or a reap.
type Store interface {
	// Get returns the user's row, or ErrNotFound.
	Get(ctx context.Context, userID string) (*Status, error)

	// GetByTaskID returns the row whose most recent task is taskID.
	GetByTaskID(ctx context.Context, taskID string) (*Status, error)

	// TryAcquire creates the user's row if needed and locks it. The caller
	// must call Release on the returned Acquisition.
	TryAcquire(ctx context.Context, userID string) (Acquisition, error)

	// Heartbeat refreshes last_heartbeat_at and raises progress for a
	// running task. It reports false when the task is no longer running.
	Heartbeat(ctx context.Context, taskID string, progress int) (bool, error)

	// Complete performs the terminal write for a running task. It reports
	// false when the task is no longer running.
	Complete(ctx context.Context, taskID string, outcome Outcome) (bool, error)

	// ListStale returns running rows whose last heartbeat is older than
	// olderThan.
	ListStale(ctx context.Context, olderThan time.Duration) ([]Status, error)

	// Reap resets a stale running row to Idle(0), records message and clears
	// task_id. The staleness condition is re-checked atomically; it reports
	// false when the row was no longer a stale run of taskID.
	Reap(ctx context.Context, userID, taskID string, olderThan time.Duration, message string) (bool, error)

	// ListRunning returns all running rows ordered by start time.
	ListRunning(ctx context.Context) ([]Status, error)

	// Summary counts rows, running rows and running rows older than staleAfter.
	Summary(ctx context.Context, staleAfter time.Duration) (Summary, error)

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close releases the underlying connections.
	Close() error
}

// Acquisition is a user's row held under lock for a start decision.
type Acquisition interface {
	// Current is the locked row as read inside the transaction.
	Current() *Status

	// CommitStart moves the row to Running(0) with taskID, stamps
	// started_at and last_heartbeat_at, clears the previous error and stats,
	// and commits.
	CommitStart(ctx context.Context, taskID string) (*Status, error)

	// Release rolls back if nothing was committed. Safe to call twice.
	Release() error
}

// Option configures a store.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source used for every timestamp the store
// writes or compares against.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// IsPostgresURL reports whether a database URL selects the PostgreSQL store.
func IsPostgresURL(url string) bool {
	return strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://")
}

// startedStatus is the row as CommitStart leaves it.
func startedStatus(current *Status, taskID string, now time.Time) *Status {
	st := *current
	started := now
	st.State = State{phase: PhaseRunning, progress: ProgressMin}
	st.TaskID = taskID
	st.LastTaskID = taskID
	st.StartedAt = &started
	st.LastHeartbeatAt = now
	st.ErrorMessage = ""
	st.Stats = nil
	st.UpdatedAt = now
	return &st
}

// encodeOutcome returns the stats and error_message column values for a
// terminal write; nil means NULL.
func encodeOutcome(outcome Outcome) (stats any, errMsg any, err error) {
	if !outcome.OK() {
		return nil, outcome.Err, nil
	}
	s := Stats{}
	if outcome.Stats != nil {
		s = *outcome.Stats
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, nil, fmt.Errorf("encode stats: %w", err)
	}
	return string(b), nil, nil
}
