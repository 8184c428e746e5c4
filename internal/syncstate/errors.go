package syncstate

import "errors"

var (
	// ErrNotFound is returned when no row matches the user or task.
	ErrNotFound = errors.New("sync status not found")

	// ErrStateConflict is returned when a start lost a race against a
	// concurrent writer (unique violation, serialization failure, busy lock).
	// Callers may retry once.
	ErrStateConflict = errors.New("sync state conflict")

	// ErrStorage wraps any other persistence failure.
	ErrStorage = errors.New("sync storage unavailable")

	// ErrInvalidState is returned when a row or a requested write violates
	// the running/progress invariant.
	ErrInvalidState = errors.New("invalid sync state")

	// ErrAcquisitionDone is returned when an Acquisition is used after it
	// was committed or released.
	ErrAcquisitionDone = errors.New("acquisition already finished")
)

// HeartbeatTimeoutMessage is recorded on rows reset by the reaper.
const HeartbeatTimeoutMessage = "task abandoned: heartbeat timeout"
