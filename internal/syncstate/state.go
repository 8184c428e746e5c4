package syncstate

import (
	"fmt"
	"time"
)

// Phase is the tag of a State.
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseRunning Phase = "running"
)

// Progress bounds shared by the phases.
const (
	ProgressMin             = 0
	ProgressMaxWhileRunning = 99
	ProgressComplete        = 100
)

// Allows reports whether progress is a legal value in phase p.
func (p Phase) Allows(progress int) bool {
	switch p {
	case PhaseRunning:
		return progress >= ProgressMin && progress <= ProgressMaxWhileRunning
	case PhaseIdle:
		return progress == ProgressMin || progress == ProgressComplete
	default:
		return false
	}
}

// State is the tagged job state of a user's row. The zero value is Idle at 0%.
type State struct {
	phase    Phase
	progress int
}

// Idle returns an idle state. Only 0 (never ran, failed, abandoned) and 100
// (last run succeeded) are allowed.
func Idle(progress int) (State, error) {
	return newState(PhaseIdle, progress)
}

// Running returns a running state with progress in 0..99.
func Running(progress int) (State, error) {
	return newState(PhaseRunning, progress)
}

// StateOf rebuilds a State from its stored encoding.
func StateOf(isRunning bool, progress int) (State, error) {
	if isRunning {
		return Running(progress)
	}
	return Idle(progress)
}

func newState(phase Phase, progress int) (State, error) {
	if !phase.Allows(progress) {
		return State{}, fmt.Errorf("%w: progress %d not allowed while %s", ErrInvalidState, progress, phase)
	}
	return State{phase: phase, progress: progress}, nil
}

// Phase returns the state's tag.
func (s State) Phase() Phase {
	if s.phase == "" {
		return PhaseIdle
	}
	return s.phase
}

// IsRunning reports whether the state is Running.
func (s State) IsRunning() bool { return s.phase == PhaseRunning }

// Progress returns the progress percentage.
func (s State) Progress() int { return s.progress }

func (s State) String() string {
	return fmt.Sprintf("%s(%d%%)", s.Phase(), s.progress)
}

// Stats summarizes a completed job. It is written once, on success.
type Stats struct {
	Fetched int `json:"fetched"`
	New     int `json:"new"`
	Updated int `json:"updated"`
	Errors  int `json:"errors"`
}

// Status is a user's sync row.
type Status struct {
	UserID string
	State  State

	// TaskID is the live task identifier; empty once the reaper reset the row.
	TaskID string
	// LastTaskID is the most recently started task and survives reaping, so
	// the task can still be polled after it was abandoned.
	LastTaskID string

	LastHeartbeatAt time.Time
	StartedAt       *time.Time
	ErrorMessage    string
	Stats           *Stats

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsRunning is shorthand for s.State.IsRunning().
func (s *Status) IsRunning() bool { return s.State.IsRunning() }

// Progress is shorthand for s.State.Progress().
func (s *Status) Progress() int { return s.State.Progress() }

// HeartbeatAge returns how long ago the row last heartbeat, relative to now.
func (s *Status) HeartbeatAge(now time.Time) time.Duration {
	return now.Sub(s.LastHeartbeatAt)
}

// Outcome is the terminal result of a job.
type Outcome struct {
	Stats *Stats
	Err   string
}

// Succeeded returns a successful outcome carrying stats.
func Succeeded(stats Stats) Outcome {
	return Outcome{Stats: &stats}
}

// Failed returns a failed outcome carrying an error message.
func Failed(message string) Outcome {
	if message == "" {
		message = "sync failed"
	}
	return Outcome{Err: message}
}

// OK reports whether the outcome is a success.
func (o Outcome) OK() bool { return o.Err == "" }

// FinalState returns the idle state the row moves to for this outcome.
func (o Outcome) FinalState() State {
	if o.OK() {
		return State{phase: PhaseIdle, progress: ProgressComplete}
	}
	return State{phase: PhaseIdle, progress: ProgressMin}
}

// Summary aggregates the table for health reporting.
type Summary struct {
	Total   int
	Running int
	// Stale counts running rows whose heartbeat is older than the threshold
	// passed to Store.Summary; these are the reaper's next candidates.
	Stale int
}

// ClampRunningProgress maps an executor-reported percentage into the range a
// running row may hold.
func ClampRunningProgress(percent int) int {
	switch {
	case percent < ProgressMin:
		return ProgressMin
	case percent > ProgressMaxWhileRunning:
		return ProgressMaxWhileRunning
	default:
		return percent
	}
}

func (p Phase) String() string { return string(p) }
