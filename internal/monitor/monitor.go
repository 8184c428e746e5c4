// Package monitor reports the health of the sync subsystem.
//
// Health is derived from the sync rows only: how many jobs are running and how
// many of them have gone silent for longer than the stale timeout. Silent
// jobs are the reaper's next candidates, so their presence marks the system
// degraded rather than unhealthy.
package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/teemow/inboxsync/internal/reaper"
	"github.com/teemow/inboxsync/internal/syncjob"
	"github.com/teemow/inboxsync/internal/syncstate"
)

// HealthStatus is the overall verdict.
type HealthStatus string

const (
	StatusHealthy  HealthStatus = "healthy"
	StatusDegraded HealthStatus = "degraded"
	// StatusUnknown means the store could not be read.
	StatusUnknown HealthStatus = "unknown"
)

// Health is a point-in-time report. Running lists every running job with
// its liveness; it is empty, never nil.
type Health struct {
	Status              HealthStatus `json:"status"`
	RunningCount        int          `json:"running_count"`
	StaleCandidateCount int          `json:"stale_candidate_count"`
	Users               int          `json:"users"`
	Running             []UserStatus `json:"running"`
	CheckedAt           time.Time    `json:"checked_at"`
	Error               string       `json:"error,omitempty"`
}

// UserStatus is one user's row with derived liveness. Its task ID is the
// live task, or the last task once the row is idle.
type UserStatus struct {
	syncjob.Progress
	Stale        bool    `json:"stale"`
	HeartbeatAge float64 `json:"heartbeat_age_seconds"`
}

// Cleaner performs a manual reaper pass.
type Cleaner interface {
	RunOnce(ctx context.Context) (reaper.Result, error)
}

// Monitor answers health queries.
type Monitor struct {
	store        syncstate.Store
	cleaner      Cleaner
	staleTimeout time.Duration
	now          func() time.Time
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock sets the time source for heartbeat ages.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// New returns a monitor. staleTimeout must match the reaper's.
func New(store syncstate.Store, cleaner Cleaner, staleTimeout time.Duration, opts ...Option) *Monitor {
	m := &Monitor{
		store:        store,
		cleaner:      cleaner,
		staleTimeout: staleTimeout,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetHealth summarizes the sync rows and details the running ones. A store
// failure yields StatusUnknown with zeroed counts instead of an error.
func (m *Monitor) GetHealth(ctx context.Context) Health {
	now := m.now()
	h := Health{CheckedAt: now.UTC(), Running: []UserStatus{}}
	unknown := func(err error) Health {
		return Health{Status: StatusUnknown, Running: []UserStatus{}, CheckedAt: h.CheckedAt, Error: err.Error()}
	}

	sum, err := m.store.Summary(ctx, m.staleTimeout)
	if err != nil {
		return unknown(err)
	}
	running, err := m.store.ListRunning(ctx)
	if err != nil {
		return unknown(err)
	}

	for i := range running {
		h.Running = append(h.Running, m.userStatus(&running[i], now))
	}
	h.RunningCount = sum.Running
	h.StaleCandidateCount = sum.Stale
	h.Users = sum.Total
	h.Status = StatusHealthy
	if sum.Stale > 0 {
		h.Status = StatusDegraded
	}
	return h
}

// UserDetail returns one user's row. It returns syncstate.ErrNotFound for
// users that never synced.
func (m *Monitor) UserDetail(ctx context.Context, userID string) (UserStatus, error) {
	st, err := m.store.Get(ctx, userID)
	if err != nil {
		return UserStatus{}, err
	}
	return m.userStatus(st, m.now()), nil
}

func (m *Monitor) userStatus(st *syncstate.Status, now time.Time) UserStatus {
	taskID := st.TaskID
	if taskID == "" {
		taskID = st.LastTaskID
	}
	age := st.HeartbeatAge(now)
	return UserStatus{
		Progress:     syncjob.ProgressOf(taskID, st),
		Stale:        st.IsRunning() && age > m.staleTimeout,
		HeartbeatAge: age.Seconds(),
	}
}

// ErrCleanupUnavailable is returned by TriggerCleanup when no reaper is wired.
var ErrCleanupUnavailable = errors.New("cleanup is not available")

// TriggerCleanup runs a reaper pass now.
func (m *Monitor) TriggerCleanup(ctx context.Context) (reaper.Result, error) {
	if m.cleaner == nil {
		return reaper.Result{}, ErrCleanupUnavailable
	}
	return m.cleaner.RunOnce(ctx)
}

// Ping checks that the store is reachable.
func (m *Monitor) Ping(ctx context.Context) error {
	return m.store.Ping(ctx)
}
