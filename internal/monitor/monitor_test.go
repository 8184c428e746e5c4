package monitor

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teemow/inboxsync/internal/logging"
	"github.com/teemow/inboxsync/internal/reaper"
	"github.com/teemow/inboxsync/internal/syncstate"
	"github.com/teemow/inboxsync/internal/syncstate/syncstatetest"
)

func startTask(t *testing.T, store syncstate.Store, userID, taskID string) {
	t.Helper()

	acq, err := store.TryAcquire(context.Background(), userID)
	require.NoError(t, err)
	defer func() { require.NoError(t, acq.Release()) }()
	_, err = acq.CommitStart(context.Background(), taskID)
	require.NoError(t, err)
}

func newMonitor(t *testing.T) (*Monitor, syncstate.Store, *syncstatetest.Clock) {
	t.Helper()

	clock := syncstatetest.NewClock()
	store := syncstatetest.NewSQLiteStore(t, clock)
	r, err := reaper.New(store, reaper.DefaultConfig(), reaper.WithLogger(logging.NopLogger{}), reaper.WithClock(clock.Now))
	require.NoError(t, err)
	return New(store, r, 60*time.Second, WithClock(clock.Now)), store, clock
}

func TestGetHealth(t *testing.T) {
	ctx := context.Background()
	m, store, clock := newMonitor(t)

	h := m.GetHealth(ctx)
	assert.Equal(t, Health{Status: StatusHealthy, Running: []UserStatus{}, CheckedAt: syncstatetest.Epoch}, h)

	startTask(t, store, "old", "sync_old_1")
	clock.Advance(2 * time.Minute)
	startTask(t, store, "fresh", "sync_fresh_1")
	startTask(t, store, "done", "sync_done_1")
	_, err := store.Complete(ctx, "sync_done_1", syncstate.Succeeded(syncstate.Stats{}))
	require.NoError(t, err)

	h = m.GetHealth(ctx)
	assert.Equal(t, StatusDegraded, h.Status)
	assert.Equal(t, 2, h.RunningCount)
	assert.Equal(t, 1, h.StaleCandidateCount)
	assert.Equal(t, 3, h.Users)
	assert.Empty(t, h.Error)

	require.Len(t, h.Running, 2)
	old, fresh := h.Running[0], h.Running[1]
	assert.Equal(t, "old", old.UserID)
	assert.Equal(t, "sync_old_1", old.TaskID)
	assert.True(t, old.Stale)
	assert.InDelta(t, 120, old.HeartbeatAge, 0.001)
	assert.Equal(t, "fresh", fresh.UserID)
	assert.False(t, fresh.Stale)
	assert.Zero(t, fresh.HeartbeatAge)

	res, err := m.TriggerCleanup(ctx)
	require.NoError(t, err)
	require.Len(t, res.Reaped, 1)
	assert.Equal(t, "old", res.Reaped[0].UserID)

	h = m.GetHealth(ctx)
	assert.Equal(t, StatusHealthy, h.Status)
	assert.Equal(t, 1, h.RunningCount)
	assert.Equal(t, 0, h.StaleCandidateCount)
	require.Len(t, h.Running, 1)
	assert.Equal(t, "fresh", h.Running[0].UserID)
}

type brokenStore struct {
	syncstate.Store
}

func (brokenStore) Summary(context.Context, time.Duration) (syncstate.Summary, error) {
	return syncstate.Summary{}, fmt.Errorf("%w: summary: connection refused", syncstate.ErrStorage)
}

func TestGetHealthUnknownOnStoreFailure(t *testing.T) {
	m := New(brokenStore{}, nil, time.Minute)

	h := m.GetHealth(context.Background())
	assert.Equal(t, StatusUnknown, h.Status)
	assert.Zero(t, h.RunningCount)
	assert.Zero(t, h.StaleCandidateCount)
	assert.Contains(t, h.Error, "connection refused")
	assert.NotNil(t, h.Running)
	assert.Empty(t, h.Running)
}

type listFailStore struct {
	syncstate.Store
}

func (listFailStore) Summary(context.Context, time.Duration) (syncstate.Summary, error) {
	return syncstate.Summary{Running: 1, Total: 1}, nil
}

func (listFailStore) ListRunning(context.Context) ([]syncstate.Status, error) {
	return nil, fmt.Errorf("%w: list running: connection reset", syncstate.ErrStorage)
}

func TestGetHealthUnknownWhenRunningListFails(t *testing.T) {
	h := New(listFailStore{}, nil, time.Minute).GetHealth(context.Background())

	assert.Equal(t, StatusUnknown, h.Status)
	assert.Zero(t, h.RunningCount)
	assert.Empty(t, h.Running)
	assert.Contains(t, h.Error, "connection reset")
}

func TestUserDetail(t *testing.T) {
	ctx := context.Background()
	m, store, clock := newMonitor(t)

	_, err := m.UserDetail(ctx, "nobody")
	assert.ErrorIs(t, err, syncstate.ErrNotFound)

	startTask(t, store, "U", "sync_U_1")
	clock.Advance(90 * time.Second)

	d, err := m.UserDetail(ctx, "U")
	require.NoError(t, err)
	assert.Equal(t, "sync_U_1", d.TaskID)
	assert.True(t, d.IsRunning)
	assert.True(t, d.Stale)
	assert.InDelta(t, 90, d.HeartbeatAge, 0.001)

	_, err = m.TriggerCleanup(ctx)
	require.NoError(t, err)

	d, err = m.UserDetail(ctx, "U")
	require.NoError(t, err)
	assert.Equal(t, "sync_U_1", d.TaskID, "last task stays visible after reaping")
	assert.False(t, d.IsRunning)
	assert.False(t, d.Stale)
	require.NotNil(t, d.Error)
	assert.Equal(t, syncstate.HeartbeatTimeoutMessage, *d.Error)
}

func TestTriggerCleanupWithoutReaper(t *testing.T) {
	m := New(brokenStore{}, nil, time.Minute)

	_, err := m.TriggerCleanup(context.Background())
	assert.True(t, errors.Is(err, ErrCleanupUnavailable))
}
