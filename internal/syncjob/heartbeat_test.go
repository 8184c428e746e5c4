package syncjob

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teemow/inboxsync/internal/syncstate"
	"github.com/teemow/inboxsync/internal/syncstate/syncstatetest"
)

func commitTask(t *testing.T, store syncstate.Store, userID, taskID string) {
	t.Helper()

	acq, err := store.TryAcquire(context.Background(), userID)
	require.NoError(t, err)
	defer func() { require.NoError(t, acq.Release()) }()
	_, err = acq.CommitStart(context.Background(), taskID)
	require.NoError(t, err)
}

func TestHeartbeatWorkerReport(t *testing.T) {
	w := NewHeartbeatWorker(nil, "sync_u1_1", time.Second)

	tests := []struct {
		report int
		want   int
	}{
		{report: 10, want: 10},
		{report: 5, want: 10},
		{report: 60, want: 60},
		{report: 100, want: 99},
		{report: -3, want: 99},
	}

	for _, tt := range tests {
		w.Report(tt.report)
		assert.Equal(t, tt.want, w.Progress(), "after Report(%d)", tt.report)
	}
}

func TestHeartbeatWorkerWritesProgress(t *testing.T) {
	clock := syncstatetest.NewClock()
	store := syncstatetest.NewSQLiteStore(t, clock)
	commitTask(t, store, "u1", "sync_u1_1")

	w := NewHeartbeatWorker(store, "sync_u1_1", 10*time.Millisecond)
	w.Start(context.Background())
	w.Report(40)
	clock.Advance(15 * time.Second)

	require.Eventually(t, func() bool {
		st, err := store.Get(context.Background(), "u1")
		return err == nil && st.Progress() == 40 && st.LastHeartbeatAt.Equal(clock.Now())
	}, 2*time.Second, 10*time.Millisecond)

	applied, err := w.Finish(syncstate.Succeeded(syncstate.Stats{Fetched: 3, New: 3}))
	require.NoError(t, err)
	assert.True(t, applied)
	assert.False(t, w.Lost())

	st, err := store.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, st.IsRunning())
	assert.Equal(t, 100, st.Progress())
}

func TestHeartbeatWorkerFirstBeatAfterInterval(t *testing.T) {
	clock := syncstatetest.NewClock()
	store := syncstatetest.NewSQLiteStore(t, clock)
	commitTask(t, store, "u1", "sync_u1_1")
	committed := clock.Now()

	w := NewHeartbeatWorker(store, "sync_u1_1", time.Hour)
	w.Report(40)
	clock.Advance(15 * time.Second)
	w.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	w.Stop()

	st, err := store.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, st.LastHeartbeatAt.Equal(committed), "heartbeat %s", st.LastHeartbeatAt)
	assert.Equal(t, 0, st.Progress())
}

func TestHeartbeatWorkerLost(t *testing.T) {
	clock := syncstatetest.NewClock()
	store := syncstatetest.NewSQLiteStore(t, clock)
	commitTask(t, store, "u1", "sync_u1_1")

	applied, err := store.Reap(context.Background(), "u1", "sync_u1_1", -time.Second, syncstate.HeartbeatTimeoutMessage)
	require.NoError(t, err)
	require.True(t, applied)

	lost := make(chan struct{})
	w := NewHeartbeatWorker(store, "sync_u1_1", 10*time.Millisecond,
		WithLostCallback(func() { close(lost) }))
	w.Start(context.Background())

	select {
	case <-lost:
	case <-time.After(2 * time.Second):
		t.Fatal("lost callback not called")
	}
	assert.True(t, w.Lost())

	applied, err = w.Finish(syncstate.Failed("late"))
	require.NoError(t, err)
	assert.False(t, applied, "terminal write must not touch a reaped row")

	st, err := store.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, syncstate.HeartbeatTimeoutMessage, st.ErrorMessage)
}

func TestHeartbeatWorkerStopsWithContext(t *testing.T) {
	clock := syncstatetest.NewClock()
	store := syncstatetest.NewSQLiteStore(t, clock)
	commitTask(t, store, "u1", "sync_u1_1")

	ctx, cancel := context.WithCancel(context.Background())
	w := NewHeartbeatWorker(store, "sync_u1_1", 10*time.Millisecond)
	w.Start(ctx)
	w.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestHeartbeatWorkerStopWithoutStart(t *testing.T) {
	w := NewHeartbeatWorker(nil, "sync_u1_1", time.Second)
	w.Stop()
	w.Stop()
}
