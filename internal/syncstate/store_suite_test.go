package syncstate_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teemow/inboxsync/internal/syncstate"
	"github.com/teemow/inboxsync/internal/syncstate/syncstatetest"
)

type storeFactory func(t *testing.T, clock *syncstatetest.Clock) syncstate.Store

// runStoreSuite runs the behavioural tests every Store implementation must
// pass.
func runStoreSuite(t *testing.T, newStore storeFactory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, store syncstate.Store, clock *syncstatetest.Clock)
	}{
		{"GetUnknownUser", testGetUnknownUser},
		{"AcquireCreatesIdleRow", testAcquireCreatesIdleRow},
		{"CommitStart", testCommitStart},
		{"AcquisitionFinishedOnce", testAcquisitionFinishedOnce},
		{"HeartbeatRaisesProgress", testHeartbeatRaisesProgress},
		{"HeartbeatUnknownTask", testHeartbeatUnknownTask},
		{"CompleteSuccess", testCompleteSuccess},
		{"CompleteFailure", testCompleteFailure},
		{"RestartClearsPreviousRun", testRestartClearsPreviousRun},
		{"ReapStaleRow", testReapStaleRow},
		{"ReapRechecksStaleness", testReapRechecksStaleness},
		{"DuplicateTaskIDConflicts", testDuplicateTaskIDConflicts},
		{"SummaryAndListRunning", testSummaryAndListRunning},
		{"ConcurrentAcquireSingleStart", testConcurrentAcquireSingleStart},
		{"RandomInterleavings", testRandomInterleavings},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := syncstatetest.NewClock()
			tt.fn(t, newStore(t, clock), clock)
		})
	}
}

func startTask(t *testing.T, store syncstate.Store, userID, taskID string) *syncstate.Status {
	t.Helper()

	acq, err := store.TryAcquire(context.Background(), userID)
	require.NoError(t, err)
	defer func() { require.NoError(t, acq.Release()) }()

	require.False(t, acq.Current().IsRunning(), "user %s already running", userID)
	st, err := acq.CommitStart(context.Background(), taskID)
	require.NoError(t, err)
	return st
}

func testGetUnknownUser(t *testing.T, store syncstate.Store, _ *syncstatetest.Clock) {
	_, err := store.Get(context.Background(), "nobody")
	assert.ErrorIs(t, err, syncstate.ErrNotFound)

	_, err = store.GetByTaskID(context.Background(), "sync_nobody_1")
	assert.ErrorIs(t, err, syncstate.ErrNotFound)
}

func testAcquireCreatesIdleRow(t *testing.T, store syncstate.Store, clock *syncstatetest.Clock) {
	ctx := context.Background()

	acq, err := store.TryAcquire(ctx, "u1")
	require.NoError(t, err)
	cur := acq.Current()
	assert.Equal(t, "u1", cur.UserID)
	assert.False(t, cur.IsRunning())
	assert.Equal(t, 0, cur.Progress())
	assert.Empty(t, cur.TaskID)
	require.NoError(t, acq.Release())

	// The created row is rolled back together with the released acquisition.
	_, err = store.Get(ctx, "u1")
	assert.ErrorIs(t, err, syncstate.ErrNotFound)

	_, err = store.TryAcquire(ctx, "")
	assert.ErrorIs(t, err, syncstate.ErrInvalidState)

	startTask(t, store, "u1", "sync_u1_1")
	st, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.WithinDuration(t, clock.Now(), st.CreatedAt, 0)
}

func testCommitStart(t *testing.T, store syncstate.Store, clock *syncstatetest.Clock) {
	ctx := context.Background()
	now := clock.Now()

	started := startTask(t, store, "u1", "sync_u1_1")
	assert.True(t, started.IsRunning())
	assert.Equal(t, "sync_u1_1", started.TaskID)

	st, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, st.IsRunning())
	assert.Equal(t, 0, st.Progress())
	assert.Equal(t, "sync_u1_1", st.TaskID)
	assert.Equal(t, "sync_u1_1", st.LastTaskID)
	require.NotNil(t, st.StartedAt)
	assert.WithinDuration(t, now, *st.StartedAt, 0)
	assert.WithinDuration(t, now, st.LastHeartbeatAt, 0)
	assert.Empty(t, st.ErrorMessage)
	assert.Nil(t, st.Stats)

	byTask, err := store.GetByTaskID(ctx, "sync_u1_1")
	require.NoError(t, err)
	assert.Equal(t, "u1", byTask.UserID)
}

func testAcquisitionFinishedOnce(t *testing.T, store syncstate.Store, _ *syncstatetest.Clock) {
	ctx := context.Background()

	acq, err := store.TryAcquire(ctx, "u1")
	require.NoError(t, err)
	_, err = acq.CommitStart(ctx, "")
	assert.ErrorIs(t, err, syncstate.ErrInvalidState)

	_, err = acq.CommitStart(ctx, "sync_u1_1")
	require.NoError(t, err)
	_, err = acq.CommitStart(ctx, "sync_u1_2")
	assert.ErrorIs(t, err, syncstate.ErrAcquisitionDone)
	assert.NoError(t, acq.Release())
	assert.NoError(t, acq.Release())
}

func testHeartbeatRaisesProgress(t *testing.T, store syncstate.Store, clock *syncstatetest.Clock) {
	ctx := context.Background()
	startTask(t, store, "u1", "sync_u1_1")

	clock.Advance(15 * time.Second)
	ok, err := store.Heartbeat(ctx, "sync_u1_1", 40)
	require.NoError(t, err)
	assert.True(t, ok)

	st, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 40, st.Progress())
	assert.WithinDuration(t, clock.Now(), st.LastHeartbeatAt, 0)

	// Progress never decreases.
	ok, err = store.Heartbeat(ctx, "sync_u1_1", 10)
	require.NoError(t, err)
	assert.True(t, ok)
	st, err = store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 40, st.Progress())

	// A running row never reaches 100.
	ok, err = store.Heartbeat(ctx, "sync_u1_1", 150)
	require.NoError(t, err)
	assert.True(t, ok)
	st, err = store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 99, st.Progress())
	assert.True(t, st.IsRunning())
}

func testHeartbeatUnknownTask(t *testing.T, store syncstate.Store, _ *syncstatetest.Clock) {
	ok, err := store.Heartbeat(context.Background(), "sync_ghost_1", 10)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.Complete(context.Background(), "sync_ghost_1", syncstate.Failed("x"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func testCompleteSuccess(t *testing.T, store syncstate.Store, _ *syncstatetest.Clock) {
	ctx := context.Background()
	startTask(t, store, "U", "sync_U_t1")

	stats := syncstate.Stats{Fetched: 42, New: 10, Updated: 2, Errors: 0}
	ok, err := store.Complete(ctx, "sync_U_t1", syncstate.Succeeded(stats))
	require.NoError(t, err)
	assert.True(t, ok)

	st, err := store.Get(ctx, "U")
	require.NoError(t, err)
	assert.False(t, st.IsRunning())
	assert.Equal(t, 100, st.Progress())
	assert.Empty(t, st.ErrorMessage)
	require.NotNil(t, st.Stats)
	assert.Equal(t, stats, *st.Stats)

	// Terminal writes are not repeatable and late heartbeats are ignored.
	ok, err = store.Complete(ctx, "sync_U_t1", syncstate.Failed("late"))
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = store.Heartbeat(ctx, "sync_U_t1", 50)
	require.NoError(t, err)
	assert.False(t, ok)

	st, err = store.Get(ctx, "U")
	require.NoError(t, err)
	assert.Equal(t, 100, st.Progress())
	assert.Empty(t, st.ErrorMessage)
}

func testCompleteFailure(t *testing.T, store syncstate.Store, _ *syncstatetest.Clock) {
	ctx := context.Background()
	startTask(t, store, "u1", "sync_u1_1")
	_, err := store.Heartbeat(ctx, "sync_u1_1", 70)
	require.NoError(t, err)

	ok, err := store.Complete(ctx, "sync_u1_1", syncstate.Failed("gmail: 503"))
	require.NoError(t, err)
	assert.True(t, ok)

	st, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, st.IsRunning())
	assert.Equal(t, 0, st.Progress())
	assert.Equal(t, "gmail: 503", st.ErrorMessage)
	assert.Nil(t, st.Stats)
}

func testRestartClearsPreviousRun(t *testing.T, store syncstate.Store, clock *syncstatetest.Clock) {
	ctx := context.Background()
	startTask(t, store, "u1", "sync_u1_1")
	_, err := store.Complete(ctx, "sync_u1_1", syncstate.Failed("boom"))
	require.NoError(t, err)

	clock.Advance(time.Minute)
	startTask(t, store, "u1", "sync_u1_2")

	st, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, st.IsRunning())
	assert.Equal(t, "sync_u1_2", st.TaskID)
	assert.Empty(t, st.ErrorMessage)
	assert.Nil(t, st.Stats)

	// The old task is no longer addressable.
	_, err = store.GetByTaskID(ctx, "sync_u1_1")
	assert.ErrorIs(t, err, syncstate.ErrNotFound)
}

func testReapStaleRow(t *testing.T, store syncstate.Store, clock *syncstatetest.Clock) {
	ctx := context.Background()
	startTask(t, store, "u1", "sync_u1_1")
	_, err := store.Heartbeat(ctx, "sync_u1_1", 30)
	require.NoError(t, err)

	clock.Advance(70 * time.Second)

	stale, err := store.ListStale(ctx, 60*time.Second)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "sync_u1_1", stale[0].TaskID)

	ok, err := store.Reap(ctx, "u1", "sync_u1_1", 60*time.Second, syncstate.HeartbeatTimeoutMessage)
	require.NoError(t, err)
	assert.True(t, ok)

	st, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, st.IsRunning())
	assert.Equal(t, 0, st.Progress())
	assert.Equal(t, syncstate.HeartbeatTimeoutMessage, st.ErrorMessage)
	assert.Empty(t, st.TaskID)
	assert.Equal(t, "sync_u1_1", st.LastTaskID)

	byTask, err := store.GetByTaskID(ctx, "sync_u1_1")
	require.NoError(t, err)
	assert.Equal(t, syncstate.HeartbeatTimeoutMessage, byTask.ErrorMessage)

	// The abandoned worker's writes land nowhere.
	ok, err = store.Heartbeat(ctx, "sync_u1_1", 90)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = store.Complete(ctx, "sync_u1_1", syncstate.Succeeded(syncstate.Stats{}))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.Reap(ctx, "u1", "sync_u1_1", 60*time.Second, syncstate.HeartbeatTimeoutMessage)
	require.NoError(t, err)
	assert.False(t, ok)

	stale, err = store.ListStale(ctx, 60*time.Second)
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func testReapRechecksStaleness(t *testing.T, store syncstate.Store, clock *syncstatetest.Clock) {
	ctx := context.Background()
	startTask(t, store, "u1", "sync_u1_1")

	clock.Advance(70 * time.Second)
	stale, err := store.ListStale(ctx, 60*time.Second)
	require.NoError(t, err)
	require.Len(t, stale, 1)

	// A heartbeat lands between the scan and the reset.
	_, err = store.Heartbeat(ctx, "sync_u1_1", 5)
	require.NoError(t, err)

	ok, err := store.Reap(ctx, "u1", "sync_u1_1", 60*time.Second, syncstate.HeartbeatTimeoutMessage)
	require.NoError(t, err)
	assert.False(t, ok)

	st, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, st.IsRunning())
	assert.Empty(t, st.ErrorMessage)
}

func testDuplicateTaskIDConflicts(t *testing.T, store syncstate.Store, _ *syncstatetest.Clock) {
	ctx := context.Background()
	startTask(t, store, "u1", "sync_shared")

	acq, err := store.TryAcquire(ctx, "u2")
	require.NoError(t, err)
	_, err = acq.CommitStart(ctx, "sync_shared")
	assert.ErrorIs(t, err, syncstate.ErrStateConflict)
	require.NoError(t, acq.Release())

	_, err = store.Get(ctx, "u2")
	assert.ErrorIs(t, err, syncstate.ErrNotFound)
}

func testSummaryAndListRunning(t *testing.T, store syncstate.Store, clock *syncstatetest.Clock) {
	ctx := context.Background()

	startTask(t, store, "a", "sync_a_1")
	startTask(t, store, "b", "sync_b_1")
	startTask(t, store, "c", "sync_c_1")
	_, err := store.Complete(ctx, "sync_c_1", syncstate.Succeeded(syncstate.Stats{}))
	require.NoError(t, err)

	clock.Advance(70 * time.Second)
	_, err = store.Heartbeat(ctx, "sync_b_1", 20)
	require.NoError(t, err)

	sum, err := store.Summary(ctx, 60*time.Second)
	require.NoError(t, err)
	assert.Equal(t, syncstate.Summary{Total: 3, Running: 2, Stale: 1}, sum)

	running, err := store.ListRunning(ctx)
	require.NoError(t, err)
	require.Len(t, running, 2)
	users := []string{running[0].UserID, running[1].UserID}
	assert.ElementsMatch(t, []string{"a", "b"}, users)

	require.NoError(t, store.Ping(ctx))
}

func testConcurrentAcquireSingleStart(t *testing.T, store syncstate.Store, _ *syncstatetest.Clock) {
	const workers = 8
	var (
		wg      sync.WaitGroup
		commits atomic.Int32
		errs    = make(chan error, workers)
	)

	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx := context.Background()

			acq, err := store.TryAcquire(ctx, "u1")
			if err != nil {
				errs <- err
				return
			}
			defer func() { _ = acq.Release() }()

			if acq.Current().IsRunning() {
				return
			}
			if _, err := acq.CommitStart(ctx, fmt.Sprintf("sync_u1_%d", i)); err != nil {
				errs <- err
				return
			}
			commits.Add(1)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		// A racing start may lose with a conflict; that is the retryable case.
		assert.ErrorIs(t, err, syncstate.ErrStateConflict)
	}
	assert.Equal(t, int32(1), commits.Load())

	running, err := store.ListRunning(context.Background())
	require.NoError(t, err)
	assert.Len(t, running, 1)
}

// testRandomInterleavings drives random operations across a few users and
// checks after every step that each row still satisfies the state invariant
// and that no task id is ever running for two users.
func testRandomInterleavings(t *testing.T, store syncstate.Store, clock *syncstatetest.Clock) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))
	users := []string{"u1", "u2", "u3"}
	seen := map[string]bool{}
	next := 0

	for step := 0; step < 300; step++ {
		user := users[rng.Intn(len(users))]
		st, err := store.Get(ctx, user)
		if err != nil && !errors.Is(err, syncstate.ErrNotFound) {
			require.NoError(t, err)
		}

		switch op := rng.Intn(5); {
		case op == 0:
			acq, err := store.TryAcquire(ctx, user)
			require.NoError(t, err)
			if !acq.Current().IsRunning() {
				next++
				id := fmt.Sprintf("sync_%s_%d", user, next)
				require.False(t, seen[id])
				seen[id] = true
				_, err = acq.CommitStart(ctx, id)
				require.NoError(t, err)
			}
			require.NoError(t, acq.Release())
		case op == 1 && st != nil && st.TaskID != "":
			_, err := store.Heartbeat(ctx, st.TaskID, st.Progress()+rng.Intn(40))
			require.NoError(t, err)
		case op == 2 && st != nil && st.TaskID != "":
			outcome := syncstate.Succeeded(syncstate.Stats{Fetched: rng.Intn(10)})
			if rng.Intn(2) == 0 {
				outcome = syncstate.Failed("random failure")
			}
			_, err := store.Complete(ctx, st.TaskID, outcome)
			require.NoError(t, err)
		case op == 3:
			clock.Advance(time.Duration(rng.Intn(40)) * time.Second)
		case op == 4:
			stale, err := store.ListStale(ctx, 60*time.Second)
			require.NoError(t, err)
			for _, s := range stale {
				_, err := store.Reap(ctx, s.UserID, s.TaskID, 60*time.Second, syncstate.HeartbeatTimeoutMessage)
				require.NoError(t, err)
			}
		}

		running := map[string]string{}
		for _, u := range users {
			st, err := store.Get(ctx, u)
			if errors.Is(err, syncstate.ErrNotFound) {
				continue
			}
			require.NoError(t, err, "step %d: row for %s must decode to a valid state", step, u)
			require.True(t, st.State.Phase().Allows(st.Progress()))
			if st.IsRunning() {
				require.NotEmpty(t, st.TaskID)
				if other, dup := running[st.TaskID]; dup {
					t.Fatalf("step %d: task %s running for %s and %s", step, st.TaskID, other, u)
				}
				running[st.TaskID] = u
			}
		}
	}
}
