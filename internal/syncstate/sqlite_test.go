package syncstate_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teemow/inboxsync/internal/syncstate"
	"github.com/teemow/inboxsync/internal/syncstate/syncstatetest"
)

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T, clock *syncstatetest.Clock) syncstate.Store {
		return syncstatetest.NewSQLiteStore(t, clock)
	})
}

func TestSQLiteDSN(t *testing.T) {
	dsn := syncstate.SQLiteDSN("/tmp/sync.db")
	assert.Contains(t, dsn, "file:/tmp/sync.db?")
	assert.Contains(t, dsn, "_txlock=immediate")
	assert.Contains(t, dsn, "journal_mode(WAL)")
}

func TestSQLiteSchemaConstraints(t *testing.T) {
	clock := syncstatetest.NewClock()
	store := syncstatetest.NewSQLiteStore(t, clock)
	ctx := context.Background()
	db := store.DB()

	acq, err := store.TryAcquire(ctx, "u1")
	require.NoError(t, err)
	_, err = acq.CommitStart(ctx, "sync_u1_1")
	require.NoError(t, err)

	tests := []struct {
		name string
		stmt string
	}{
		{"running at 100", `UPDATE sync_status SET progress_percentage = 100 WHERE user_id = 'u1'`},
		{"idle mid progress", `UPDATE sync_status SET is_running = 0, progress_percentage = 50 WHERE user_id = 'u1'`},
		{"running without task", `UPDATE sync_status SET task_id = NULL WHERE user_id = 'u1'`},
		{"delete", `DELETE FROM sync_status WHERE user_id = 'u1'`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := db.ExecContext(ctx, tt.stmt)
			assert.Error(t, err)
		})
	}

	st, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, st.IsRunning())
	assert.Equal(t, 0, st.Progress())
}

func TestSQLiteReopenKeepsState(t *testing.T) {
	clock := syncstatetest.NewClock()
	path := filepath.Join(t.TempDir(), "nested", "sync.db")
	ctx := context.Background()

	store, err := syncstate.OpenSQLite(ctx, path, syncstate.WithClock(clock.Now))
	require.NoError(t, err)
	acq, err := store.TryAcquire(ctx, "u1")
	require.NoError(t, err)
	_, err = acq.CommitStart(ctx, "sync_u1_1")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = syncstate.OpenSQLite(ctx, path, syncstate.WithClock(clock.Now))
	require.NoError(t, err)
	defer store.Close()

	st, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, st.IsRunning())
	assert.Equal(t, "sync_u1_1", st.TaskID)
}

func TestOpenSQLiteRequiresPath(t *testing.T) {
	_, err := syncstate.OpenSQLite(context.Background(), "")
	assert.Error(t, err)
}
