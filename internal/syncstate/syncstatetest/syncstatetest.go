// Package syncstatetest provides helpers for tests that need a sync state
// store and a controllable clock.
package syncstatetest

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/teemow/inboxsync/internal/syncstate"
)

// Epoch is the default starting instant for a Clock.
var Epoch = time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC)

// Clock is a manually advanced time source safe for concurrent use.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock set to Epoch.
func NewClock() *Clock {
	return &Clock{now: Epoch}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Set moves the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// NewSQLiteStore opens a store in a temporary directory that is closed when
// the test ends.
func NewSQLiteStore(t testing.TB, clock *Clock) *syncstate.SQLiteStore {
	t.Helper()

	path := filepath.Join(t.TempDir(), "sync.db")
	store, err := syncstate.OpenSQLite(context.Background(), path, syncstate.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// PostgresURL returns TEST_DATABASE_URL or skips the test.
func PostgresURL(t testing.TB) string {
	t.Helper()

	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	return url
}

// NewPostgresStore connects to TEST_DATABASE_URL and truncates sync_status.
// The test is skipped when the variable is not set.
func NewPostgresStore(t testing.TB, clock *Clock) *syncstate.PostgresStore {
	t.Helper()

	ctx := context.Background()
	store, err := syncstate.OpenPostgres(ctx, PostgresURL(t), syncstate.WithClock(clock.Now))
	require.NoError(t, err)
	// TRUNCATE does not fire row-level delete triggers.
	_, err = store.Pool().Exec(ctx, `TRUNCATE sync_status`)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}
