package mailsync

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teemow/inboxsync/internal/gmail"
	"github.com/teemow/inboxsync/internal/logging"
	"github.com/teemow/inboxsync/internal/syncjob"
	"github.com/teemow/inboxsync/internal/syncstate"
	"github.com/teemow/inboxsync/internal/syncstate/syncstatetest"
)

type fakeMailbox struct {
	mu       sync.Mutex
	messages []*gmail.Message
	broken   map[string]bool
	listErr  error
	queries  []string
	maxSeen  int
	// byDate applies the after:/before: bounds of the query.
	byDate bool
}

func (f *fakeMailbox) ListMessageIDs(_ context.Context, query string, maxResults int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	f.maxSeen = maxResults
	if f.listErr != nil {
		return nil, f.listErr
	}
	after, before := queryBounds(query)
	var ids []string
	for _, m := range f.messages {
		if len(ids) == maxResults {
			break
		}
		if f.byDate && (m.InternalDate.Before(after) || (!before.IsZero() && !m.InternalDate.Before(before))) {
			continue
		}
		ids = append(ids, m.ID)
	}
	return ids, nil
}

func queryBounds(query string) (after, before time.Time) {
	for _, term := range strings.Fields(query) {
		key, value, _ := strings.Cut(term, ":")
		sec, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			continue
		}
		switch key {
		case "after":
			after = time.Unix(sec, 0)
		case "before":
			before = time.Unix(sec, 0)
		}
	}
	return after, before
}

func (f *fakeMailbox) GetMessageMeta(_ context.Context, id string) (*gmail.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.broken[id] {
		return nil, errors.New("backend error")
	}
	for _, m := range f.messages {
		if m.ID == id {
			cp := *m
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("message %s not found", id)
}

func (f *fakeMailbox) lastQuery() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries[len(f.queries)-1]
}

type fakeSources struct {
	box *fakeMailbox
	err error
}

func (f fakeSources) ForUser(context.Context, string) (Source, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.box, nil
}

func mailbox(n int) *fakeMailbox {
	box := &fakeMailbox{broken: map[string]bool{}}
	for i := range n {
		box.messages = append(box.messages, &gmail.Message{
			ID:           fmt.Sprintf("m%d", i),
			ThreadID:     fmt.Sprintf("t%d", i),
			HistoryID:    uint64(100 + i),
			InternalDate: syncstatetest.Epoch.Add(-time.Duration(i) * time.Hour),
			From:         "ada@example.com",
			Subject:      fmt.Sprintf("message %d", i),
			Labels:       []string{"INBOX"},
		})
	}
	return box
}

type syncFixture struct {
	syncer *Syncer
	index  *SQLiteIndex
	clock  *syncstatetest.Clock
}

func newSyncFixture(t *testing.T, sources SourceFactory, cfg Config) *syncFixture {
	t.Helper()

	clock := syncstatetest.NewClock()
	store := syncstatetest.NewSQLiteStore(t, clock)
	index, err := NewSQLiteIndex(context.Background(), store.DB())
	require.NoError(t, err)

	s, err := NewSyncer(sources, index, cfg, WithClock(clock.Now), WithLogger(logging.Discard()))
	require.NoError(t, err)
	return &syncFixture{syncer: s, index: index, clock: clock}
}

func run(t *testing.T, s *Syncer, forceFull bool) (syncstate.Stats, []int, error) {
	t.Helper()

	var reported []int
	stats, err := s.RunJob(context.Background(), syncjob.JobRequest{
		UserID:    "ada@example.com",
		TaskID:    "sync_ada@example.com_1",
		ForceFull: forceFull,
		Progress:  func(p int) { reported = append(reported, p) },
	})
	return stats, reported, err
}

func TestRunJobFirstSyncIsFull(t *testing.T) {
	box := mailbox(4)
	f := newSyncFixture(t, fakeSources{box: box}, DefaultConfig())

	stats, reported, err := run(t, f.syncer, false)
	require.NoError(t, err)
	assert.Equal(t, syncstate.Stats{Fetched: 4, New: 4}, stats)

	windowStart := syncstatetest.Epoch.Add(-30 * 24 * time.Hour)
	assert.Equal(t, fmt.Sprintf("after:%d", windowStart.Unix()), box.lastQuery())
	assert.Equal(t, 2000, box.maxSeen)

	assert.Equal(t, []int{5, 28, 52, 76, 100}, reported)

	cursor, ok, err := f.index.Cursor(context.Background(), "ada@example.com")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, syncstatetest.Epoch, cursor.Until)
	assert.Nil(t, cursor.Backlog)

	n, err := f.index.Count(context.Background(), "ada@example.com")
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestRunJobIncremental(t *testing.T) {
	box := mailbox(3)
	f := newSyncFixture(t, fakeSources{box: box}, DefaultConfig())

	_, _, err := run(t, f.syncer, false)
	require.NoError(t, err)

	// One message changed labels, one got a new history ID.
	box.messages[0].Labels = []string{"INBOX", "STARRED"}
	box.messages[1].HistoryID = 500
	f.clock.Advance(time.Hour)

	stats, _, err := run(t, f.syncer, false)
	require.NoError(t, err)
	assert.Equal(t, syncstate.Stats{Fetched: 3, Updated: 2}, stats)
	assert.Equal(t, fmt.Sprintf("after:%d", syncstatetest.Epoch.Unix()), box.lastQuery())

	cursor, _, err := f.index.Cursor(context.Background(), "ada@example.com")
	require.NoError(t, err)
	assert.Equal(t, syncstatetest.Epoch.Add(time.Hour), cursor.Until)
}

func TestRunJobForceFullIgnoresCursor(t *testing.T) {
	box := mailbox(2)
	f := newSyncFixture(t, fakeSources{box: box}, DefaultConfig())

	_, _, err := run(t, f.syncer, false)
	require.NoError(t, err)
	f.clock.Advance(time.Hour)

	stats, _, err := run(t, f.syncer, true)
	require.NoError(t, err)
	assert.Equal(t, syncstate.Stats{Fetched: 2}, stats)

	windowStart := syncstatetest.Epoch.Add(time.Hour - 30*24*time.Hour)
	assert.Equal(t, fmt.Sprintf("after:%d", windowStart.Unix()), box.lastQuery())
}

func TestRunJobCountsFetchErrors(t *testing.T) {
	box := mailbox(5)
	box.broken["m1"] = true
	box.broken["m3"] = true
	f := newSyncFixture(t, fakeSources{box: box}, DefaultConfig())

	stats, _, err := run(t, f.syncer, false)
	require.NoError(t, err)
	assert.Equal(t, syncstate.Stats{Fetched: 3, New: 3, Errors: 2}, stats)
}

func TestRunJobCapsMessages(t *testing.T) {
	box := mailbox(10)
	cfg := DefaultConfig()
	cfg.MaxMessages = 4
	f := newSyncFixture(t, fakeSources{box: box}, cfg)

	stats, _, err := run(t, f.syncer, false)
	require.NoError(t, err)
	assert.Equal(t, 4, box.maxSeen)
	assert.Equal(t, 4, stats.New)

	// m3 is the oldest fetched message; the rest stays pending.
	windowStart := syncstatetest.Epoch.Add(-30 * 24 * time.Hour)
	cursor, ok, err := f.index.Cursor(context.Background(), "ada@example.com")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, cursor.Backlog)
	assert.Equal(t, windowStart, cursor.Backlog.After)
	assert.Equal(t, syncstatetest.Epoch.Add(-3*time.Hour+time.Second), cursor.Backlog.Before)
	assert.Equal(t, syncstatetest.Epoch, cursor.Backlog.Resume)
}

func TestRunJobDrainsBacklogAcrossRuns(t *testing.T) {
	box := mailbox(10)
	box.byDate = true
	cfg := DefaultConfig()
	cfg.MaxMessages = 4
	f := newSyncFixture(t, fakeSources{box: box}, cfg)
	ctx := context.Background()

	windowStart := syncstatetest.Epoch.Add(-30 * 24 * time.Hour)
	tests := []struct {
		query string
		stats syncstate.Stats
	}{
		{query: fmt.Sprintf("after:%d", windowStart.Unix()), stats: syncstate.Stats{Fetched: 4, New: 4}},
		// m3 is listed again because its second stays in range.
		{
			query: fmt.Sprintf("after:%d before:%d", windowStart.Unix(), syncstatetest.Epoch.Add(-3*time.Hour+time.Second).Unix()),
			stats: syncstate.Stats{Fetched: 4, New: 3},
		},
		{
			query: fmt.Sprintf("after:%d before:%d", windowStart.Unix(), syncstatetest.Epoch.Add(-6*time.Hour+time.Second).Unix()),
			stats: syncstate.Stats{Fetched: 4, New: 3},
		},
		{
			query: fmt.Sprintf("after:%d before:%d", windowStart.Unix(), syncstatetest.Epoch.Add(-9*time.Hour+time.Second).Unix()),
			stats: syncstate.Stats{Fetched: 1},
		},
	}
	for i, tt := range tests {
		stats, _, err := run(t, f.syncer, false)
		require.NoError(t, err, "run %d", i+1)
		assert.Equal(t, tt.query, box.lastQuery(), "run %d", i+1)
		assert.Equal(t, tt.stats, stats, "run %d", i+1)
	}

	n, err := f.index.Count(ctx, "ada@example.com")
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	cursor, _, err := f.index.Cursor(ctx, "ada@example.com")
	require.NoError(t, err)
	assert.Nil(t, cursor.Backlog)
	assert.Equal(t, syncstatetest.Epoch, cursor.Until, "cursor resumes at the start of the capped run")

	// Mail that arrived meanwhile is picked up incrementally.
	f.clock.Advance(time.Hour)
	box.messages = append([]*gmail.Message{{
		ID:           "m-new",
		ThreadID:     "t-new",
		HistoryID:    900,
		InternalDate: syncstatetest.Epoch.Add(30 * time.Minute),
	}}, box.messages...)
	stats, _, err := run(t, f.syncer, false)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("after:%d", syncstatetest.Epoch.Unix()), box.lastQuery())
	assert.Equal(t, 1, stats.New)
}

func TestRunJobCappedWithoutFetchKeepsCursor(t *testing.T) {
	box := mailbox(2)
	box.broken["m0"] = true
	box.broken["m1"] = true
	cfg := DefaultConfig()
	cfg.MaxMessages = 2
	f := newSyncFixture(t, fakeSources{box: box}, cfg)

	stats, _, err := run(t, f.syncer, false)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Errors)

	_, ok, err := f.index.Cursor(context.Background(), "ada@example.com")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRunJobFailuresKeepCursor(t *testing.T) {
	tests := []struct {
		name    string
		sources fakeSources
	}{
		{name: "no credentials", sources: fakeSources{err: errors.New("no token")}},
		{name: "list fails", sources: fakeSources{box: &fakeMailbox{listErr: errors.New("quota exceeded")}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newSyncFixture(t, tt.sources, DefaultConfig())

			_, _, err := run(t, f.syncer, false)
			assert.Error(t, err)

			_, ok, err := f.index.Cursor(context.Background(), "ada@example.com")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestRunJobStopsOnCancel(t *testing.T) {
	box := mailbox(3)
	f := newSyncFixture(t, fakeSources{box: box}, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.syncer.RunJob(ctx, syncjob.JobRequest{UserID: "ada@example.com", TaskID: "t"})
	assert.ErrorIs(t, err, context.Canceled)

	_, ok, err := f.index.Cursor(context.Background(), "ada@example.com")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.Error(t, Config{FullSyncWindow: 0, MaxMessages: 1}.Validate())
	assert.Error(t, Config{FullSyncWindow: time.Hour, MaxMessages: 0}.Validate())

	_, err := NewSyncer(nil, nil, DefaultConfig())
	assert.Error(t, err)
}
