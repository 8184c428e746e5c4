package mailsync

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/teemow/inboxsync/internal/gmail"
)

// UpsertResult classifies a message written to the index.
type UpsertResult int

const (
	Unchanged UpsertResult = iota
	Inserted
	Updated
)

// Cursor is a user's sync position.
type Cursor struct {
	// Until is the lower bound of the next incremental listing: the instant
	// the last complete run started.
	Until time.Time
	// Backlog is set while a listing that was cut off at MaxMessages is
	// worked down.
	Backlog *Backlog
}

// Backlog is the part of a capped listing that has not been fetched yet:
// messages after After and before Before. Once a run lists the range in
// full, Until moves to Resume.
type Backlog struct {
	After  time.Time
	Before time.Time
	Resume time.Time
}

// Index stores synced message metadata and per-user cursors. Only one job
// runs per user, so cursor writes are not merged.
type Index interface {
	// Cursor returns the user's position. ok is false before the first
	// successful run.
	Cursor(ctx context.Context, userID string) (cur Cursor, ok bool, err error)
	SetCursor(ctx context.Context, userID string, cur Cursor) error
	Upsert(ctx context.Context, userID string, msg *gmail.Message) (UpsertResult, error)
	// Count returns the number of indexed messages of userID.
	Count(ctx context.Context, userID string) (int, error)
}

// joinLabels returns a canonical form of labels for change detection.
func joinLabels(labels []string) string {
	sorted := slices.Clone(labels)
	slices.Sort(sorted)
	return strings.Join(sorted, ",")
}
