package mailsync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/teemow/inboxsync/internal/gmail"
)

var sqliteIndexSchema = []string{
	`CREATE TABLE IF NOT EXISTS synced_messages (
		user_id TEXT NOT NULL,
		message_id TEXT NOT NULL,
		thread_id TEXT NOT NULL,
		history_id INTEGER NOT NULL,
		internal_date INTEGER NOT NULL,
		from_addr TEXT NOT NULL DEFAULT '',
		subject TEXT NOT NULL DEFAULT '',
		labels TEXT NOT NULL DEFAULT '',
		size_estimate INTEGER NOT NULL DEFAULT 0,
		synced_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, message_id)
	)`,
	`CREATE INDEX IF NOT EXISTS synced_messages_internal_date_idx ON synced_messages (user_id, internal_date)`,
	`CREATE TABLE IF NOT EXISTS sync_cursors (
		user_id TEXT PRIMARY KEY,
		synced_until INTEGER NOT NULL,
		backlog_after INTEGER,
		backlog_before INTEGER,
		backlog_resume INTEGER
	)`,
}

// SQLiteIndex is an Index in the same SQLite database as the sync rows.
type SQLiteIndex struct {
	db *sql.DB
}

// NewSQLiteIndex creates the index tables in db if needed.
func NewSQLiteIndex(ctx context.Context, db *sql.DB) (*SQLiteIndex, error) {
	for _, stmt := range sqliteIndexSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("migrate message index: %w", err)
		}
	}
	return &SQLiteIndex{db: db}, nil
}

func (x *SQLiteIndex) Cursor(ctx context.Context, userID string) (Cursor, bool, error) {
	var (
		until                 int64
		after, before, resume sql.NullInt64
	)
	err := x.db.QueryRowContext(ctx, `SELECT synced_until, backlog_after, backlog_before, backlog_resume
		FROM sync_cursors WHERE user_id = ?`, userID).Scan(&until, &after, &before, &resume)
	if errors.Is(err, sql.ErrNoRows) {
		return Cursor{}, false, nil
	}
	if err != nil {
		return Cursor{}, false, fmt.Errorf("read sync cursor: %w", err)
	}

	cur := Cursor{Until: fromNanos(until)}
	if after.Valid && before.Valid && resume.Valid {
		cur.Backlog = &Backlog{
			After:  fromNanos(after.Int64),
			Before: fromNanos(before.Int64),
			Resume: fromNanos(resume.Int64),
		}
	}
	return cur, true, nil
}

func (x *SQLiteIndex) SetCursor(ctx context.Context, userID string, cur Cursor) error {
	var after, before, resume sql.NullInt64
	if b := cur.Backlog; b != nil {
		after = sql.NullInt64{Int64: b.After.UnixNano(), Valid: true}
		before = sql.NullInt64{Int64: b.Before.UnixNano(), Valid: true}
		resume = sql.NullInt64{Int64: b.Resume.UnixNano(), Valid: true}
	}
	_, err := x.db.ExecContext(ctx, `INSERT INTO sync_cursors
		(user_id, synced_until, backlog_after, backlog_before, backlog_resume) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET synced_until = excluded.synced_until,
			backlog_after = excluded.backlog_after, backlog_before = excluded.backlog_before,
			backlog_resume = excluded.backlog_resume`,
		userID, cur.Until.UnixNano(), after, before, resume)
	if err != nil {
		return fmt.Errorf("write sync cursor: %w", err)
	}
	return nil
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func (x *SQLiteIndex) Upsert(ctx context.Context, userID string, msg *gmail.Message) (UpsertResult, error) {
	labels := joinLabels(msg.Labels)

	var (
		historyID int64
		oldLabels string
	)
	err := x.db.QueryRowContext(ctx, `SELECT history_id, labels FROM synced_messages WHERE user_id = ? AND message_id = ?`,
		userID, msg.ID).Scan(&historyID, &oldLabels)
	result := Updated
	switch {
	case errors.Is(err, sql.ErrNoRows):
		result = Inserted
	case err != nil:
		return Unchanged, fmt.Errorf("read message %s: %w", msg.ID, err)
	case uint64(historyID) == msg.HistoryID && oldLabels == labels:
		return Unchanged, nil
	}

	_, err = x.db.ExecContext(ctx, `INSERT INTO synced_messages
		(user_id, message_id, thread_id, history_id, internal_date, from_addr, subject, labels, size_estimate, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, message_id) DO UPDATE SET
			thread_id = excluded.thread_id, history_id = excluded.history_id,
			internal_date = excluded.internal_date, from_addr = excluded.from_addr,
			subject = excluded.subject, labels = excluded.labels,
			size_estimate = excluded.size_estimate, synced_at = excluded.synced_at`,
		userID, msg.ID, msg.ThreadID, int64(msg.HistoryID), msg.InternalDate.UnixMilli(),
		msg.From, msg.Subject, labels, msg.SizeEstimate, time.Now().UnixNano())
	if err != nil {
		return Unchanged, fmt.Errorf("write message %s: %w", msg.ID, err)
	}
	return result, nil
}

func (x *SQLiteIndex) Count(ctx context.Context, userID string) (int, error) {
	var n int
	if err := x.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM synced_messages WHERE user_id = ?`, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}
