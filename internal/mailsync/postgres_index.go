package mailsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/teemow/inboxsync/internal/gmail"
)

var postgresIndexSchema = []string{
	`CREATE TABLE IF NOT EXISTS synced_messages (
		user_id TEXT NOT NULL,
		message_id TEXT NOT NULL,
		thread_id TEXT NOT NULL,
		history_id BIGINT NOT NULL,
		internal_date TIMESTAMPTZ NOT NULL,
		from_addr TEXT NOT NULL DEFAULT '',
		subject TEXT NOT NULL DEFAULT '',
		labels TEXT[] NOT NULL DEFAULT '{}',
		size_estimate BIGINT NOT NULL DEFAULT 0,
		synced_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (user_id, message_id)
	)`,
	`CREATE INDEX IF NOT EXISTS synced_messages_internal_date_idx ON synced_messages (user_id, internal_date)`,
	`CREATE TABLE IF NOT EXISTS sync_cursors (
		user_id TEXT PRIMARY KEY,
		synced_until TIMESTAMPTZ NOT NULL,
		backlog_after TIMESTAMPTZ,
		backlog_before TIMESTAMPTZ,
		backlog_resume TIMESTAMPTZ
	)`,
}

// PostgresIndex is an Index in the same PostgreSQL database as the sync rows.
type PostgresIndex struct {
	pool *pgxpool.Pool
}

// NewPostgresIndex creates the index tables if needed.
func NewPostgresIndex(ctx context.Context, pool *pgxpool.Pool) (*PostgresIndex, error) {
	for _, stmt := range postgresIndexSchema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return nil, fmt.Errorf("migrate message index: %w", err)
		}
	}
	return &PostgresIndex{pool: pool}, nil
}

func (x *PostgresIndex) Cursor(ctx context.Context, userID string) (Cursor, bool, error) {
	var (
		until                 time.Time
		after, before, resume *time.Time
	)
	err := x.pool.QueryRow(ctx, `SELECT synced_until, backlog_after, backlog_before, backlog_resume
		FROM sync_cursors WHERE user_id = $1`, userID).Scan(&until, &after, &before, &resume)
	if errors.Is(err, pgx.ErrNoRows) {
		return Cursor{}, false, nil
	}
	if err != nil {
		return Cursor{}, false, fmt.Errorf("read sync cursor: %w", err)
	}

	cur := Cursor{Until: until.UTC()}
	if after != nil && before != nil && resume != nil {
		cur.Backlog = &Backlog{After: after.UTC(), Before: before.UTC(), Resume: resume.UTC()}
	}
	return cur, true, nil
}

func (x *PostgresIndex) SetCursor(ctx context.Context, userID string, cur Cursor) error {
	var after, before, resume *time.Time
	if b := cur.Backlog; b != nil {
		after, before, resume = &b.After, &b.Before, &b.Resume
	}
	_, err := x.pool.Exec(ctx, `INSERT INTO sync_cursors
		(user_id, synced_until, backlog_after, backlog_before, backlog_resume) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE SET synced_until = EXCLUDED.synced_until,
			backlog_after = EXCLUDED.backlog_after, backlog_before = EXCLUDED.backlog_before,
			backlog_resume = EXCLUDED.backlog_resume`,
		userID, cur.Until.UTC(), after, before, resume)
	if err != nil {
		return fmt.Errorf("write sync cursor: %w", err)
	}
	return nil
}

// Upsert writes msg in one statement. The update only fires when the history
// ID or the labels changed; xmax is zero for freshly inserted rows.
func (x *PostgresIndex) Upsert(ctx context.Context, userID string, msg *gmail.Message) (UpsertResult, error) {
	labels := msg.Labels
	if labels == nil {
		labels = []string{}
	}

	var inserted bool
	err := x.pool.QueryRow(ctx, `INSERT INTO synced_messages
		(user_id, message_id, thread_id, history_id, internal_date, from_addr, subject, labels, size_estimate, synced_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, (SELECT COALESCE(array_agg(l ORDER BY l), '{}') FROM unnest($8::text[]) AS l), $9, now())
		ON CONFLICT (user_id, message_id) DO UPDATE SET
			thread_id = EXCLUDED.thread_id, history_id = EXCLUDED.history_id,
			internal_date = EXCLUDED.internal_date, from_addr = EXCLUDED.from_addr,
			subject = EXCLUDED.subject, labels = EXCLUDED.labels,
			size_estimate = EXCLUDED.size_estimate, synced_at = now()
		WHERE synced_messages.history_id <> EXCLUDED.history_id
			OR synced_messages.labels <> EXCLUDED.labels
		RETURNING xmax = 0`,
		userID, msg.ID, msg.ThreadID, int64(msg.HistoryID), msg.InternalDate.UTC(),
		msg.From, msg.Subject, labels, msg.SizeEstimate).Scan(&inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		return Unchanged, nil
	}
	if err != nil {
		return Unchanged, fmt.Errorf("write message %s: %w", msg.ID, err)
	}
	if inserted {
		return Inserted, nil
	}
	return Updated, nil
}

func (x *PostgresIndex) Count(ctx context.Context, userID string) (int, error) {
	var n int
	if err := x.pool.QueryRow(ctx, `SELECT COUNT(*) FROM synced_messages WHERE user_id = $1`, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}
