package syncstate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// sqliteTimeLayout is fixed-width UTC so timestamps compare correctly as text.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

const sqliteColumns = `user_id, is_running, progress_percentage, task_id, last_task_id,
	last_heartbeat_at, started_at, error_message, stats, created_at, updated_at`

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS sync_status (
		user_id TEXT PRIMARY KEY,
		is_running INTEGER NOT NULL DEFAULT 0 CHECK (is_running IN (0, 1)),
		progress_percentage INTEGER NOT NULL DEFAULT 0,
		task_id TEXT,
		last_task_id TEXT,
		last_heartbeat_at TEXT NOT NULL,
		started_at TEXT,
		error_message TEXT,
		stats TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		CONSTRAINT sync_status_progress_by_state CHECK (
			(is_running = 1 AND progress_percentage BETWEEN 0 AND 99) OR
			(is_running = 0 AND progress_percentage IN (0, 100))
		),
		CONSTRAINT sync_status_running_has_task CHECK (is_running = 0 OR task_id IS NOT NULL)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS sync_status_task_id_key ON sync_status (task_id) WHERE task_id IS NOT NULL`,
	`CREATE UNIQUE INDEX IF NOT EXISTS sync_status_running_user_key ON sync_status (user_id) WHERE is_running = 1`,
	`CREATE INDEX IF NOT EXISTS sync_status_heartbeat_idx ON sync_status (is_running, last_heartbeat_at)`,
	`CREATE INDEX IF NOT EXISTS sync_status_updated_at_idx ON sync_status (updated_at)`,
	`CREATE INDEX IF NOT EXISTS sync_status_last_task_id_idx ON sync_status (last_task_id)`,
	`CREATE TRIGGER IF NOT EXISTS sync_status_no_delete BEFORE DELETE ON sync_status
	BEGIN
		SELECT RAISE(ABORT, 'sync_status rows are never deleted');
	END`,
}

// SQLiteStore is a Store backed by modernc.org/sqlite.
//
// The connection pool is limited to one connection and every transaction
// begins IMMEDIATE, so TryAcquire holds the write lock until the start is
// committed or released. That serializes starts the way a row lock does.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// SQLiteDSN returns the DSN used for path: WAL journal, a busy timeout and
// immediate transactions.
func SQLiteDSN(path string) string {
	return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"
}

// OpenSQLite opens (creating if needed) the database at path and applies the
// schema.
func OpenSQLite(ctx context.Context, path string, opts ...Option) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", SQLiteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := NewSQLiteStore(db, opts...)
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLiteStore wraps an already opened database. Migrate must have been
// applied.
func NewSQLiteStore(db *sql.DB, opts ...Option) *SQLiteStore {
	o := buildOptions(opts)
	return &SQLiteStore{db: db, now: o.now}
}

// Migrate creates the table, indexes and triggers if they do not exist.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	for _, stmt := range sqliteSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate sync_status: %w", err)
		}
	}
	return nil
}

// DB exposes the underlying handle so other tables can share the file.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) Get(ctx context.Context, userID string) (*Status, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM sync_status WHERE user_id = ?`, userID)
	st, err := scanSQLiteStatus(row)
	if err != nil {
		return nil, sqliteErr("get status", err)
	}
	return st, nil
}

func (s *SQLiteStore) GetByTaskID(ctx context.Context, taskID string) (*Status, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM sync_status WHERE last_task_id = ?`, taskID)
	st, err := scanSQLiteStatus(row)
	if err != nil {
		return nil, sqliteErr("get status by task", err)
	}
	return st, nil
}

func (s *SQLiteStore) TryAcquire(ctx context.Context, userID string) (Acquisition, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: empty user id", ErrInvalidState)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, sqliteErr("begin start", err)
	}

	now := formatSQLiteTime(s.now())
	if _, err := tx.ExecContext(ctx, `INSERT INTO sync_status
		(user_id, is_running, progress_percentage, last_heartbeat_at, created_at, updated_at)
		VALUES (?, 0, 0, ?, ?, ?)
		ON CONFLICT (user_id) DO NOTHING`, userID, now, now, now); err != nil {
		_ = tx.Rollback()
		return nil, sqliteErr("create status", err)
	}

	current, err := scanSQLiteStatus(tx.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM sync_status WHERE user_id = ?`, userID))
	if err != nil {
		_ = tx.Rollback()
		return nil, sqliteErr("lock status", err)
	}

	return &sqliteAcquisition{store: s, tx: tx, current: current}, nil
}

type sqliteAcquisition struct {
	store   *SQLiteStore
	tx      *sql.Tx
	current *Status
	done    bool
}

func (a *sqliteAcquisition) Current() *Status {
	return a.current
}

func (a *sqliteAcquisition) CommitStart(ctx context.Context, taskID string) (*Status, error) {
	if a.done {
		return nil, ErrAcquisitionDone
	}
	if taskID == "" {
		return nil, fmt.Errorf("%w: empty task id", ErrInvalidState)
	}

	now := a.store.now().UTC()
	ts := formatSQLiteTime(now)
	if _, err := a.tx.ExecContext(ctx, `UPDATE sync_status SET
		is_running = 1, progress_percentage = 0, task_id = ?, last_task_id = ?,
		started_at = ?, last_heartbeat_at = ?, error_message = NULL, stats = NULL, updated_at = ?
		WHERE user_id = ?`, taskID, taskID, ts, ts, ts, a.current.UserID); err != nil {
		return nil, sqliteErr("commit start", err)
	}

	a.done = true
	if err := a.tx.Commit(); err != nil {
		return nil, sqliteErr("commit start", err)
	}

	return startedStatus(a.current, taskID, now), nil
}

func (a *sqliteAcquisition) Release() error {
	if a.done {
		return nil
	}
	a.done = true
	if err := a.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return sqliteErr("release start", err)
	}
	return nil
}

func (s *SQLiteStore) Heartbeat(ctx context.Context, taskID string, progress int) (bool, error) {
	ts := formatSQLiteTime(s.now())
	res, err := s.db.ExecContext(ctx, `UPDATE sync_status SET
		last_heartbeat_at = ?, progress_percentage = MAX(progress_percentage, ?), updated_at = ?
		WHERE task_id = ? AND is_running = 1`, ts, ClampRunningProgress(progress), ts, taskID)
	return applied(res, err, "heartbeat")
}

func (s *SQLiteStore) Complete(ctx context.Context, taskID string, outcome Outcome) (bool, error) {
	stats, errMsg, err := encodeOutcome(outcome)
	if err != nil {
		return false, err
	}
	ts := formatSQLiteTime(s.now())
	res, err := s.db.ExecContext(ctx, `UPDATE sync_status SET
		is_running = 0, progress_percentage = ?, error_message = ?, stats = ?, updated_at = ?
		WHERE task_id = ? AND is_running = 1`, outcome.FinalState().Progress(), errMsg, stats, ts, taskID)
	return applied(res, err, "complete")
}

func (s *SQLiteStore) ListStale(ctx context.Context, olderThan time.Duration) ([]Status, error) {
	cutoff := formatSQLiteTime(s.now().Add(-olderThan))
	return s.list(ctx, "list stale", `WHERE is_running = 1 AND last_heartbeat_at < ? ORDER BY last_heartbeat_at`, cutoff)
}

func (s *SQLiteStore) Reap(ctx context.Context, userID, taskID string, olderThan time.Duration, message string) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `UPDATE sync_status SET
		is_running = 0, progress_percentage = 0, error_message = ?, task_id = NULL, updated_at = ?
		WHERE user_id = ? AND task_id = ? AND is_running = 1 AND last_heartbeat_at < ?`,
		message, formatSQLiteTime(now), userID, taskID, formatSQLiteTime(now.Add(-olderThan)))
	return applied(res, err, "reap")
}

func (s *SQLiteStore) ListRunning(ctx context.Context) ([]Status, error) {
	return s.list(ctx, "list running", `WHERE is_running = 1 ORDER BY started_at`)
}

func (s *SQLiteStore) Summary(ctx context.Context, staleAfter time.Duration) (Summary, error) {
	var sum Summary
	cutoff := formatSQLiteTime(s.now().Add(-staleAfter))
	err := s.db.QueryRowContext(ctx, `SELECT
		COUNT(*),
		COALESCE(SUM(is_running), 0),
		COALESCE(SUM(CASE WHEN is_running = 1 AND last_heartbeat_at < ? THEN 1 ELSE 0 END), 0)
		FROM sync_status`, cutoff).Scan(&sum.Total, &sum.Running, &sum.Stale)
	if err != nil {
		return Summary{}, sqliteErr("summary", err)
	}
	return sum, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return sqliteErr("ping", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) list(ctx context.Context, op, where string, args ...any) ([]Status, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteColumns+` FROM sync_status `+where, args...)
	if err != nil {
		return nil, sqliteErr(op, err)
	}
	defer rows.Close()

	var out []Status
	for rows.Next() {
		st, err := scanSQLiteStatus(rows)
		if err != nil {
			return nil, sqliteErr(op, err)
		}
		out = append(out, *st)
	}
	if err := rows.Err(); err != nil {
		return nil, sqliteErr(op, err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteStatus(row rowScanner) (*Status, error) {
	var (
		st                                       Status
		running                                  bool
		progress                                 int
		taskID, lastTaskID, startedAt, errMsg, s sql.NullString
		heartbeat, created, updated              string
	)
	if err := row.Scan(&st.UserID, &running, &progress, &taskID, &lastTaskID,
		&heartbeat, &startedAt, &errMsg, &s, &created, &updated); err != nil {
		return nil, err
	}

	state, err := StateOf(running, progress)
	if err != nil {
		return nil, err
	}
	st.State = state
	st.TaskID = taskID.String
	st.LastTaskID = lastTaskID.String
	st.ErrorMessage = errMsg.String

	if st.LastHeartbeatAt, err = parseSQLiteTime(heartbeat); err != nil {
		return nil, err
	}
	if st.CreatedAt, err = parseSQLiteTime(created); err != nil {
		return nil, err
	}
	if st.UpdatedAt, err = parseSQLiteTime(updated); err != nil {
		return nil, err
	}
	if startedAt.Valid {
		t, err := parseSQLiteTime(startedAt.String)
		if err != nil {
			return nil, err
		}
		st.StartedAt = &t
	}
	if s.Valid {
		var stats Stats
		if err := json.Unmarshal([]byte(s.String), &stats); err != nil {
			return nil, fmt.Errorf("decode stats: %w", err)
		}
		st.Stats = &stats
	}
	return &st, nil
}

func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseSQLiteTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func applied(res sql.Result, err error, op string) (bool, error) {
	if err != nil {
		return false, sqliteErr(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, sqliteErr(op, err)
	}
	return n > 0, nil
}

func sqliteErr(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if errors.Is(err, ErrInvalidState) {
		return fmt.Errorf("%s: %w", op, err)
	}

	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code()
		msg := se.Error()
		switch {
		case code == sqlite3.SQLITE_CONSTRAINT_UNIQUE, code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY,
			code == sqlite3.SQLITE_CONSTRAINT && strings.Contains(msg, "UNIQUE"):
			return fmt.Errorf("%w: %s: %w", ErrStateConflict, op, err)
		case code == sqlite3.SQLITE_CONSTRAINT_CHECK,
			code == sqlite3.SQLITE_CONSTRAINT && strings.Contains(msg, "CHECK"):
			return fmt.Errorf("%w: %s: %w", ErrInvalidState, op, err)
		case code&0xff == sqlite3.SQLITE_BUSY, code&0xff == sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%w: %s: %w", ErrStateConflict, op, err)
		}
	}
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}
