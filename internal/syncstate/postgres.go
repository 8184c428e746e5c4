package syncstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresColumns = `user_id, is_running, progress_percentage, task_id, last_task_id,
	last_heartbeat_at, started_at, error_message, stats, created_at, updated_at`

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS sync_status (
		user_id TEXT PRIMARY KEY,
		is_running BOOLEAN NOT NULL DEFAULT FALSE,
		progress_percentage SMALLINT NOT NULL DEFAULT 0,
		task_id TEXT,
		last_task_id TEXT,
		last_heartbeat_at TIMESTAMPTZ NOT NULL,
		started_at TIMESTAMPTZ,
		error_message TEXT,
		stats JSONB,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		CONSTRAINT sync_status_progress_by_state CHECK (
			(is_running AND progress_percentage BETWEEN 0 AND 99) OR
			(NOT is_running AND progress_percentage IN (0, 100))
		),
		CONSTRAINT sync_status_running_has_task CHECK (NOT is_running OR task_id IS NOT NULL)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS sync_status_task_id_key ON sync_status (task_id) WHERE task_id IS NOT NULL`,
	`CREATE UNIQUE INDEX IF NOT EXISTS sync_status_running_user_key ON sync_status (user_id) WHERE is_running`,
	`CREATE INDEX IF NOT EXISTS sync_status_heartbeat_idx ON sync_status (last_heartbeat_at) WHERE is_running`,
	`CREATE INDEX IF NOT EXISTS sync_status_updated_at_idx ON sync_status (updated_at)`,
	`CREATE INDEX IF NOT EXISTS sync_status_last_task_id_idx ON sync_status (last_task_id)`,
	`CREATE OR REPLACE FUNCTION sync_status_forbid_delete() RETURNS trigger AS $$
	BEGIN
		RAISE EXCEPTION 'sync_status rows are never deleted';
	END;
	$$ LANGUAGE plpgsql`,
	`DO $$
	BEGIN
		IF NOT EXISTS (
			SELECT 1 FROM pg_trigger
			WHERE tgname = 'sync_status_no_delete' AND tgrelid = 'sync_status'::regclass
		) THEN
			CREATE TRIGGER sync_status_no_delete BEFORE DELETE ON sync_status
				FOR EACH ROW EXECUTE FUNCTION sync_status_forbid_delete();
		END IF;
	END
	$$`,
}

// postgresMigrationLock keys the advisory lock that serializes schema
// migration across replicas starting at the same time.
const postgresMigrationLock int64 = 0x696e626f7873796e

// PostgreSQL error codes mapped onto the store's error taxonomy.
const (
	pgUniqueViolation      = "23505"
	pgCheckViolation       = "23514"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
)

// PostgresStore is a Store backed by a pgx connection pool. TryAcquire uses
// SELECT ... FOR UPDATE on the user's row.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ Store = (*PostgresStore)(nil)

// OpenPostgres connects to url and applies the schema.
func OpenPostgres(ctx context.Context, url string, opts ...Option) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store := NewPostgresStore(pool, opts...)
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStore wraps an existing pool.
func NewPostgresStore(pool *pgxpool.Pool, opts ...Option) *PostgresStore {
	o := buildOptions(opts)
	return &PostgresStore{pool: pool, now: o.now}
}

// Migrate creates the table, indexes and the delete guard. It runs in one
// transaction under an advisory lock, so concurrent callers apply the schema
// one after another and the delete guard is never absent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("migrate sync_status: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, postgresMigrationLock); err != nil {
		return fmt.Errorf("migrate sync_status: lock: %w", err)
	}
	for _, stmt := range postgresSchema {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate sync_status: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("migrate sync_status: commit: %w", err)
	}
	return nil
}

// Pool exposes the pool so other tables can share it.
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *PostgresStore) Get(ctx context.Context, userID string) (*Status, error) {
	st, err := scanPostgresStatus(s.pool.QueryRow(ctx, `SELECT `+postgresColumns+` FROM sync_status WHERE user_id = $1`, userID))
	if err != nil {
		return nil, postgresErr("get status", err)
	}
	return st, nil
}

func (s *PostgresStore) GetByTaskID(ctx context.Context, taskID string) (*Status, error) {
	st, err := scanPostgresStatus(s.pool.QueryRow(ctx, `SELECT `+postgresColumns+` FROM sync_status WHERE last_task_id = $1`, taskID))
	if err != nil {
		return nil, postgresErr("get status by task", err)
	}
	return st, nil
}

func (s *PostgresStore) TryAcquire(ctx context.Context, userID string) (Acquisition, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: empty user id", ErrInvalidState)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, postgresErr("begin start", err)
	}

	now := s.now().UTC()
	if _, err := tx.Exec(ctx, `INSERT INTO sync_status
		(user_id, is_running, progress_percentage, last_heartbeat_at, created_at, updated_at)
		VALUES ($1, FALSE, 0, $2, $2, $2)
		ON CONFLICT (user_id) DO NOTHING`, userID, now); err != nil {
		_ = tx.Rollback(ctx)
		return nil, postgresErr("create status", err)
	}

	current, err := scanPostgresStatus(tx.QueryRow(ctx, `SELECT `+postgresColumns+` FROM sync_status WHERE user_id = $1 FOR UPDATE`, userID))
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, postgresErr("lock status", err)
	}

	return &postgresAcquisition{store: s, tx: tx, current: current}, nil
}

type postgresAcquisition struct {
	store   *PostgresStore
	tx      pgx.Tx
	current *Status
	done    bool
}

func (a *postgresAcquisition) Current() *Status {
	return a.current
}

func (a *postgresAcquisition) CommitStart(ctx context.Context, taskID string) (*Status, error) {
	if a.done {
		return nil, ErrAcquisitionDone
	}
	if taskID == "" {
		return nil, fmt.Errorf("%w: empty task id", ErrInvalidState)
	}

	now := a.store.now().UTC()
	if _, err := a.tx.Exec(ctx, `UPDATE sync_status SET
		is_running = TRUE, progress_percentage = 0, task_id = $1, last_task_id = $1,
		started_at = $2, last_heartbeat_at = $2, error_message = NULL, stats = NULL, updated_at = $2
		WHERE user_id = $3`, taskID, now, a.current.UserID); err != nil {
		return nil, postgresErr("commit start", err)
	}

	a.done = true
	if err := a.tx.Commit(ctx); err != nil {
		return nil, postgresErr("commit start", err)
	}

	return startedStatus(a.current, taskID, now), nil
}

func (a *postgresAcquisition) Release() error {
	if a.done {
		return nil
	}
	a.done = true
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return postgresErr("release start", err)
	}
	return nil
}

func (s *PostgresStore) Heartbeat(ctx context.Context, taskID string, progress int) (bool, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE sync_status SET
		last_heartbeat_at = $1, progress_percentage = GREATEST(progress_percentage, $2), updated_at = $1
		WHERE task_id = $3 AND is_running`, s.now().UTC(), ClampRunningProgress(progress), taskID)
	if err != nil {
		return false, postgresErr("heartbeat", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) Complete(ctx context.Context, taskID string, outcome Outcome) (bool, error) {
	stats, errMsg, err := encodeOutcome(outcome)
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx, `UPDATE sync_status SET
		is_running = FALSE, progress_percentage = $1, error_message = $2, stats = $3, updated_at = $4
		WHERE task_id = $5 AND is_running`, outcome.FinalState().Progress(), errMsg, stats, s.now().UTC(), taskID)
	if err != nil {
		return false, postgresErr("complete", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ListStale(ctx context.Context, olderThan time.Duration) ([]Status, error) {
	cutoff := s.now().UTC().Add(-olderThan)
	return s.list(ctx, "list stale", `WHERE is_running AND last_heartbeat_at < $1 ORDER BY last_heartbeat_at`, cutoff)
}

func (s *PostgresStore) Reap(ctx context.Context, userID, taskID string, olderThan time.Duration, message string) (bool, error) {
	now := s.now().UTC()
	tag, err := s.pool.Exec(ctx, `UPDATE sync_status SET
		is_running = FALSE, progress_percentage = 0, error_message = $1, task_id = NULL, updated_at = $2
		WHERE user_id = $3 AND task_id = $4 AND is_running AND last_heartbeat_at < $5`,
		message, now, userID, taskID, now.Add(-olderThan))
	if err != nil {
		return false, postgresErr("reap", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ListRunning(ctx context.Context) ([]Status, error) {
	return s.list(ctx, "list running", `WHERE is_running ORDER BY started_at`)
}

func (s *PostgresStore) Summary(ctx context.Context, staleAfter time.Duration) (Summary, error) {
	var sum Summary
	err := s.pool.QueryRow(ctx, `SELECT
		COUNT(*),
		COUNT(*) FILTER (WHERE is_running),
		COUNT(*) FILTER (WHERE is_running AND last_heartbeat_at < $1)
		FROM sync_status`, s.now().UTC().Add(-staleAfter)).Scan(&sum.Total, &sum.Running, &sum.Stale)
	if err != nil {
		return Summary{}, postgresErr("summary", err)
	}
	return sum, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return postgresErr("ping", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) list(ctx context.Context, op, where string, args ...any) ([]Status, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+postgresColumns+` FROM sync_status `+where, args...)
	if err != nil {
		return nil, postgresErr(op, err)
	}
	defer rows.Close()

	var out []Status
	for rows.Next() {
		st, err := scanPostgresStatus(rows)
		if err != nil {
			return nil, postgresErr(op, err)
		}
		out = append(out, *st)
	}
	if err := rows.Err(); err != nil {
		return nil, postgresErr(op, err)
	}
	return out, nil
}

func scanPostgresStatus(row pgx.Row) (*Status, error) {
	var (
		st                          Status
		running                     bool
		progress                    int16
		taskID, lastTaskID, errMsg  *string
		startedAt                   *time.Time
		stats                       []byte
		heartbeat, created, updated time.Time
	)
	if err := row.Scan(&st.UserID, &running, &progress, &taskID, &lastTaskID,
		&heartbeat, &startedAt, &errMsg, &stats, &created, &updated); err != nil {
		return nil, err
	}

	state, err := StateOf(running, int(progress))
	if err != nil {
		return nil, err
	}
	st.State = state
	st.LastHeartbeatAt = heartbeat.UTC()
	st.CreatedAt = created.UTC()
	st.UpdatedAt = updated.UTC()
	if taskID != nil {
		st.TaskID = *taskID
	}
	if lastTaskID != nil {
		st.LastTaskID = *lastTaskID
	}
	if errMsg != nil {
		st.ErrorMessage = *errMsg
	}
	if startedAt != nil {
		t := startedAt.UTC()
		st.StartedAt = &t
	}
	if stats != nil {
		var decoded Stats
		if err := json.Unmarshal(stats, &decoded); err != nil {
			return nil, fmt.Errorf("decode stats: %w", err)
		}
		st.Stats = &decoded
	}
	return &st, nil
}

func postgresErr(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if errors.Is(err, ErrInvalidState) {
		return fmt.Errorf("%s: %w", op, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation, pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
			return fmt.Errorf("%w: %s: %w", ErrStateConflict, op, err)
		case pgCheckViolation:
			return fmt.Errorf("%w: %s: %w", ErrInvalidState, op, err)
		}
	}
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}
