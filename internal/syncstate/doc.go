// Package syncstate is the durable, per-user record of sync job state.
//
// One Status row exists per user. It is created lazily on the user's first
// sync attempt, cycles between Idle and Running forever, and is never deleted.
// Every other component reads and writes job state through a Store; no
// in-process cache is authoritative, so several service replicas can share one
// database.
//
// The progress invariant (running ⇒ 0..99, idle ⇒ 0 or 100) is enforced three
// times: by the State type, by the Store before every write, and by CHECK
// constraints in the schema. Task IDs are unique across the table while set,
// and a partial unique index allows at most one running row per user.
//
// Two implementations are provided: SQLiteStore (modernc.org/sqlite, the
// embedded default) and PostgresStore (pgx). Both take the user's row lock for
// the read-decide-write sequence of a start through TryAcquire.
package syncstate
