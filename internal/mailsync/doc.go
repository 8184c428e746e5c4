// Package mailsync is the sync job executor: it copies Gmail message metadata
// into a per-user index.
//
// An incremental run lists messages received after the user's cursor. The
// first run, and any run started with force_full, scans the configured
// full-sync window instead. Every listed message is fetched and upserted;
// the outcome of the upsert classifies it as new, updated or unchanged. A
// message that cannot be fetched counts as an error without failing the run.
// The cursor only moves forward when the run succeeds.
package mailsync
