// Package logging provides structured logging utilities for inboxsync.
//
// Everything logs through log/slog. The helpers here keep attribute names
// consistent across the sync controller, heartbeat workers, the reaper and the
// API surfaces, and make sure raw user identifiers never reach a log line.
//
// # Usage Patterns
//
// Tag a logger with the operation and task it belongs to:
//
//	logger := logging.WithTask(logging.WithOperation(slog.Default(), "sync.start"), taskID)
//	logger.Info("sync job launched", logging.UserHash(userID))
//
// The reaper and scheduler accept the small Logger interface so tests can pass
// NopLogger; components taking an *slog.Logger get Discard instead:
//
//	r := reaper.New(store, cfg, reaper.WithLogger(logging.NopLogger{}))
//	ctrl, err := syncjob.NewController(store, exec, syncjob.WithLogger(logging.Discard()))
//
// # Privacy
//
// User IDs are mailbox account identifiers and are often email addresses.
// Always log them through UserHash. Task IDs embed the user ID and should be
// logged through TaskID, which hashes the user portion.
package logging
