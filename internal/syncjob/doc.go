// Package syncjob starts and supervises per-user sync jobs.
//
// A Controller turns start requests into at most one live job per user. The
// decision is made while the user's row is locked in the store: a running job
// whose heartbeat is recent and whose age is within the task age limit is
// reused, anything else is replaced by a new task. The job itself runs as two
// goroutines that share state only through the store: the executor doing the
// work, and a HeartbeatWorker that refreshes the row's liveness on a ticker.
//
// When a job ends, the worker performs the terminal write. When the process
// dies, nothing is written and the reaper eventually resets the row.
package syncjob
