// Package sync_tools exposes the sync controller and the health monitor as
// MCP tools.
//
// Available tools:
//   - sync_start: Start or join a sync for one user or a list of users
//   - sync_get_progress: Poll a task by ID
//   - sync_get_health: Running and stale-candidate counts
//   - sync_get_user_status: One user's row with heartbeat age
//   - sync_cancel: Cancel a task owned by this server (not in read-only mode)
//   - sync_trigger_cleanup: Run the zombie reaper now (not in read-only mode)
package sync_tools
