// Package resources provides MCP resources for the sync subsystem.
// Resources are read-only data sources that MCP clients can fetch without
// calling a tool:
//
//   - sync://health: running and stale-candidate counts
//   - sync://users/{user_id}: one user's status row with heartbeat age
package resources
