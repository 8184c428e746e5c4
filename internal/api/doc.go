// Package api is the REST surface of the sync service.
//
// Routes live under /api/v1/sync. Every response is a JSON envelope with
// either a data member or an error member carrying a stable code:
//
//	{"data": {"task_id": "sync_ada_1736154000000000000", "reused": false}}
//	{"error": {"code": "not_found", "message": "task not found"}}
//
// Starting a sync returns 202 Accepted immediately; progress is polled.
package api
