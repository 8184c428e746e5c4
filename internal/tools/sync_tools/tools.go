package sync_tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/teemow/inboxsync/internal/monitor"
	"github.com/teemow/inboxsync/internal/server"
	"github.com/teemow/inboxsync/internal/syncjob"
	"github.com/teemow/inboxsync/internal/syncstate"
	"github.com/teemow/inboxsync/internal/tools/batch"
	"github.com/teemow/inboxsync/internal/tools/common"
)

// Tool names.
const (
	ToolStart          = "sync_start"
	ToolGetProgress    = "sync_get_progress"
	ToolGetHealth      = "sync_get_health"
	ToolGetUserStatus  = "sync_get_user_status"
	ToolCancel         = "sync_cancel"
	ToolTriggerCleanup = "sync_trigger_cleanup"
)

// RegisterSyncTools registers the sync tools with the MCP server. Cancel and
// cleanup are left out in read-only mode.
func RegisterSyncTools(s *mcpserver.MCPServer, sc *server.ServerContext, readOnly bool) error {
	if s == nil {
		return errors.New("mcp server is required")
	}
	s.AddTools(Tools(sc, readOnly)...)
	return nil
}

// Tools returns the sync tools with instrumented handlers.
func Tools(sc *server.ServerContext, readOnly bool) []mcpserver.ServerTool {
	h := &handlers{sync: sc.Sync(), health: sc.Health()}

	tools := []mcpserver.ServerTool{
		{
			Tool: mcp.NewTool(ToolStart,
				mcp.WithDescription("Start a background mailbox sync for one or more users. "+
					"If a sync is already running for a user, its task ID is returned instead of starting a second one."),
				mcp.WithString("user_id",
					mcp.Description("User ID to sync. Use user_ids to sync several users"),
				),
				mcp.WithArray("user_ids",
					mcp.WithStringItems(),
					mcp.Description("User IDs to sync as a batch. Give either user_id or user_ids"),
				),
				mcp.WithBoolean("force_full",
					mcp.Description("Ignore the incremental cursor and rescan the full sync window (default: false)"),
				),
			),
			Handler: common.InstrumentedToolHandler(ToolStart, sc, h.start),
		},
		{
			Tool: mcp.NewTool(ToolGetProgress,
				mcp.WithDescription("Get the state, progress and final stats of a sync task"),
				mcp.WithString("task_id",
					mcp.Required(),
					mcp.Description("Task ID returned by sync_start"),
				),
			),
			Handler: common.InstrumentedToolHandler(ToolGetProgress, sc, h.getProgress),
		},
		{
			Tool: mcp.NewTool(ToolGetHealth,
				mcp.WithDescription("Report how many syncs are running and how many have stopped sending heartbeats"),
			),
			Handler: common.InstrumentedToolHandler(ToolGetHealth, sc, h.getHealth),
		},
		{
			Tool: mcp.NewTool(ToolGetUserStatus,
				mcp.WithDescription("Get the sync status of one user, including heartbeat age and whether the task looks stale"),
				mcp.WithString("user_id",
					mcp.Required(),
					mcp.Description("User ID"),
				),
			),
			Handler: common.InstrumentedToolHandler(ToolGetUserStatus, sc, h.getUserStatus),
		},
	}

	if !readOnly {
		tools = append(tools,
			mcpserver.ServerTool{
				Tool: mcp.NewTool(ToolCancel,
					mcp.WithDescription("Cancel a sync task running on this server. The task ends with the error \"task cancelled\"."),
					mcp.WithString("task_id",
						mcp.Required(),
						mcp.Description("Task ID to cancel"),
					),
				),
				Handler: common.InstrumentedToolHandler(ToolCancel, sc, h.cancel),
			},
			mcpserver.ServerTool{
				Tool: mcp.NewTool(ToolTriggerCleanup,
					mcp.WithDescription("Run the zombie reaper now: reset syncs whose heartbeat has gone silent"),
				),
				Handler: common.InstrumentedToolHandler(ToolTriggerCleanup, sc, h.triggerCleanup),
			},
		)
	}

	return tools
}

type handlers struct {
	sync   server.SyncService
	health server.HealthService
}

func (h *handlers) start(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	users, err := startUsers(args)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	forceFull := common.BoolArg(args, "force_full")

	if len(users) == 1 {
		res, err := h.sync.Start(ctx, users[0], forceFull)
		if err != nil {
			return errorResult("start sync", err), nil
		}
		return jsonResult(res)
	}

	results := batch.ProcessBatch(users, func(user string) (any, error) {
		res, err := h.sync.Start(ctx, user, forceFull)
		if err != nil {
			return nil, errors.New(describe(err))
		}
		return res, nil
	})
	return mcp.NewToolResultText(batch.FormatResults(results)), nil
}

// startUsers reads the target users from user_id or user_ids. user_id
// still takes an array, or a JSON array string, for clients that predate
// user_ids.
func startUsers(args map[string]any) ([]string, error) {
	single, ids := args["user_id"], args["user_ids"]
	switch {
	case single != nil && ids != nil:
		return nil, errors.New("give either user_id or user_ids, not both")
	case ids != nil:
		return batch.ParseStringOrArray(ids, "user_ids")
	case single != nil:
		return batch.ParseStringOrArray(single, "user_id")
	default:
		return nil, errors.New("user_id or user_ids is required")
	}
}

func (h *handlers) getProgress(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := common.StringArg(request.GetArguments(), "task_id")
	if taskID == "" {
		return mcp.NewToolResultError("task_id is required"), nil
	}

	p, err := h.sync.GetProgress(ctx, taskID)
	if err != nil {
		return errorResult("get progress", err), nil
	}
	return jsonResult(p)
}

func (h *handlers) getHealth(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	report := h.health.GetHealth(ctx)
	if report.Status == monitor.StatusUnknown {
		return mcp.NewToolResultError("sync health is unknown: sync state storage is unavailable"), nil
	}
	return jsonResult(report)
}

func (h *handlers) getUserStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := common.StringArg(request.GetArguments(), "user_id")
	if userID == "" {
		return mcp.NewToolResultError("user_id is required"), nil
	}

	st, err := h.health.UserDetail(ctx, userID)
	if err != nil {
		return errorResult("get user status", err), nil
	}
	return jsonResult(st)
}

func (h *handlers) cancel(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := common.StringArg(request.GetArguments(), "task_id")
	if taskID == "" {
		return mcp.NewToolResultError("task_id is required"), nil
	}

	if err := h.sync.Cancel(ctx, taskID); err != nil {
		return errorResult("cancel sync", err), nil
	}

	p, err := h.sync.GetProgress(ctx, taskID)
	if err != nil {
		return errorResult("get progress", err), nil
	}
	return jsonResult(p)
}

func (h *handlers) triggerCleanup(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res, err := h.health.TriggerCleanup(ctx)
	if err != nil {
		return errorResult("cleanup", err), nil
	}
	return jsonResult(res)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

func errorResult(op string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("Failed to %s: %s", op, describe(err)))
}

// describe turns a domain error into a message for the caller. Storage
// driver details stay in the logs.
func describe(err error) string {
	switch {
	case errors.Is(err, syncstate.ErrNotFound):
		return "not found"
	case errors.Is(err, syncstate.ErrStateConflict):
		return "concurrent start, retry the request"
	case errors.Is(err, syncstate.ErrStorage):
		return "sync state storage is unavailable"
	case errors.Is(err, syncstate.ErrInvalidState):
		return "sync state rejected the update"
	case errors.Is(err, syncjob.ErrNotOwned),
		errors.Is(err, syncjob.ErrShuttingDown),
		errors.Is(err, monitor.ErrCleanupUnavailable):
		return err.Error()
	default:
		return "internal error"
	}
}
