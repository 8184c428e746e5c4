package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/teemow/inboxsync/internal/instrumentation"
	"github.com/teemow/inboxsync/internal/monitor"
	"github.com/teemow/inboxsync/internal/reaper"
	"github.com/teemow/inboxsync/internal/syncjob"
)

// SyncService starts, polls and cancels sync jobs.
type SyncService interface {
	Start(ctx context.Context, userID string, forceFull bool) (syncjob.StartResult, error)
	GetProgress(ctx context.Context, taskID string) (syncjob.Progress, error)
	Cancel(ctx context.Context, taskID string) error
}

// HealthService reports on the sync subsystem.
type HealthService interface {
	GetHealth(ctx context.Context) monitor.Health
	UserDetail(ctx context.Context, userID string) (monitor.UserStatus, error)
	TriggerCleanup(ctx context.Context) (reaper.Result, error)
}

// Handler serves the sync routes.
type Handler struct {
	sync     SyncService
	health   HealthService
	audit    *instrumentation.AuditLogger
	readOnly bool
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithAudit logs every mutating request to the audit log.
func WithAudit(a *instrumentation.AuditLogger) HandlerOption {
	return func(h *Handler) { h.audit = a }
}

// WithReadOnly rejects cancel and cleanup requests.
func WithReadOnly(readOnly bool) HandlerOption {
	return func(h *Handler) { h.readOnly = readOnly }
}

func NewHandler(sync SyncService, health HealthService, opts ...HandlerOption) *Handler {
	h := &Handler{sync: sync, health: health}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type startRequest struct {
	UserID    string `json:"user_id"`
	ForceFull bool   `json:"force_full"`
}

// StartSync handles POST /api/v1/sync/start.
func (h *Handler) StartSync(c echo.Context) error {
	var req startRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, CodeInvalidRequest, "invalid request body")
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		return fail(c, http.StatusBadRequest, CodeInvalidRequest, "user_id is required")
	}

	ctx := c.Request().Context()
	action := instrumentation.NewAction(instrumentation.SurfaceREST, "sync_start").WithUser(req.UserID).WithSpanContext(ctx)
	res, err := h.sync.Start(ctx, req.UserID, req.ForceFull)
	h.audit.Log(ctx, action.WithTask(res.TaskID).Complete(err))
	if err != nil {
		return failWith(c, err)
	}
	return respond(c, http.StatusAccepted, res)
}

// GetTask handles GET /api/v1/sync/tasks/:task_id.
func (h *Handler) GetTask(c echo.Context) error {
	p, err := h.sync.GetProgress(c.Request().Context(), c.Param("task_id"))
	if err != nil {
		return failWith(c, err)
	}
	return respond(c, http.StatusOK, p)
}

// CancelTask handles POST /api/v1/sync/tasks/:task_id/cancel.
func (h *Handler) CancelTask(c echo.Context) error {
	if h.readOnly {
		return fail(c, http.StatusForbidden, CodeForbidden, "server is read-only")
	}

	ctx := c.Request().Context()
	taskID := c.Param("task_id")
	action := instrumentation.NewAction(instrumentation.SurfaceREST, "sync_cancel").WithTask(taskID).WithSpanContext(ctx)
	err := h.sync.Cancel(ctx, taskID)
	h.audit.Log(ctx, action.Complete(err))
	if err != nil {
		return failWith(c, err)
	}

	p, err := h.sync.GetProgress(ctx, taskID)
	if err != nil {
		return failWith(c, err)
	}
	return respond(c, http.StatusOK, p)
}

// GetUser handles GET /api/v1/sync/users/:user_id.
func (h *Handler) GetUser(c echo.Context) error {
	d, err := h.health.UserDetail(c.Request().Context(), c.Param("user_id"))
	if err != nil {
		return failWith(c, err)
	}
	return respond(c, http.StatusOK, d)
}

// GetHealth handles GET /api/v1/sync/health. An unknown status is served
// with 503 so load balancers can act on it.
func (h *Handler) GetHealth(c echo.Context) error {
	health := h.health.GetHealth(c.Request().Context())
	status := http.StatusOK
	if health.Status == monitor.StatusUnknown {
		status = http.StatusServiceUnavailable
	}
	return respond(c, status, health)
}

// TriggerCleanup handles POST /api/v1/sync/cleanup.
func (h *Handler) TriggerCleanup(c echo.Context) error {
	if h.readOnly {
		return fail(c, http.StatusForbidden, CodeForbidden, "server is read-only")
	}

	ctx := c.Request().Context()
	action := instrumentation.NewAction(instrumentation.SurfaceREST, "sync_trigger_cleanup").WithSpanContext(ctx)
	res, err := h.health.TriggerCleanup(ctx)
	h.audit.Log(ctx, action.Complete(err))
	if err != nil {
		return failWith(c, err)
	}
	return respond(c, http.StatusOK, res)
}
