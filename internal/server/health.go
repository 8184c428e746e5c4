package server

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/teemow/inboxsync/internal/monitor"
)

// Health status constants for health check responses.
const (
	healthStatusOK           = "ok"
	healthStatusNotReady     = "not ready"
	healthStatusShuttingDown = "shutting down"
	healthStatusUnavailable  = "unavailable"
)

// readinessTimeout bounds the store ping of a readiness probe.
const readinessTimeout = 2 * time.Second

// HealthChecker provides health check endpoints for Kubernetes probes.
type HealthChecker struct {
	// ready indicates whether the server is ready to receive traffic
	ready atomic.Bool
	// serverContext provides access to dependencies for health checks
	serverContext *ServerContext
	// startTime tracks when the server started
	startTime time.Time
}

// NewHealthChecker creates a new HealthChecker.
func NewHealthChecker(sc *ServerContext) *HealthChecker {
	h := &HealthChecker{
		serverContext: sc,
		startTime:     time.Now(),
	}
	h.ready.Store(true)
	return h
}

// SetReady sets the readiness state of the server.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsReady returns whether the server is ready to receive traffic.
func (h *HealthChecker) IsReady() bool {
	return h.ready.Load()
}

// isServerShuttingDown returns false if serverContext is nil.
func (h *HealthChecker) isServerShuttingDown() bool {
	return h.serverContext != nil && h.serverContext.IsShutdown()
}

func (h *HealthChecker) healthService() HealthService {
	if h.serverContext == nil {
		return nil
	}
	return h.serverContext.Health()
}

// HealthResponse represents the JSON response for health endpoints.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// DetailedHealthResponse adds the sync subsystem report to the probe status.
type DetailedHealthResponse struct {
	Status string          `json:"status"`
	Uptime string          `json:"uptime"`
	Sync   *monitor.Health `json:"sync,omitempty"`
}

// Liveness handles /healthz. It only says the process is up.
func (h *HealthChecker) Liveness(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: healthStatusOK})
}

// Readiness handles /readyz: the server is marked ready, not shutting down,
// and the sync state store answers a ping.
func (h *HealthChecker) Readiness(c echo.Context) error {
	checks := make(map[string]string, 3)
	ok := true
	record := func(name string, passed bool, failure string) {
		if passed {
			checks[name] = healthStatusOK
			return
		}
		checks[name] = failure
		ok = false
	}

	record("ready", h.ready.Load(), healthStatusNotReady)
	record("shutdown", !h.isServerShuttingDown(), healthStatusShuttingDown)
	if svc := h.healthService(); svc != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), readinessTimeout)
		err := svc.Ping(ctx)
		cancel()
		record("store", err == nil, healthStatusUnavailable)
	}

	if !ok {
		return c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: healthStatusNotReady, Checks: checks})
	}
	return c.JSON(http.StatusOK, HealthResponse{Status: healthStatusOK, Checks: checks})
}

// DetailedHealth handles /healthz/detailed and embeds the HealthMonitor
// report. An unknown sync status (store failure) makes the probe fail.
func (h *HealthChecker) DetailedHealth(c echo.Context) error {
	response := DetailedHealthResponse{
		Status: healthStatusOK,
		Uptime: time.Since(h.startTime).Truncate(time.Second).String(),
	}
	code := http.StatusOK

	if svc := h.healthService(); svc != nil {
		report := svc.GetHealth(c.Request().Context())
		response.Sync = &report
		if report.Status == monitor.StatusUnknown {
			response.Status = healthStatusUnavailable
			code = http.StatusServiceUnavailable
		}
	}

	switch {
	case !h.ready.Load():
		response.Status = healthStatusNotReady
		code = http.StatusServiceUnavailable
	case h.isServerShuttingDown():
		response.Status = healthStatusShuttingDown
		code = http.StatusServiceUnavailable
	}

	return c.JSON(code, response)
}

// RegisterHealthEndpoints registers health check endpoints on the given router.
func (h *HealthChecker) RegisterHealthEndpoints(e *echo.Echo) {
	e.GET("/healthz", h.Liveness)
	e.GET("/readyz", h.Readiness)
	e.GET("/healthz/detailed", h.DetailedHealth)
}
