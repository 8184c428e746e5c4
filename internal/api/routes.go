package api

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/teemow/inboxsync/internal/instrumentation"
)

// RegisterRoutes mounts the sync routes on server.
func RegisterRoutes(server *echo.Echo, h *Handler) {
	g := server.Group("/api/v1/sync")
	g.POST("/start", h.StartSync)
	g.GET("/tasks/:task_id", h.GetTask)
	g.POST("/tasks/:task_id/cancel", h.CancelTask)
	g.GET("/users/:user_id", h.GetUser)
	g.GET("/health", h.GetHealth)
	g.POST("/cleanup", h.TriggerCleanup)
}

// NewServer returns an echo instance with the standard middleware and the
// sync routes.
func NewServer(h *Handler, metrics *instrumentation.Metrics) *echo.Echo {
	server := echo.New()
	server.HideBanner = true
	server.HidePort = true

	server.Use(middleware.Recover())
	server.Use(middleware.RequestID())
	server.Use(middleware.BodyLimit("1M"))
	server.Use(Metrics(metrics))

	RegisterRoutes(server, h)
	return server
}

// Metrics records request counts and latencies by route template.
func Metrics(m *instrumentation.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			path := c.Path()
			if path == "" {
				path = "unmatched"
			}
			m.RecordHTTPRequest(c.Request().Context(), c.Request().Method, path, c.Response().Status, time.Since(start))
			return nil
		}
	}
}
