package server

import (
	"context"
	"errors"
	"sync"

	"github.com/teemow/inboxsync/internal/instrumentation"
	"github.com/teemow/inboxsync/internal/monitor"
	"github.com/teemow/inboxsync/internal/reaper"
	"github.com/teemow/inboxsync/internal/syncjob"
)

// SyncService starts, polls and cancels sync jobs. *syncjob.Controller
// implements it.
type SyncService interface {
	Start(ctx context.Context, userID string, forceFull bool) (syncjob.StartResult, error)
	GetProgress(ctx context.Context, taskID string) (syncjob.Progress, error)
	Cancel(ctx context.Context, taskID string) error
}

// HealthService reports on the sync subsystem. *monitor.Monitor implements it.
type HealthService interface {
	GetHealth(ctx context.Context) monitor.Health
	UserDetail(ctx context.Context, userID string) (monitor.UserStatus, error)
	TriggerCleanup(ctx context.Context) (reaper.Result, error)
	Ping(ctx context.Context) error
}

// ServerContext holds the services shared by the MCP tools, the REST API and
// the health endpoints.
type ServerContext struct {
	ctx         context.Context
	cancel      context.CancelFunc
	sync        SyncService
	health      HealthService
	metrics     *instrumentation.Metrics
	auditLogger *instrumentation.AuditLogger
	readOnly    bool
	mu          sync.RWMutex
	shutdown    bool
}

// NewServerContext creates a new server context
func NewServerContext(ctx context.Context, syncSvc SyncService, health HealthService) (*ServerContext, error) {
	if syncSvc == nil {
		return nil, errors.New("sync service is required")
	}
	if health == nil {
		return nil, errors.New("health service is required")
	}

	shutdownCtx, cancel := context.WithCancel(ctx)
	return &ServerContext{
		ctx:    shutdownCtx,
		cancel: cancel,
		sync:   syncSvc,
		health: health,
	}, nil
}

// Context returns the server context
func (sc *ServerContext) Context() context.Context {
	return sc.ctx
}

// Sync returns the sync service.
func (sc *ServerContext) Sync() SyncService {
	return sc.sync
}

// Health returns the health service.
func (sc *ServerContext) Health() HealthService {
	return sc.health
}

// Metrics returns the metric set, or nil when instrumentation is off.
func (sc *ServerContext) Metrics() *instrumentation.Metrics {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.metrics
}

// SetMetrics sets the metric set.
func (sc *ServerContext) SetMetrics(m *instrumentation.Metrics) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.metrics = m
}

// AuditLogger returns the audit logger, or nil.
func (sc *ServerContext) AuditLogger() *instrumentation.AuditLogger {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.auditLogger
}

// SetAuditLogger sets the audit logger.
func (sc *ServerContext) SetAuditLogger(al *instrumentation.AuditLogger) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.auditLogger = al
}

// ReadOnly reports whether mutating operations (cancel, cleanup) are disabled.
func (sc *ServerContext) ReadOnly() bool {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.readOnly
}

// SetReadOnly toggles read-only mode.
func (sc *ServerContext) SetReadOnly(readOnly bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.readOnly = readOnly
}

// IsShutdown returns whether the server has been shutdown
func (sc *ServerContext) IsShutdown() bool {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.shutdown
}

// Shutdown shuts down the server context
func (sc *ServerContext) Shutdown() error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.shutdown {
		return nil
	}

	sc.shutdown = true
	sc.cancel()
	return nil
}
