package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/teemow/inboxsync/internal/api"
	"github.com/teemow/inboxsync/internal/instrumentation"
	"github.com/teemow/inboxsync/internal/logging"
	"github.com/teemow/inboxsync/internal/resources"
	"github.com/teemow/inboxsync/internal/scheduler"
	"github.com/teemow/inboxsync/internal/server"
	"github.com/teemow/inboxsync/internal/tools/sync_tools"
)

const (
	transportStdio          = "stdio"
	transportStreamableHTTP = "streamable-http"
)

// MetricsConfig holds configuration for the metrics server
type MetricsConfig struct {
	// Enabled determines whether to start the metrics server (default: true)
	Enabled bool

	// Addr is the address for the metrics server (e.g., ":9090")
	Addr string
}

type serveOptions struct {
	debug     bool
	transport string
	httpAddr  string
	yolo      bool
	metrics   MetricsConfig
	runtime   runtimeConfig
}

func newServeCmd() *cobra.Command {
	opts := serveOptions{runtime: defaultRuntimeConfig()}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the sync server with MCP tools and the REST API",
		Long: `Start the sync server. It runs the zombie reaper in the background and
exposes the sync operations as MCP tools and, for the streamable-http
transport, as a REST API under /api/v1.

Supports multiple transport types:
  - stdio: Standard input/output (default)
  - streamable-http: MCP over HTTP at /mcp, REST at /api/v1, health at /healthz and /readyz

By default the server is read-only: sync_cancel and sync_trigger_cleanup are
not registered and the matching REST routes reject requests. Use --yolo to
enable them.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := loadServeEnv(cmd, &opts); err != nil {
				return err
			}
			return runServe(cmd.Context(), opts)
		},
	}

	cmd.Flags().BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	cmd.Flags().StringVar(&opts.transport, "transport", transportStdio, "Transport type: stdio or streamable-http")
	cmd.Flags().StringVar(&opts.httpAddr, "http-addr", ":8080", "HTTP server address (for streamable-http transport)")
	cmd.Flags().BoolVar(&opts.yolo, "yolo", false, "Enable write operations (cancel, manual cleanup). Default is read-only.")
	cmd.Flags().BoolVar(&opts.metrics.Enabled, "metrics-enabled", true, "Enable the metrics server on a dedicated port. Can also use METRICS_ENABLED env var.")
	cmd.Flags().StringVar(&opts.metrics.Addr, "metrics-addr", server.DefaultMetricsAddr, "Metrics server address. Can also use METRICS_ADDR env var.")
	addRuntimeFlags(cmd, &opts.runtime)

	return cmd
}

func loadServeEnv(cmd *cobra.Command, opts *serveOptions) error {
	if err := envBool(cmd, "metrics-enabled", "METRICS_ENABLED", &opts.metrics.Enabled); err != nil {
		return err
	}
	envString(cmd, "metrics-addr", "METRICS_ADDR", &opts.metrics.Addr)

	switch opts.transport {
	case transportStdio, transportStreamableHTTP:
	default:
		return fmt.Errorf("unsupported transport type: %s (supported: stdio, streamable-http)", opts.transport)
	}

	return loadRuntimeEnv(cmd, &opts.runtime)
}

// newLogger logs JSON to stderr. stdout belongs to the stdio transport.
func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func runServe(parent context.Context, opts serveOptions) error {
	if parent == nil {
		parent = context.Background()
	}
	// Setup graceful shutdown
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger := newLogger(opts.debug)
	slog.SetDefault(logger)

	instrConfig := instrumentation.DefaultConfig()
	instrConfig.ServiceVersion = version

	provider, err := instrumentation.NewProvider(ctx, instrConfig)
	if err != nil {
		return fmt.Errorf("failed to create instrumentation provider: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("instrumentation shutdown failed", logging.Err(err))
		}
	}()

	var metrics *instrumentation.Metrics
	if provider.Enabled() {
		metrics = provider.Metrics()
	}

	if opts.transport != transportStdio && opts.metrics.Enabled && provider.ExportsPrometheus() {
		metricsServer, err := startMetricsServer(opts.metrics, provider, logger)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn("metrics server shutdown failed", logging.Err(err))
			}
		}()
	}

	rt, err := openRuntime(ctx, opts.runtime, logger, metrics)
	if err != nil {
		return fmt.Errorf("failed to open sync runtime: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), server.DefaultShutdownTimeout)
		defer cancel()
		if err := rt.shutdown(shutdownCtx); err != nil {
			logger.Warn("sync runtime shutdown failed", logging.Err(err))
		}
	}()

	sched := scheduler.New(logging.NewSlogAdapter(logging.WithComponent(logger, "scheduler")))
	sched.RunOnStart = true
	if err := sched.Register(rt.reaper); err != nil {
		return fmt.Errorf("failed to register reaper: %w", err)
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	defer func() {
		if err := sched.Stop(); err != nil {
			logger.Warn("scheduler stop failed", logging.Err(err))
		}
	}()

	serverContext, err := server.NewServerContext(ctx, rt.controller, rt.monitor)
	if err != nil {
		return fmt.Errorf("failed to create server context: %w", err)
	}
	defer func() { _ = serverContext.Shutdown() }()

	readOnly := !opts.yolo
	auditLogger := instrumentation.NewAuditLogger(logger, instrConfig.AuditLogging)
	serverContext.SetMetrics(metrics)
	serverContext.SetAuditLogger(auditLogger)
	serverContext.SetReadOnly(readOnly)

	if readOnly {
		logger.Info("starting in read-only mode (use --yolo to enable cancel and cleanup)")
	} else {
		logger.Info("starting with write operations enabled")
	}

	mcpSrv := mcpserver.NewMCPServer("inboxsync", version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithResourceCapabilities(false, false),
	)
	if err := registerAll(mcpSrv, serverContext, readOnly); err != nil {
		return err
	}

	switch opts.transport {
	case transportStdio:
		return runStdioServer(ctx, mcpSrv)
	default:
		handler := api.NewHandler(rt.controller, rt.monitor,
			api.WithAudit(auditLogger),
			api.WithReadOnly(readOnly),
		)
		return runHTTPServer(ctx, opts.httpAddr, mcpSrv, serverContext, handler, metrics, logger)
	}
}

func startMetricsServer(cfg MetricsConfig, provider *instrumentation.Provider, logger *slog.Logger) (*server.MetricsServer, error) {
	metricsServer, err := server.NewMetricsServer(server.MetricsServerConfig{
		Addr:                    cfg.Addr,
		InstrumentationProvider: provider,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics server: %w", err)
	}

	go func() {
		if err := metricsServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", logging.Err(err))
		}
	}()
	logger.Info("metrics server starting", slog.String("addr", metricsServer.Addr()))
	return metricsServer, nil
}

// registerAll registers every MCP tool and resource.
func registerAll(mcpSrv *mcpserver.MCPServer, sc *server.ServerContext, readOnly bool) error {
	type registration struct {
		name     string
		register func() error
	}

	registrations := []registration{
		{
			name: "Sync tools",
			register: func() error {
				return sync_tools.RegisterSyncTools(mcpSrv, sc, readOnly)
			},
		},
		{
			name: "Sync resources",
			register: func() error {
				return resources.RegisterSyncResources(mcpSrv, sc)
			},
		},
	}

	for _, reg := range registrations {
		if err := reg.register(); err != nil {
			return fmt.Errorf("failed to register %s: %w", reg.name, err)
		}
	}
	return nil
}

func runStdioServer(ctx context.Context, mcpSrv *mcpserver.MCPServer) error {
	serverDone := make(chan error, 1)
	go func() {
		defer close(serverDone)
		if err := mcpserver.ServeStdio(mcpSrv); err != nil {
			serverDone <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-serverDone:
		if err != nil {
			return fmt.Errorf("server stopped with error: %w", err)
		}
		return nil
	}
}

func runHTTPServer(ctx context.Context, addr string, mcpSrv *mcpserver.MCPServer, sc *server.ServerContext, handler *api.Handler, metrics *instrumentation.Metrics, logger *slog.Logger) error {
	e := api.NewServer(handler, metrics)

	healthChecker := server.NewHealthChecker(sc)
	healthChecker.RegisterHealthEndpoints(e)

	mcpHTTP := mcpserver.NewStreamableHTTPServer(mcpSrv)
	e.Any("/mcp", echo.WrapHandler(mcpHTTP))

	logger.Info("HTTP server starting",
		slog.String("addr", addr),
		slog.String("endpoints", strings.Join([]string{"/mcp", "/api/v1", "/healthz", "/readyz"}, ",")),
	)

	serverDone := make(chan error, 1)
	go func() {
		defer close(serverDone)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverDone <- err
		}
	}()
	healthChecker.SetReady(true)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, stopping HTTP server")
		healthChecker.SetReady(false)
		_ = sc.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), server.DefaultShutdownTimeout)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("error shutting down HTTP server: %w", err)
		}
	case err := <-serverDone:
		if err != nil {
			return fmt.Errorf("HTTP server stopped with error: %w", err)
		}
	}

	logger.Info("HTTP server gracefully stopped")
	return nil
}
