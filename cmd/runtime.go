package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/teemow/inboxsync/internal/events"
	"github.com/teemow/inboxsync/internal/google"
	"github.com/teemow/inboxsync/internal/instrumentation"
	"github.com/teemow/inboxsync/internal/logging"
	"github.com/teemow/inboxsync/internal/mailsync"
	"github.com/teemow/inboxsync/internal/monitor"
	"github.com/teemow/inboxsync/internal/reaper"
	"github.com/teemow/inboxsync/internal/syncjob"
	"github.com/teemow/inboxsync/internal/syncstate"
)

// runtimeConfig holds the settings shared by every command that touches the
// sync state: storage, events, the sync timings and the Gmail client.
type runtimeConfig struct {
	DatabaseURL string

	NATSURL           string
	NATSSubjectPrefix string
	NATSStream        string

	Sync   syncjob.Config
	Reaper reaper.Config
	Mail   mailsync.Config

	GoogleClientID     string
	GoogleClientSecret string
}

func defaultDatabasePath() string {
	return filepath.Join(google.CacheDir(), "sync.db")
}

func defaultRuntimeConfig() runtimeConfig {
	return runtimeConfig{
		DatabaseURL:       defaultDatabasePath(),
		NATSSubjectPrefix: "inboxsync",
		Sync:              syncjob.DefaultConfig(),
		Reaper:            reaper.DefaultConfig(),
		Mail:              mailsync.DefaultConfig(),
	}
}

// addRuntimeFlags registers the shared flags on cmd with cfg's values as
// defaults.
func addRuntimeFlags(cmd *cobra.Command, cfg *runtimeConfig) {
	f := cmd.Flags()
	f.StringVar(&cfg.DatabaseURL, "database-url", cfg.DatabaseURL, "SQLite database path, or a postgres:// URL. Can also use DATABASE_URL env var.")
	f.StringVar(&cfg.NATSURL, "nats-url", cfg.NATSURL, "NATS server URL for sync lifecycle events (disabled when empty). Can also use NATS_URL env var.")
	f.StringVar(&cfg.NATSSubjectPrefix, "nats-subject-prefix", cfg.NATSSubjectPrefix, "Subject prefix for events (<prefix>.sync.<event>). Can also use NATS_SUBJECT_PREFIX env var.")
	f.StringVar(&cfg.NATSStream, "nats-stream", cfg.NATSStream, "JetStream stream capturing the events (plain NATS when empty). Can also use NATS_STREAM env var.")
	f.DurationVar(&cfg.Sync.HeartbeatInterval, "heartbeat-interval", cfg.Sync.HeartbeatInterval, "Interval between heartbeats of a running sync. Can also use SYNC_HEARTBEAT_INTERVAL env var.")
	f.DurationVar(&cfg.Sync.LivenessWindow, "liveness-window", cfg.Sync.LivenessWindow, "Heartbeat age after which a running sync is no longer joined. Can also use SYNC_LIVENESS_WINDOW env var.")
	f.DurationVar(&cfg.Sync.MaxTaskAge, "max-task-age", cfg.Sync.MaxTaskAge, "Run time after which a running sync is replaced by a new one. Can also use SYNC_MAX_TASK_AGE env var.")
	f.DurationVar(&cfg.Reaper.StaleTimeout, "stale-timeout", cfg.Reaper.StaleTimeout, "Heartbeat age after which the reaper resets a sync. Can also use SYNC_STALE_TIMEOUT env var.")
	f.DurationVar(&cfg.Reaper.Interval, "reap-interval", cfg.Reaper.Interval, "Interval between reaper passes. Can also use SYNC_REAP_INTERVAL env var.")
	f.DurationVar(&cfg.Mail.FullSyncWindow, "full-sync-window", cfg.Mail.FullSyncWindow, "How far back a full sync scans the mailbox. Can also use SYNC_FULL_WINDOW env var.")
	f.IntVar(&cfg.Mail.MaxMessages, "max-messages", cfg.Mail.MaxMessages, "Maximum messages fetched per sync. Can also use SYNC_MAX_MESSAGES env var.")
	f.StringVar(&cfg.GoogleClientID, "google-client-id", "", "Google OAuth Client ID for token refresh. Can also use GOOGLE_CLIENT_ID env var.")
	f.StringVar(&cfg.GoogleClientSecret, "google-client-secret", "", "Google OAuth Client Secret for token refresh. Can also use GOOGLE_CLIENT_SECRET env var.")
}

// loadRuntimeEnv fills every flag that was not set explicitly from its
// environment variable, then validates the result.
func loadRuntimeEnv(cmd *cobra.Command, cfg *runtimeConfig) error {
	envString(cmd, "database-url", "DATABASE_URL", &cfg.DatabaseURL)
	envString(cmd, "nats-url", "NATS_URL", &cfg.NATSURL)
	envString(cmd, "nats-subject-prefix", "NATS_SUBJECT_PREFIX", &cfg.NATSSubjectPrefix)
	envString(cmd, "nats-stream", "NATS_STREAM", &cfg.NATSStream)
	envString(cmd, "google-client-id", "GOOGLE_CLIENT_ID", &cfg.GoogleClientID)
	envString(cmd, "google-client-secret", "GOOGLE_CLIENT_SECRET", &cfg.GoogleClientSecret)

	err := errors.Join(
		envDuration(cmd, "heartbeat-interval", "SYNC_HEARTBEAT_INTERVAL", &cfg.Sync.HeartbeatInterval),
		envDuration(cmd, "liveness-window", "SYNC_LIVENESS_WINDOW", &cfg.Sync.LivenessWindow),
		envDuration(cmd, "max-task-age", "SYNC_MAX_TASK_AGE", &cfg.Sync.MaxTaskAge),
		envDuration(cmd, "stale-timeout", "SYNC_STALE_TIMEOUT", &cfg.Reaper.StaleTimeout),
		envDuration(cmd, "reap-interval", "SYNC_REAP_INTERVAL", &cfg.Reaper.Interval),
		envDuration(cmd, "full-sync-window", "SYNC_FULL_WINDOW", &cfg.Mail.FullSyncWindow),
		envInt(cmd, "max-messages", "SYNC_MAX_MESSAGES", &cfg.Mail.MaxMessages),
	)
	if err != nil {
		return err
	}

	cfg.Reaper.HeartbeatInterval = cfg.Sync.HeartbeatInterval
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabasePath()
	}

	return errors.Join(cfg.Sync.Validate(), cfg.Reaper.Validate(), cfg.Mail.Validate())
}

func envString(cmd *cobra.Command, flag, env string, dst *string) {
	if cmd.Flags().Changed(flag) {
		return
	}
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func envBool(cmd *cobra.Command, flag, env string, dst *bool) error {
	if cmd.Flags().Changed(flag) {
		return nil
	}
	v := os.Getenv(env)
	if v == "" {
		return nil
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s value %q: expected true or false", env, v)
	}
	*dst = parsed
	return nil
}

func envDuration(cmd *cobra.Command, flag, env string, dst *time.Duration) error {
	if cmd.Flags().Changed(flag) {
		return nil
	}
	v := os.Getenv(env)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s value %q: %w", env, v, err)
	}
	*dst = d
	return nil
}

func envInt(cmd *cobra.Command, flag, env string, dst *int) error {
	if cmd.Flags().Changed(flag) {
		return nil
	}
	v := os.Getenv(env)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s value %q: %w", env, v, err)
	}
	*dst = n
	return nil
}

// syncRuntime is the wired sync subsystem of one process.
type syncRuntime struct {
	store      syncstate.Store
	events     events.Publisher
	controller *syncjob.Controller
	reaper     *reaper.Reaper
	monitor    *monitor.Monitor
	logger     *slog.Logger
}

// openRuntime opens the state store and wires controller, reaper and
// monitor around it. metrics may be nil.
func openRuntime(ctx context.Context, cfg runtimeConfig, logger *slog.Logger, metrics *instrumentation.Metrics) (*syncRuntime, error) {
	if logger == nil {
		logger = slog.Default()
	}

	store, index, err := openStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	rt := &syncRuntime{store: store, events: events.NopPublisher{}, logger: logger}
	fail := func(err error) (*syncRuntime, error) {
		_ = rt.close()
		return nil, err
	}

	if cfg.NATSURL != "" {
		pub, err := events.ConnectNATS(ctx, events.NATSConfig{
			URL:           cfg.NATSURL,
			SubjectPrefix: cfg.NATSSubjectPrefix,
			Stream:        cfg.NATSStream,
		}, logging.WithComponent(logger, "events"))
		if err != nil {
			return fail(err)
		}
		rt.events = pub
	}

	sources := &mailsync.GmailSources{
		OAuth:   google.OAuthConfig(cfg.GoogleClientID, cfg.GoogleClientSecret),
		Tokens:  google.NewFileTokenProvider(google.NewTokenStore()),
		Metrics: metrics,
	}
	syncer, err := mailsync.NewSyncer(sources, index, cfg.Mail,
		mailsync.WithLogger(logging.WithComponent(logger, "mailsync")),
		mailsync.WithMetrics(metrics),
	)
	if err != nil {
		return fail(err)
	}

	rt.controller, err = syncjob.NewController(store, syncer,
		syncjob.WithConfig(cfg.Sync),
		syncjob.WithLogger(logging.WithComponent(logger, "syncjob")),
		syncjob.WithMetrics(metrics),
		syncjob.WithEvents(rt.events),
	)
	if err != nil {
		return fail(err)
	}

	rt.reaper, err = reaper.New(store, cfg.Reaper,
		reaper.WithLogger(logging.NewSlogAdapter(logging.WithComponent(logger, "reaper"))),
		reaper.WithMetrics(metrics),
		reaper.WithEvents(rt.events),
	)
	if err != nil {
		return fail(err)
	}

	rt.monitor = monitor.New(store, rt.reaper, cfg.Reaper.StaleTimeout)
	return rt, nil
}

// openStore selects PostgreSQL for postgres:// URLs and SQLite otherwise.
// The message index lives in the same database.
func openStore(ctx context.Context, url string) (syncstate.Store, mailsync.Index, error) {
	if syncstate.IsPostgresURL(url) {
		store, err := syncstate.OpenPostgres(ctx, url)
		if err != nil {
			return nil, nil, err
		}
		index, err := mailsync.NewPostgresIndex(ctx, store.Pool())
		if err != nil {
			_ = store.Close()
			return nil, nil, err
		}
		return store, index, nil
	}

	store, err := syncstate.OpenSQLite(ctx, url)
	if err != nil {
		return nil, nil, err
	}
	index, err := mailsync.NewSQLiteIndex(ctx, store.DB())
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return store, index, nil
}

// shutdown interrupts the jobs this process owns, then closes events and
// the store.
func (rt *syncRuntime) shutdown(ctx context.Context) error {
	var errs []error
	if rt.controller != nil {
		if err := rt.controller.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("controller shutdown: %w", err))
		}
	}
	if err := rt.close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (rt *syncRuntime) close() error {
	return errors.Join(rt.events.Close(), rt.store.Close())
}
