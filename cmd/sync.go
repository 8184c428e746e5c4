package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/teemow/inboxsync/internal/logging"
	"github.com/teemow/inboxsync/internal/server"
	"github.com/teemow/inboxsync/internal/syncjob"
)

func newSyncCmd() *cobra.Command {
	var (
		forceFull    bool
		noWait       bool
		pollInterval time.Duration
		debug        bool
		cfg          = defaultRuntimeConfig()
	)

	cmd := &cobra.Command{
		Use:   "sync <user-id>",
		Short: "Run a mailbox sync for one user in this process",
		Long: `Start a mailbox sync for one user and wait for it to finish.

If another process already runs a live sync for the user, its task is
followed instead of starting a second one. Interrupting the command marks a
sync started here as interrupted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := loadRuntimeEnv(cmd, &cfg); err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			logger := newLogger(debug)
			rt, err := openRuntime(ctx, cfg, logger, nil)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), server.DefaultShutdownTimeout)
				defer cancel()
				if err := rt.shutdown(shutdownCtx); err != nil {
					logger.Warn("sync runtime shutdown failed", logging.Err(err))
				}
			}()

			res, err := rt.controller.Start(ctx, args[0], forceFull)
			if err != nil {
				return fmt.Errorf("failed to start sync: %w", err)
			}
			if res.Reused {
				logger.Info("joined running sync", logging.TaskID(res.TaskID))
			}
			if noWait {
				return printJSON(cmd.OutOrStdout(), res)
			}

			p, err := waitForTask(ctx, rt.controller, res.TaskID, pollInterval)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), p); err != nil {
				return err
			}
			if p.Error != nil {
				return fmt.Errorf("sync failed: %s", *p.Error)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&forceFull, "force-full", false, "Ignore the incremental cursor and rescan the full sync window")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "Print the task ID and return without waiting")
	cmd.Flags().DurationVar(&pollInterval, "poll-interval", time.Second, "Interval between progress polls")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")
	addRuntimeFlags(cmd, &cfg)

	return cmd
}

// progressGetter is the polling half of server.SyncService.
type progressGetter interface {
	GetProgress(ctx context.Context, taskID string) (syncjob.Progress, error)
}

// waitForTask polls taskID until it is no longer running.
func waitForTask(ctx context.Context, sync progressGetter, taskID string, interval time.Duration) (syncjob.Progress, error) {
	if interval <= 0 {
		return syncjob.Progress{}, errors.New("poll interval must be positive")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		p, err := sync.GetProgress(ctx, taskID)
		if err != nil {
			return syncjob.Progress{}, fmt.Errorf("failed to get progress: %w", err)
		}
		if !p.IsRunning {
			return p, nil
		}

		select {
		case <-ctx.Done():
			return p, ctx.Err()
		case <-ticker.C:
		}
	}
}
