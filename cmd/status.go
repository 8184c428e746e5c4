package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teemow/inboxsync/internal/logging"
	"github.com/teemow/inboxsync/internal/monitor"
	"github.com/teemow/inboxsync/internal/server"
)

func newStatusCmd() *cobra.Command {
	cfg := defaultRuntimeConfig()

	cmd := &cobra.Command{
		Use:   "status [user-id]",
		Short: "Show sync health, or the sync status of one user",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := loadRuntimeEnv(cmd, &cfg); err != nil {
				return err
			}
			return withRuntime(cmd.Context(), cfg, func(rt *syncRuntime) error {
				if len(args) == 1 {
					st, err := rt.monitor.UserDetail(cmd.Context(), args[0])
					if err != nil {
						return fmt.Errorf("failed to get sync status: %w", err)
					}
					return printJSON(cmd.OutOrStdout(), st)
				}

				report := rt.monitor.GetHealth(cmd.Context())
				if err := printJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
				if report.Status == monitor.StatusUnknown {
					return fmt.Errorf("sync health is unknown: %s", report.Error)
				}
				return nil
			})
		},
	}

	addRuntimeFlags(cmd, &cfg)
	return cmd
}

// withRuntime opens a runtime for a one-shot command and closes it after fn.
func withRuntime(ctx context.Context, cfg runtimeConfig, fn func(rt *syncRuntime) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := newLogger(false)

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

	return fn(rt)
}
