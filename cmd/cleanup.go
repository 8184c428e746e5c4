package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCleanupCmd() *cobra.Command {
	cfg := defaultRuntimeConfig()

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Run one zombie reaper pass",
		Long: `Reset every sync whose heartbeat is older than the stale timeout.

The pass is the same one the server's background reaper runs. Each reset
sync ends with a heartbeat-timeout error and can be started again.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := loadRuntimeEnv(cmd, &cfg); err != nil {
				return err
			}
			return withRuntime(cmd.Context(), cfg, func(rt *syncRuntime) error {
				res, err := rt.monitor.TriggerCleanup(cmd.Context())
				if err != nil {
					return fmt.Errorf("cleanup failed: %w", err)
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}

	addRuntimeFlags(cmd, &cfg)
	return cmd
}
