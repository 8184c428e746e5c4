package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command for the inboxsync application
var rootCmd = &cobra.Command{
	Use:   "inboxsync",
	Short: "Runs background mailbox syncs for the email assistant",
	Long: `inboxsync runs mailbox syncs as background jobs. At most one sync runs
per user, a running sync proves it is alive with heartbeats, and a reaper
resets syncs whose heartbeat has gone silent.

It can run as:
  - An MCP and REST server that starts and monitors syncs (serve)
  - A CLI that runs a single sync or inspects the sync state`,
	SilenceUsage: true,
}

// version will be set by main
var version = "dev"

// SetVersion sets the version for the root command
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

// Execute is the main entry point for the CLI application
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "inboxsync version %s\n" .Version}}`)

	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newSyncCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newCleanupCmd())
	rootCmd.AddCommand(newGenerateDocsCmd())
	rootCmd.AddCommand(newVersionCmd())
}
