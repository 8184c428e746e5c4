// Package cmd implements the command-line interface for inboxsync.
//
// This package provides the following commands:
//   - serve: Start the MCP and REST server with the background reaper
//   - sync: Run one user's sync in this process and wait for it
//   - status: Show sync health or one user's sync status
//   - cleanup: Run one zombie reaper pass
//   - generate-docs: Generate markdown documentation for all MCP tools
//   - version: Display version information
//
// Every command that touches the sync state shares the storage, event and
// timing flags. Each flag falls back to an environment variable when it is
// not set on the command line.
package cmd
