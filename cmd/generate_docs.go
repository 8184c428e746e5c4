package cmd

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/teemow/inboxsync/internal/monitor"
	"github.com/teemow/inboxsync/internal/reaper"
	"github.com/teemow/inboxsync/internal/server"
	"github.com/teemow/inboxsync/internal/syncjob"
	"github.com/teemow/inboxsync/internal/tools/sync_tools"
)

func newGenerateDocsCmd() *cobra.Command {
	var outputFile string

	cmd := &cobra.Command{
		Use:   "generate-docs",
		Short: "Generate MCP tool documentation",
		Long: `Generate markdown documentation for the MCP tools. The tools are
registered against a stub server context, write operations included, and
rendered from their definitions.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenerateDocs(outputFile)
		},
	}

	cmd.Flags().StringVarP(&outputFile, "output", "o", "", "Output file (default: stdout)")

	return cmd
}

var errDocsOnly = errors.New("not available while generating docs")

// docsSync and docsHealth back the server context used for introspection.
// Tool handlers are never called.
type docsSync struct{}

func (docsSync) Start(context.Context, string, bool) (syncjob.StartResult, error) {
	return syncjob.StartResult{}, errDocsOnly
}

func (docsSync) GetProgress(context.Context, string) (syncjob.Progress, error) {
	return syncjob.Progress{}, errDocsOnly
}

func (docsSync) Cancel(context.Context, string) error { return errDocsOnly }

type docsHealth struct{}

func (docsHealth) GetHealth(context.Context) monitor.Health {
	return monitor.Health{Status: monitor.StatusUnknown}
}

func (docsHealth) UserDetail(context.Context, string) (monitor.UserStatus, error) {
	return monitor.UserStatus{}, errDocsOnly
}

func (docsHealth) TriggerCleanup(context.Context) (reaper.Result, error) {
	return reaper.Result{}, errDocsOnly
}

func (docsHealth) Ping(context.Context) error { return errDocsOnly }

// listDocumentedTools registers every tool, write operations included, and
// returns their definitions.
func listDocumentedTools() ([]mcp.Tool, error) {
	serverContext, err := server.NewServerContext(context.Background(), docsSync{}, docsHealth{})
	if err != nil {
		return nil, fmt.Errorf("failed to create server context: %w", err)
	}
	defer func() {
		_ = serverContext.Shutdown()
	}()

	mcpSrv := mcpserver.NewMCPServer("inboxsync", version,
		mcpserver.WithToolCapabilities(true),
	)
	if err := sync_tools.RegisterSyncTools(mcpSrv, serverContext, false); err != nil {
		return nil, fmt.Errorf("failed to register Sync tools: %w", err)
	}

	serverTools := mcpSrv.ListTools()
	tools := make([]mcp.Tool, 0, len(serverTools))
	for _, serverTool := range serverTools {
		tools = append(tools, serverTool.Tool)
	}
	return tools, nil
}

func runGenerateDocs(outputFile string) error {
	tools, err := listDocumentedTools()
	if err != nil {
		return err
	}
	markdown := generateToolsMarkdown(tools)

	if outputFile == "" {
		fmt.Print(markdown)
		return nil
	}
	if err := os.WriteFile(outputFile, []byte(markdown), 0o644); err != nil {
		return fmt.Errorf("failed to write output file: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Documentation written to: %s\n", outputFile)
	return nil
}

const docsPreamble = `# MCP Tools Reference

Tools exposed by ` + "`inboxsync serve`" + `. Generated from the registered tool
definitions with ` + "`inboxsync generate-docs`" + `.

`

const docsReadOnlyNote = `## Read-Only Mode

The server starts read-only. ` + "`sync_cancel`" + ` and ` + "`sync_trigger_cleanup`" + ` are only registered when it runs with ` + "`--yolo`" + `.

`

func generateToolsMarkdown(tools []mcp.Tool) string {
	byCategory := make(map[string][]mcp.Tool)
	for _, tool := range tools {
		category := getCategoryFromToolName(tool.Name)
		byCategory[category] = append(byCategory[category], tool)
	}
	categories := slices.Sorted(maps.Keys(byCategory))

	var sb strings.Builder
	sb.WriteString(docsPreamble)

	sb.WriteString("## Table of Contents\n\n")
	for _, category := range categories {
		anchor := strings.ToLower(strings.ReplaceAll(category, " ", "-"))
		fmt.Fprintf(&sb, "- [%s](#%s)\n", category, anchor)
	}
	sb.WriteString("\n")
	sb.WriteString(docsReadOnlyNote)

	for _, category := range categories {
		fmt.Fprintf(&sb, "## %s\n\n", category)
		group := byCategory[category]
		slices.SortFunc(group, func(a, b mcp.Tool) int { return strings.Compare(a.Name, b.Name) })
		for _, tool := range group {
			sb.WriteString(generateToolMarkdown(tool))
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

func getCategoryFromToolName(name string) string {
	prefix, _, _ := strings.Cut(name, "_")
	switch prefix {
	case "sync":
		return "Sync Tools"
	default:
		return "Other"
	}
}

func generateToolMarkdown(tool mcp.Tool) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "### %s\n\n", tool.Name)
	if tool.Description != "" {
		fmt.Fprintf(&sb, "%s\n\n", tool.Description)
	}

	if len(tool.InputSchema.Properties) == 0 {
		sb.WriteString("_No arguments._\n")
		return sb.String()
	}

	sb.WriteString("**Arguments:**\n")
	for _, name := range slices.Sorted(maps.Keys(tool.InputSchema.Properties)) {
		propMap, ok := tool.InputSchema.Properties[name].(map[string]any)
		if !ok {
			continue
		}

		requiredStr := "optional"
		if slices.Contains(tool.InputSchema.Required, name) {
			requiredStr = "required"
		}

		desc, _ := propMap["description"].(string)
		if desc == "" {
			desc = "No description."
		}
		fmt.Fprintf(&sb, "- `%s` (%s, %s): %s\n", name, getPropertyType(propMap), requiredStr, desc)
	}
	sb.WriteString("\n")

	return sb.String()
}

func getPropertyType(prop map[string]any) string {
	if t, ok := prop["type"].(string); ok {
		return t
	}
	return "any"
}
