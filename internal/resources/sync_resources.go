package resources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/teemow/inboxsync/internal/monitor"
	"github.com/teemow/inboxsync/internal/server"
)

const (
	HealthURI       = "sync://health"
	userURIPrefix   = "sync://users/"
	UserURITemplate = userURIPrefix + "{user_id}"
)

// RegisterSyncResources registers the health resource and the per-user
// status template.
func RegisterSyncResources(s *mcpserver.MCPServer, sc *server.ServerContext) error {
	if s == nil {
		return errors.New("mcp server is required")
	}

	healthResource := mcp.NewResource(
		HealthURI,
		"Sync Health",
		mcp.WithResourceDescription("Number of running syncs and of syncs whose heartbeat has gone silent"),
		mcp.WithMIMEType("application/json"),
	)
	s.AddResource(healthResource, func(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		return handleHealth(ctx, request, sc.Health())
	})

	userTemplate := mcp.NewResourceTemplate(
		UserURITemplate,
		"User Sync Status",
		mcp.WithTemplateDescription("Sync status of one user, including heartbeat age"),
		mcp.WithTemplateMIMEType("application/json"),
	)
	s.AddResourceTemplate(userTemplate, func(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		return handleUserStatus(ctx, request, sc.Health())
	})

	return nil
}

func handleHealth(ctx context.Context, request mcp.ReadResourceRequest, health server.HealthService) ([]mcp.ResourceContents, error) {
	report := health.GetHealth(ctx)
	if report.Status == monitor.StatusUnknown {
		return nil, errors.New("sync health is unknown: sync state storage is unavailable")
	}
	return jsonContents(request.Params.URI, report)
}

func handleUserStatus(ctx context.Context, request mcp.ReadResourceRequest, health server.HealthService) ([]mcp.ResourceContents, error) {
	userID, err := userFromURI(request.Params.URI)
	if err != nil {
		return nil, err
	}

	st, err := health.UserDetail(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get sync status: %w", err)
	}
	return jsonContents(request.Params.URI, st)
}

// userFromURI extracts the path-escaped user ID from sync://users/{user_id}.
func userFromURI(uri string) (string, error) {
	raw, ok := strings.CutPrefix(uri, userURIPrefix)
	if !ok || raw == "" {
		return "", fmt.Errorf("invalid user resource URI: %s", uri)
	}
	userID, err := url.PathUnescape(raw)
	if err != nil {
		return "", fmt.Errorf("invalid user resource URI: %w", err)
	}
	return userID, nil
}

func jsonContents(uri string, v any) ([]mcp.ResourceContents, error) {
	jsonData, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal resource data: %w", err)
	}

	return []mcp.ResourceContents{
		&mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(jsonData),
		},
	}, nil
}
