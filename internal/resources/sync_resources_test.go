package resources

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teemow/inboxsync/internal/monitor"
	"github.com/teemow/inboxsync/internal/reaper"
	"github.com/teemow/inboxsync/internal/server"
	"github.com/teemow/inboxsync/internal/syncjob"
	"github.com/teemow/inboxsync/internal/syncstate"
)

type stubSync struct{}

func (stubSync) Start(context.Context, string, bool) (syncjob.StartResult, error) {
	return syncjob.StartResult{}, nil
}

func (stubSync) GetProgress(context.Context, string) (syncjob.Progress, error) {
	return syncjob.Progress{}, nil
}

func (stubSync) Cancel(context.Context, string) error { return nil }

type stubHealth struct {
	health    monitor.Health
	users     map[string]monitor.UserStatus
	askedUser string
}

func (s *stubHealth) GetHealth(context.Context) monitor.Health { return s.health }

func (s *stubHealth) UserDetail(_ context.Context, userID string) (monitor.UserStatus, error) {
	s.askedUser = userID
	st, ok := s.users[userID]
	if !ok {
		return monitor.UserStatus{}, syncstate.ErrNotFound
	}
	return st, nil
}

func (s *stubHealth) TriggerCleanup(context.Context) (reaper.Result, error) {
	return reaper.Result{}, nil
}

func (s *stubHealth) Ping(context.Context) error { return nil }

func readRequest(uri string) mcp.ReadResourceRequest {
	var req mcp.ReadResourceRequest
	req.Params.URI = uri
	return req
}

func TestHandleHealth(t *testing.T) {
	t.Run("healthy report", func(t *testing.T) {
		h := &stubHealth{health: monitor.Health{Status: monitor.StatusHealthy, RunningCount: 2}}

		contents, err := handleHealth(context.Background(), readRequest(HealthURI), h)
		require.NoError(t, err)
		require.Len(t, contents, 1)

		text, ok := contents[0].(*mcp.TextResourceContents)
		require.True(t, ok)
		assert.Equal(t, HealthURI, text.URI)
		assert.Equal(t, "application/json", text.MIMEType)

		var got monitor.Health
		require.NoError(t, json.Unmarshal([]byte(text.Text), &got))
		assert.Equal(t, monitor.StatusHealthy, got.Status)
		assert.Equal(t, 2, got.RunningCount)
	})

	t.Run("unknown status is an error", func(t *testing.T) {
		h := &stubHealth{health: monitor.Health{Status: monitor.StatusUnknown}}

		_, err := handleHealth(context.Background(), readRequest(HealthURI), h)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unavailable")
	})
}

func TestHandleUserStatus(t *testing.T) {
	h := &stubHealth{users: map[string]monitor.UserStatus{
		"alice@example.com": {
			Progress: syncjob.Progress{UserID: "alice@example.com", State: "running", IsRunning: true},
			Stale:    true,
		},
	}}

	t.Run("escaped user ID", func(t *testing.T) {
		uri := "sync://users/alice%40example.com"
		contents, err := handleUserStatus(context.Background(), readRequest(uri), h)
		require.NoError(t, err)
		assert.Equal(t, "alice@example.com", h.askedUser)

		text := contents[0].(*mcp.TextResourceContents)
		assert.Equal(t, uri, text.URI)

		var got map[string]any
		require.NoError(t, json.Unmarshal([]byte(text.Text), &got))
		assert.Equal(t, "running", got["state"])
		assert.Equal(t, true, got["stale"])
	})

	t.Run("unknown user", func(t *testing.T) {
		_, err := handleUserStatus(context.Background(), readRequest("sync://users/bob"), h)
		require.Error(t, err)
		assert.ErrorIs(t, err, syncstate.ErrNotFound)
	})
}

func TestUserFromURI(t *testing.T) {
	tests := []struct {
		name    string
		uri     string
		want    string
		wantErr bool
	}{
		{name: "plain", uri: "sync://users/alice", want: "alice"},
		{name: "escaped", uri: "sync://users/a%2Fb", want: "a/b"},
		{name: "missing user", uri: "sync://users/", wantErr: true},
		{name: "wrong scheme", uri: "user://profile", wantErr: true},
		{name: "bad escape", uri: "sync://users/%zz", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := userFromURI(tt.uri)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRegisterSyncResources(t *testing.T) {
	sc, err := server.NewServerContext(context.Background(), stubSync{}, &stubHealth{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sc.Shutdown() })

	assert.Error(t, RegisterSyncResources(nil, sc))

	s := mcpserver.NewMCPServer("test", "1.0.0", mcpserver.WithResourceCapabilities(false, false))
	assert.NoError(t, RegisterSyncResources(s, sc))
}
