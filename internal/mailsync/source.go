package mailsync

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
	"google.golang.org/api/option"

	"github.com/teemow/inboxsync/internal/gmail"
	"github.com/teemow/inboxsync/internal/google"
	"github.com/teemow/inboxsync/internal/instrumentation"
)

// Source lists and fetches one mailbox's messages.
type Source interface {
	ListMessageIDs(ctx context.Context, query string, maxResults int) ([]string, error)
	GetMessageMeta(ctx context.Context, id string) (*gmail.Message, error)
}

// SourceFactory opens the mailbox of a sync user.
type SourceFactory interface {
	ForUser(ctx context.Context, userID string) (Source, error)
}

// GmailSources opens Gmail mailboxes using per-account OAuth tokens. The
// sync user ID is the token account name.
type GmailSources struct {
	OAuth   *oauth2.Config
	Tokens  google.TokenProvider
	Metrics *instrumentation.Metrics
}

func (g *GmailSources) ForUser(ctx context.Context, userID string) (Source, error) {
	httpClient, err := google.HTTPClient(ctx, g.OAuth, g.Tokens, userID)
	if err != nil {
		return nil, fmt.Errorf("no usable Google credentials: %w", err)
	}
	client, err := gmail.NewClient(ctx, userID, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, err
	}
	return client.WithMetrics(g.Metrics), nil
}
