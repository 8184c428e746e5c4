package mailsync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/oauth2"

	"github.com/teemow/inboxsync/internal/google"
)

func TestGmailSourcesRequireToken(t *testing.T) {
	sources := &GmailSources{
		OAuth:  &oauth2.Config{ClientID: "id", ClientSecret: "secret"},
		Tokens: google.NewFileTokenProvider(&google.TokenStore{Dir: t.TempDir()}),
	}

	_, err := sources.ForUser(context.Background(), "ada@example.com")
	assert.ErrorIs(t, err, google.ErrNoToken)
}
