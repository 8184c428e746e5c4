package google

import (
	"context"

	"golang.org/x/oauth2"
)

// TokenProvider is an interface for providing OAuth tokens for Google APIs.
type TokenProvider interface {
	// GetTokenForAccount retrieves an OAuth token for the specified account
	GetTokenForAccount(ctx context.Context, account string) (*oauth2.Token, error)

	// HasTokenForAccount checks if a token exists for the specified account
	HasTokenForAccount(account string) bool
}

// FileTokenProvider provides tokens from a TokenStore.
type FileTokenProvider struct {
	store *TokenStore
}

// NewFileTokenProvider creates a new file-based token provider. A nil store
// uses the default cache directory.
func NewFileTokenProvider(store *TokenStore) *FileTokenProvider {
	if store == nil {
		store = NewTokenStore()
	}
	return &FileTokenProvider{store: store}
}

func (p *FileTokenProvider) GetTokenForAccount(_ context.Context, account string) (*oauth2.Token, error) {
	return p.store.Load(account)
}

func (p *FileTokenProvider) HasTokenForAccount(account string) bool {
	return p.store.Has(account)
}
