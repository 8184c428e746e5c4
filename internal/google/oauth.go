package google

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"
)

// Scopes are the OAuth scopes the sync executor needs.
var Scopes = []string{gmail.GmailReadonlyScope}

// ErrNoToken is returned when no token file exists for an account.
var ErrNoToken = errors.New("no Google OAuth token found")

var accountNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9@._+-]*$`)

// validateAccountName rejects names that cannot be used as part of a file name.
func validateAccountName(account string) error {
	if account == "" {
		return errors.New("account name cannot be empty")
	}
	if !accountNamePattern.MatchString(account) || strings.Contains(account, "..") {
		return fmt.Errorf("invalid account name %q: use letters, digits and @ . _ + -", account)
	}
	return nil
}

// OAuthConfig returns the Gmail OAuth client configuration. Without a client
// ID and secret, stored access tokens still work until they expire but
// cannot be refreshed.
func OAuthConfig(clientID, clientSecret string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       Scopes,
	}
}

// OAuthConfigFromEnv builds the OAuth client configuration from
// GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET.
func OAuthConfigFromEnv() (*oauth2.Config, error) {
	id := os.Getenv("GOOGLE_CLIENT_ID")
	secret := os.Getenv("GOOGLE_CLIENT_SECRET")
	if id == "" || secret == "" {
		return nil, errors.New("GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET must be set")
	}
	return OAuthConfig(id, secret), nil
}

// TokenStore reads and writes per-account token files in Dir.
type TokenStore struct {
	Dir string
}

// NewTokenStore returns a store rooted at the inboxsync cache directory.
func NewTokenStore() *TokenStore {
	return &TokenStore{Dir: CacheDir()}
}

// Path returns the token file for account.
func (s *TokenStore) Path(account string) string {
	return filepath.Join(s.Dir, "google-"+account+".token")
}

// Has reports whether a token file exists for account.
func (s *TokenStore) Has(account string) bool {
	if validateAccountName(account) != nil {
		return false
	}
	_, err := os.Stat(s.Path(account))
	return err == nil
}

// Load reads the token of account. The file holds the access token and the
// refresh token separated by a space. The access token is treated as expired
// so the first use refreshes it.
func (s *TokenStore) Load(account string) (*oauth2.Token, error) {
	if err := validateAccountName(account); err != nil {
		return nil, err
	}

	slurp, err := os.ReadFile(s.Path(account))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w for account %s", ErrNoToken, account)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}

	f := strings.Fields(strings.TrimSpace(string(slurp)))
	if len(f) != 2 {
		return nil, fmt.Errorf("invalid token format in %s", s.Path(account))
	}
	return &oauth2.Token{
		AccessToken:  f[0],
		TokenType:    "Bearer",
		RefreshToken: f[1],
		Expiry:       time.Unix(1, 0),
	}, nil
}

// Save writes the token of account, creating the directory if needed.
func (s *TokenStore) Save(account string, t *oauth2.Token) error {
	if err := validateAccountName(account); err != nil {
		return err
	}
	if t.RefreshToken == "" {
		return errors.New("token has no refresh token")
	}
	if err := os.MkdirAll(s.Dir, 0o700); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	tokenData := t.AccessToken + " " + t.RefreshToken
	if err := os.WriteFile(s.Path(account), []byte(tokenData), 0o600); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	return nil
}

// HTTPClient returns an HTTP client authenticated as account. The client is
// configured to use HTTP/1.1 to avoid HTTP/2 protocol errors.
func HTTPClient(ctx context.Context, conf *oauth2.Config, provider TokenProvider, account string) (*http.Client, error) {
	tok, err := provider.GetTokenForAccount(ctx, account)
	if err != nil {
		return nil, err
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, &http.Client{
		Transport: &http.Transport{ForceAttemptHTTP2: false},
	})
	return oauth2.NewClient(ctx, conf.TokenSource(ctx, tok)), nil
}

// CacheDir is the inboxsync directory for tokens and the default database.
func CacheDir() string {
	return filepath.Join(userCacheDir(), "inboxsync")
}

func userCacheDir() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Caches")
	case "windows":
		for _, ev := range []string{"TEMP", "TMP"} {
			if v := os.Getenv(ev); v != "" {
				return v
			}
		}
		return os.TempDir()
	}
	if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
		return xdg
	}
	return filepath.Join(homeDir(), ".cache")
}

func homeDir() string {
	if runtime.GOOS == "windows" {
		return os.Getenv("HOMEDRIVE") + os.Getenv("HOMEPATH")
	}
	return os.Getenv("HOME")
}
