// Package google provides OAuth2 credentials for the Gmail API.
//
// Tokens are provisioned out of band and stored as one file per account in
// the inboxsync cache directory. The sync executor asks the TokenProvider for
// the account matching a sync user and builds an authenticated HTTP client
// from it; an expired access token is refreshed with the stored refresh token.
package google
