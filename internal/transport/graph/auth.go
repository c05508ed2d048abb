package graph

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/semaphore"

	"github.com/shineum/mail-relay/internal/config"
)

const graphScope = "https://graph.microsoft.com/.default"

// authClients fetches OAuth2 client-credentials tokens and keeps the last
// one until shortly before it expires or the credentials change. Fetches
// run on the caller's context, so a delivery deadline also bounds the
// token request.
type authClients struct {
	// tokenURL is a format string taking the tenant id.
	tokenURL string
	base     *http.Client

	// fetch admits one token request at a time; waiters give up when
	// their context ends.
	fetch *semaphore.Weighted

	mu    sync.Mutex
	token *oauth2.Token
	of    config.GraphOptions
}

func newAuthClients(tokenURL string, base *http.Client) *authClients {
	return &authClients{tokenURL: tokenURL, base: base, fetch: semaphore.NewWeighted(1)}
}

// cached returns the stored token when it is still valid for o.
func (a *authClients) cached(o config.GraphOptions) *oauth2.Token {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.token != nil && a.of == o && a.token.Valid() {
		return a.token
	}
	return nil
}

// get returns a valid access token for o.
func (a *authClients) get(ctx context.Context, o config.GraphOptions) (*oauth2.Token, error) {
	if tok := a.cached(o); tok != nil {
		return tok, nil
	}

	if err := a.fetch.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer a.fetch.Release(1)

	// Another caller may have refreshed it while we waited.
	if tok := a.cached(o); tok != nil {
		return tok, nil
	}

	cc := &clientcredentials.Config{
		ClientID:     o.ClientID,
		ClientSecret: o.ClientSecret,
		TokenURL:     fmt.Sprintf(a.tokenURL, o.TenantID),
		Scopes:       []string{graphScope},
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	tok, err := cc.Token(context.WithValue(ctx, oauth2.HTTPClient, a.base))
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.token, a.of = tok, o
	a.mu.Unlock()
	return tok, nil
}
