package remote

import (
	"sync"

	"golang.org/x/oauth2"
)

// Credentials holds the bearer token supplied by the external auth
// collaborator. It is safe for concurrent use; Set swaps the token in place
// so in-flight clients pick it up on their next request.
type Credentials struct {
	mu  sync.RWMutex
	tok *oauth2.Token
}

var _ oauth2.TokenSource = (*Credentials)(nil)

// NewCredentials creates a holder, optionally seeded with tok.
func NewCredentials(tok *oauth2.Token) *Credentials {
	return &Credentials{tok: tok}
}

// Set replaces the current token.
func (c *Credentials) Set(tok *oauth2.Token) {
	c.mu.Lock()
	c.tok = tok
	c.mu.Unlock()
}

// Token implements oauth2.TokenSource. It fails with ErrUnauthorized when no
// valid token is present; refreshing is the collaborator's job.
func (c *Credentials) Token() (*oauth2.Token, error) {
	c.mu.RLock()
	tok := c.tok
	c.mu.RUnlock()
	if !tok.Valid() {
		return nil, &Error{Kind: ErrUnauthorized, Msg: "no valid access token"}
	}
	return tok, nil
}
