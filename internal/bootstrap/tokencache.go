package bootstrap

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wisbric/agentctl/pkg/identity"
)

// TokenCache mints machine tokens for one bootstrapped client via C2's
// client-credentials grant and caches the result until exp-60s, per spec
// §4.2 step 4 ("cache them until exp − 60s").
type TokenCache struct {
	mu       sync.Mutex
	identity *identity.Service
	creds    Credentials

	token     string
	expiresAt time.Time
}

// NewTokenCache creates a cache for the given bootstrapped credentials.
func NewTokenCache(identitySvc *identity.Service, creds Credentials) *TokenCache {
	return &TokenCache{identity: identitySvc, creds: creds}
}

// Token returns a cached machine token, minting a fresh one if the cached
// token is within 60s of expiry or absent.
func (c *TokenCache) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.expiresAt.Add(-60*time.Second)) {
		return c.token, nil
	}

	resp, err := c.identity.MintToken(ctx, identity.TokenRequest{
		GrantType:    "client_credentials",
		ClientID:     c.creds.ClientID,
		ClientSecret: c.creds.ClientSecret,
	})
	if err != nil {
		return "", fmt.Errorf("minting machine token: %w", err)
	}

	c.token = resp.AccessToken
	c.expiresAt = resp.ExpiresAt
	return c.token, nil
}
