package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ProviderTokens is the raw token pair handed back by the external identity
// provider on a successful register/login call. It is proxied to the caller
// unchanged, per spec — this repo never mints user tokens itself.
type ProviderTokens struct {
	UserID       string `json:"user_id"`
	Email        string `json:"email"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// ProviderClient calls the external identity provider. Register/Login are
// proxied verbatim; this repo never implements signup or credential storage
// for user accounts itself (out of scope, see spec non-goals).
type ProviderClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// NewProviderClient creates a client for the external identity provider with
// a 10-second timeout, mirroring the teacher's external-API client shape.
func NewProviderClient(baseURL, apiKey string) *ProviderClient {
	return &ProviderClient{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
		apiKey:     apiKey,
	}
}

// Register proxies a registration call to the identity provider.
func (c *ProviderClient) Register(ctx context.Context, email, password, displayName string) (ProviderTokens, error) {
	return c.call(ctx, "/register", map[string]string{
		"email":        email,
		"password":     password,
		"display_name": displayName,
	})
}

// Login proxies a login call to the identity provider.
func (c *ProviderClient) Login(ctx context.Context, email, password string) (ProviderTokens, error) {
	return c.call(ctx, "/login", map[string]string{
		"email":    email,
		"password": password,
	})
}

func (c *ProviderClient) call(ctx context.Context, path string, body map[string]string) (ProviderTokens, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return ProviderTokens{}, fmt.Errorf("marshalling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return ProviderTokens{}, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ProviderTokens{}, fmt.Errorf("calling identity provider: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		return ProviderTokens{}, fmt.Errorf("identity provider returned HTTP %d", resp.StatusCode)
	}

	var tokens ProviderTokens
	if err := json.NewDecoder(resp.Body).Decode(&tokens); err != nil {
		return ProviderTokens{}, fmt.Errorf("decoding response: %w", err)
	}
	return tokens, nil
}
