// Package registry implements the deployment pipeline's passive container
// registry lookup: confirming a built tag exists and reading the
// architectures covered by its manifest, per spec.md §4.4 step 3. The
// registry is never pushed to from this process.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/wisbric/agentctl/pkg/deployment"
)

// Client queries a registry's tag-manifest API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// New creates a registry Client pointed at the target registry's API.
func New(baseURL, apiKey string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
		apiKey:     apiKey,
	}
}

var _ deployment.RegistryClient = (*Client)(nil)

type manifestResponse struct {
	Architectures []string `json:"architectures"`
}

// InspectTag returns the architectures covered by imageTag's manifest, or
// an error if the tag does not exist.
func (c *Client) InspectTag(ctx context.Context, imageTag string) ([]string, error) {
	url := fmt.Sprintf("%s/manifests/%s", c.baseURL, imageTag)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building manifest request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("querying registry manifest: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("image tag %q not found in registry", imageTag)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry manifest lookup returned HTTP %d", resp.StatusCode)
	}

	var result manifestResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding manifest response: %w", err)
	}
	return result.Architectures, nil
}
