// Package serverless implements the serverless DeployStrategy: it creates
// a serverless service pointing at the built image and waits for the
// platform to report readiness.
package serverless

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/wisbric/agentctl/pkg/deployment"
)

// Strategy creates serverless services on a managed serverless platform.
type Strategy struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// New creates a serverless Strategy pointed at the target platform's API.
func New(baseURL, apiKey string) *Strategy {
	return &Strategy{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
		apiKey:     apiKey,
	}
}

func (s *Strategy) Name() deployment.DeployStrategyKind { return deployment.DeployStrategyServerless }

type deployConfig struct {
	Concurrency int `json:"concurrency"`
	MinReplicas int `json:"min_replicas"`
	MaxReplicas int `json:"max_replicas"`
}

type createServiceRequest struct {
	Name        string `json:"name"`
	Image       string `json:"image"`
	Port        int    `json:"port"`
	Concurrency int    `json:"concurrency"`
	MinReplicas int    `json:"min_replicas"`
	MaxReplicas int    `json:"max_replicas"`
}

// Submit creates (or idempotently re-attaches to) a serverless service
// named job.ServiceName, listening on container port 8080.
func (s *Strategy) Submit(ctx context.Context, job deployment.DeployJob) (string, error) {
	var cfg deployConfig
	if len(job.Config) > 0 {
		if err := json.Unmarshal(job.Config, &cfg); err != nil {
			return "", fmt.Errorf("parsing deploy config: %w", err)
		}
	}
	if cfg.MaxReplicas == 0 {
		cfg.MaxReplicas = 1
	}

	body, err := json.Marshal(createServiceRequest{
		Name:        job.ServiceName,
		Image:       job.ImageTag,
		Port:        8080,
		Concurrency: cfg.Concurrency,
		MinReplicas: cfg.MinReplicas,
		MaxReplicas: cfg.MaxReplicas,
	})
	if err != nil {
		return "", fmt.Errorf("marshalling create-service request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/services", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building create-service request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("creating serverless service: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// 409 means the service already exists; treat as success and re-attach
	// using the natural name as the external reference.
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusConflict && resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("serverless create-service returned HTTP %d", resp.StatusCode)
	}
	return job.ServiceName, nil
}

type serviceStatusResponse struct {
	Ready bool   `json:"ready"`
	URL   string `json:"url"`
}

// Poll queries the service's readiness and public URL.
func (s *Strategy) Poll(ctx context.Context, serviceName string) (deployment.StageStatus, string, error) {
	url := fmt.Sprintf("%s/services/%s", s.baseURL, serviceName)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", "", fmt.Errorf("building poll request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("polling serverless service: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return deployment.StageStatusPending, "", nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("serverless poll returned HTTP %d", resp.StatusCode)
	}

	var result serviceStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", "", fmt.Errorf("decoding poll response: %w", err)
	}
	if result.Ready {
		return deployment.StageStatusReady, result.URL, nil
	}
	return deployment.StageStatusRunning, "", nil
}

// Teardown deletes the serverless service.
func (s *Strategy) Teardown(ctx context.Context, serviceName string) error {
	url := fmt.Sprintf("%s/services/%s", s.baseURL, serviceName)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return fmt.Errorf("building teardown request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("tearing down serverless service: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("serverless teardown returned HTTP %d", resp.StatusCode)
	}
	return nil
}
