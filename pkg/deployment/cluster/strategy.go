// Package cluster implements the cluster DeployStrategy: it applies a
// Deployment + Service manifest to a Kubernetes-like cluster API and waits
// for the ready replica count to reach min_replicas.
package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/wisbric/agentctl/pkg/deployment"
)

// Strategy applies manifests to a cluster control plane API.
type Strategy struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// New creates a cluster Strategy pointed at the target cluster's API.
func New(baseURL, apiKey string) *Strategy {
	return &Strategy{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
		apiKey:     apiKey,
	}
}

func (s *Strategy) Name() deployment.DeployStrategyKind { return deployment.DeployStrategyCluster }

type clusterConfig struct {
	MinReplicas int `json:"min_replicas"`
	MaxReplicas int `json:"max_replicas"`
}

type applyRequest struct {
	Name        string `json:"name"`
	Image       string `json:"image"`
	Port        int    `json:"port"`
	MinReplicas int    `json:"min_replicas"`
	MaxReplicas int    `json:"max_replicas"`
}

// Submit applies a Deployment + Service manifest named job.ServiceName.
// The cluster API treats re-apply of an identical manifest as a no-op, so
// this call is naturally idempotent on job.ServiceName.
func (s *Strategy) Submit(ctx context.Context, job deployment.DeployJob) (string, error) {
	var cfg clusterConfig
	if len(job.Config) > 0 {
		if err := json.Unmarshal(job.Config, &cfg); err != nil {
			return "", fmt.Errorf("parsing deploy config: %w", err)
		}
	}
	if cfg.MinReplicas == 0 {
		cfg.MinReplicas = 1
	}
	if cfg.MaxReplicas < cfg.MinReplicas {
		cfg.MaxReplicas = cfg.MinReplicas
	}

	body, err := json.Marshal(applyRequest{
		Name:        job.ServiceName,
		Image:       job.ImageTag,
		Port:        8080,
		MinReplicas: cfg.MinReplicas,
		MaxReplicas: cfg.MaxReplicas,
	})
	if err != nil {
		return "", fmt.Errorf("marshalling apply request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.baseURL+"/manifests/"+job.ServiceName, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building apply request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("applying cluster manifest: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("cluster apply returned HTTP %d", resp.StatusCode)
	}
	return job.ServiceName, nil
}

type rolloutStatusResponse struct {
	ReadyReplicas   int    `json:"ready_replicas"`
	DesiredReplicas int    `json:"desired_replicas"`
	URL             string `json:"url"`
}

// Poll queries rollout status; ready once ready_replicas >= min_replicas
// (carried in desired_replicas, set at apply time).
func (s *Strategy) Poll(ctx context.Context, serviceName string) (deployment.StageStatus, string, error) {
	url := fmt.Sprintf("%s/manifests/%s/status", s.baseURL, serviceName)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", "", fmt.Errorf("building poll request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("polling cluster rollout: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return deployment.StageStatusPending, "", nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("cluster poll returned HTTP %d", resp.StatusCode)
	}

	var result rolloutStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", "", fmt.Errorf("decoding poll response: %w", err)
	}
	if result.ReadyReplicas >= result.DesiredReplicas && result.ReadyReplicas > 0 {
		return deployment.StageStatusReady, result.URL, nil
	}
	return deployment.StageStatusRunning, "", nil
}

// Teardown deletes the manifest.
func (s *Strategy) Teardown(ctx context.Context, serviceName string) error {
	url := fmt.Sprintf("%s/manifests/%s", s.baseURL, serviceName)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return fmt.Errorf("building teardown request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("tearing down cluster manifest: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("cluster teardown returned HTTP %d", resp.StatusCode)
	}
	return nil
}
