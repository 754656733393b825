// Package cidriven implements the ci_driven BuildStrategy: it triggers a
// remote CI workflow dispatch and polls its run status.
package cidriven

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/wisbric/agentctl/pkg/deployment"
)

// Strategy triggers a CI workflow-dispatch with the build context
// base64-encoded in the request body, then polls the run's status.
type Strategy struct {
	httpClient  *http.Client
	dispatchURL string
	apiKey      string
}

// New creates a ci_driven Strategy pointed at a CI workflow-dispatch API.
func New(dispatchURL, apiKey string) *Strategy {
	return &Strategy{
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		dispatchURL: dispatchURL,
		apiKey:      apiKey,
	}
}

func (s *Strategy) Name() deployment.BuildStrategyKind { return deployment.BuildStrategyCIDriven }

type dispatchRequest struct {
	DeploymentID string `json:"deployment_id"`
	ImageTag     string `json:"image_tag"`
	BuildContext string `json:"build_context"` // base64
}

type dispatchResponse struct {
	RunID string `json:"run_id"`
}

// Submit posts a workflow-dispatch request. deployment_id is the natural
// idempotency key; a retried Submit for an already-dispatched run is
// expected to return the same run_id from the CI side.
func (s *Strategy) Submit(ctx context.Context, job deployment.BuildJob) (string, error) {
	body, err := json.Marshal(dispatchRequest{
		DeploymentID: job.DeploymentID,
		ImageTag:     job.ImageTag,
		BuildContext: base64.StdEncoding.EncodeToString(job.BuildContext),
	})
	if err != nil {
		return "", fmt.Errorf("marshalling dispatch request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.dispatchURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building dispatch request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("dispatching CI workflow: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("CI dispatch returned HTTP %d", resp.StatusCode)
	}

	var result dispatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decoding dispatch response: %w", err)
	}
	return result.RunID, nil
}

type runStatusResponse struct {
	Status string `json:"status"` // queued, in_progress, completed, failed
}

// Poll queries the workflow run's status. Callers are expected to back off
// between polls (see pkg/deployment/backoff.go).
func (s *Strategy) Poll(ctx context.Context, runID string) (deployment.StageStatus, error) {
	url := fmt.Sprintf("%s/%s", s.dispatchURL, runID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("building poll request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("polling CI run: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("CI poll returned HTTP %d", resp.StatusCode)
	}

	var result runStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decoding poll response: %w", err)
	}

	switch result.Status {
	case "completed":
		return deployment.StageStatusReady, nil
	case "failed":
		return deployment.StageStatusFailed, nil
	case "queued":
		return deployment.StageStatusPending, nil
	default:
		return deployment.StageStatusRunning, nil
	}
}
