// Package hostedbuild implements the hosted_build BuildStrategy: it submits
// a build job with a storage-backed build context to a managed build
// service and polls its status.
package hostedbuild

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/wisbric/agentctl/pkg/deployment"
)

// Strategy submits build jobs to a managed build service.
type Strategy struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// New creates a hosted_build Strategy pointed at a managed build API.
func New(baseURL, apiKey string) *Strategy {
	return &Strategy{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
		apiKey:     apiKey,
	}
}

func (s *Strategy) Name() deployment.BuildStrategyKind { return deployment.BuildStrategyHostedBuild }

type submitRequest struct {
	DeploymentID string `json:"deployment_id"`
	ImageTag     string `json:"image_tag"`
}

type submitResponse struct {
	JobID     string `json:"job_id"`
	UploadURL string `json:"upload_url"`
}

// Submit registers a build job and uploads the build context to the
// returned storage-backed upload URL.
func (s *Strategy) Submit(ctx context.Context, job deployment.BuildJob) (string, error) {
	body, err := json.Marshal(submitRequest{DeploymentID: job.DeploymentID, ImageTag: job.ImageTag})
	if err != nil {
		return "", fmt.Errorf("marshalling submit request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/jobs", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building submit request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("submitting hosted build job: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusConflict {
		// Already submitted for this deployment_id; the response body still
		// carries the existing job_id to re-attach to.
	} else if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("hosted build submit returned HTTP %d", resp.StatusCode)
	}

	var result submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decoding submit response: %w", err)
	}

	if err := s.uploadContext(ctx, result.UploadURL, job.BuildContext); err != nil {
		return "", fmt.Errorf("uploading build context: %w", err)
	}
	return result.JobID, nil
}

func (s *Strategy) uploadContext(ctx context.Context, uploadURL string, buildContext []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, bytes.NewReader(buildContext))
	if err != nil {
		return fmt.Errorf("building upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("uploading build context: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("build context upload returned HTTP %d", resp.StatusCode)
	}
	return nil
}

type jobStatusResponse struct {
	Status string `json:"status"` // pending, building, succeeded, failed
}

// Poll queries the build job's status.
func (s *Strategy) Poll(ctx context.Context, jobID string) (deployment.StageStatus, error) {
	url := fmt.Sprintf("%s/jobs/%s", s.baseURL, jobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("building poll request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("polling hosted build job: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("hosted build poll returned HTTP %d", resp.StatusCode)
	}

	var result jobStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decoding poll response: %w", err)
	}

	switch result.Status {
	case "succeeded":
		return deployment.StageStatusReady, nil
	case "failed":
		return deployment.StageStatusFailed, nil
	case "pending":
		return deployment.StageStatusPending, nil
	default:
		return deployment.StageStatusRunning, nil
	}
}
