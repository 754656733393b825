package deployment

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is the deployment lifecycle state. Legal transitions are
// enforced by the worker and Service, never by the store.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDeploying Status = "deploying"
	StatusRunning   Status = "running"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
)

// BuildStrategyKind names a registered BuildStrategy.
type BuildStrategyKind string

const (
	BuildStrategyCIDriven    BuildStrategyKind = "ci_driven"
	BuildStrategyHostedBuild BuildStrategyKind = "hosted_build"
)

// DeployStrategyKind names a registered DeployStrategy.
type DeployStrategyKind string

const (
	DeployStrategyServerless DeployStrategyKind = "serverless"
	DeployStrategyCluster    DeployStrategyKind = "cluster"
)

// Metadata carries pipeline resumption markers and is round-tripped
// through the Deployment row's metadata column. Field names match
// spec.md's naming so a worker restart can re-attach without guessing.
type Metadata struct {
	BuildJobID          string `json:"build_job_id,omitempty"`
	ImageTag            string `json:"image_tag,omitempty"`
	ImageVerified       bool   `json:"image_verified,omitempty"`
	PlatformServiceName string `json:"platform_service_name,omitempty"`
	CancelRequested     bool   `json:"cancel_requested,omitempty"`
}

// Deployment is one attempt to take an AgentVersion to a running endpoint.
type Deployment struct {
	ID             uuid.UUID          `json:"id"`
	OwnerID        uuid.UUID          `json:"owner_id"`
	AgentID        uuid.UUID          `json:"agent_id"`
	AgentVersionID uuid.UUID          `json:"agent_version_id"`
	Status         Status             `json:"status"`
	EndpointURL    *string            `json:"endpoint_url,omitempty"`
	Metadata       Metadata           `json:"metadata"`
	ErrorMessage   *string            `json:"error_message,omitempty"`
	BuildStrategy  BuildStrategyKind  `json:"build_strategy"`
	DeployStrategy DeployStrategyKind `json:"deploy_strategy"`
	DeployConfig   json.RawMessage    `json:"deploy_config,omitempty"`
	LockedUntil    *time.Time         `json:"-"`
	DeployedAt     *time.Time         `json:"deployed_at,omitempty"`
	StoppedAt      *time.Time         `json:"stopped_at,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// Transition is an immutable log entry recorded alongside every status
// change, in the same transaction as the Deployment row update.
type Transition struct {
	ID           uuid.UUID `json:"id"`
	DeploymentID uuid.UUID `json:"deployment_id"`
	From         Status    `json:"from"`
	To           Status    `json:"to"`
	At           time.Time `json:"at"`
	Detail       string    `json:"detail,omitempty"`
}

// CreateDeploymentRequest is the JSON body for POST /deployments.
type CreateDeploymentRequest struct {
	AgentID        uuid.UUID          `json:"agent_id" validate:"required"`
	AgentVersionID uuid.UUID          `json:"agent_version_id" validate:"required"`
	BuildStrategy  BuildStrategyKind  `json:"build_strategy" validate:"required,oneof=ci_driven hosted_build"`
	DeployStrategy DeployStrategyKind `json:"deploy_strategy" validate:"required,oneof=serverless cluster"`
	DeployConfig   json.RawMessage    `json:"deploy_config"`
}

// ListFilters narrows ListDeployments.
type ListFilters struct {
	Status  Status
	AgentID *uuid.UUID
}
