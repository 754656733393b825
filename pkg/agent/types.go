package agent

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an Agent.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusPublished Status = "published"
	StatusArchived  Status = "archived"
)

// Agent is a named, owned container for a history of AgentVersions.
type Agent struct {
	ID          uuid.UUID `json:"id"`
	OwnerID     uuid.UUID `json:"owner_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Status      Status    `json:"status"`
	Tags        []string  `json:"tags"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// AgentVersion is one immutable snapshot of an Agent's configuration.
type AgentVersion struct {
	ID            uuid.UUID       `json:"id"`
	AgentID       uuid.UUID       `json:"agent_id"`
	OwnerID       uuid.UUID       `json:"owner_id"`
	VersionNumber int             `json:"version_number"`
	Config        json.RawMessage `json:"config"`
	Changelog     *string         `json:"changelog,omitempty"`
	PublishedAt   *time.Time      `json:"published_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// CreateAgentRequest is the JSON body for POST /agents.
type CreateAgentRequest struct {
	Name        string          `json:"name" validate:"required,min=1"`
	Description string          `json:"description"`
	Config      json.RawMessage `json:"config" validate:"required"`
	Tags        []string        `json:"tags"`
}

// UpdateAgentConfigRequest is the JSON body for POST /agents/{id}/versions.
type UpdateAgentConfigRequest struct {
	Config    json.RawMessage `json:"config" validate:"required"`
	Changelog *string         `json:"changelog,omitempty"`
}

// CreateAgentResponse bundles the Agent with its first version.
type CreateAgentResponse struct {
	Agent   Agent        `json:"agent"`
	Version AgentVersion `json:"version"`
}

// ListFilters narrows ListAgents.
type ListFilters struct {
	Status Status
	Tag    string
}

// AccessScope carries the effective owner to scope a request to, resolved
// from either the caller's own identity or an on_behalf_of header (machine
// principals with agent:read:any/agent:write:any only).
type AccessScope struct {
	CallerID  uuid.UUID
	OwnerID   uuid.UUID
	ReadAny   bool
	WriteAny  bool
	OnBehalf  bool
}
