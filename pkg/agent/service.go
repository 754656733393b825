package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/agentctl/internal/auth"
	"github.com/wisbric/agentctl/internal/httpserver"
	"github.com/wisbric/agentctl/internal/telemetry"
)

// ErrInvalidInput covers empty-name and oversized-config rejections.
var ErrInvalidInput = errors.New("invalid input")

// ErrForbidden is returned when a caller's AccessScope does not cover the
// requested agent's owner.
var ErrForbidden = errors.New("forbidden")

// Service enforces ownership and size-cap rules around the Store.
type Service struct {
	pool         *pgxpool.Pool
	store        *Store
	maxConfigLen int
}

// NewService creates an agent Service. maxConfigLen bounds the size in
// bytes of a version's config payload (spec default 1 MiB).
func NewService(pool *pgxpool.Pool, maxConfigLen int) *Service {
	return &Service{pool: pool, store: NewStore(pool), maxConfigLen: maxConfigLen}
}

// ResolveScope builds an AccessScope for the given identity and optional
// on_behalf_of header value. A machine identity supplying onBehalfOf must
// hold agent:read:any. The pivot sets OwnerID to the on_behalf_of user, so
// later read and write checks treat that user's agents as owned; writes to
// them do not additionally require agent:write:any.
func ResolveScope(id *auth.Identity, onBehalfOf string) (AccessScope, error) {
	scope := AccessScope{
		CallerID: id.ID,
		OwnerID:  id.ID,
		ReadAny:  id.HasPermission("agent:read:any"),
		WriteAny: id.HasPermission("agent:write:any"),
	}
	if onBehalfOf == "" {
		return scope, nil
	}
	if id.Kind != auth.KindMachine || !scope.ReadAny {
		return AccessScope{}, ErrForbidden
	}
	onBehalfID, err := uuid.Parse(onBehalfOf)
	if err != nil {
		return AccessScope{}, fmt.Errorf("%w: malformed on_behalf_of header", ErrInvalidInput)
	}
	scope.OwnerID = onBehalfID
	scope.OnBehalf = true
	return scope, nil
}

func canRead(scope AccessScope, ownerID uuid.UUID) bool {
	return scope.ReadAny || scope.OwnerID == ownerID
}

func canWrite(scope AccessScope, ownerID uuid.UUID) bool {
	return scope.WriteAny || scope.OwnerID == ownerID
}

// CreateAgent validates the request and inserts the agent with its v1
// version, owned by scope.OwnerID.
func (s *Service) CreateAgent(ctx context.Context, scope AccessScope, req CreateAgentRequest) (CreateAgentResponse, error) {
	if req.Name == "" {
		return CreateAgentResponse{}, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if len(req.Config) > s.maxConfigLen {
		return CreateAgentResponse{}, fmt.Errorf("%w: config exceeds %d bytes", ErrInvalidInput, s.maxConfigLen)
	}

	a, v, err := CreateAgentWithVersion(ctx, s.pool, scope.OwnerID, req)
	if err != nil {
		return CreateAgentResponse{}, err
	}
	telemetry.AgentVersionsCreatedTotal.Inc()
	return CreateAgentResponse{Agent: a, Version: v}, nil
}

// GetAgent returns an agent if scope can read it.
func (s *Service) GetAgent(ctx context.Context, scope AccessScope, id uuid.UUID) (Agent, error) {
	a, err := s.store.GetAgent(ctx, id)
	if err != nil {
		return Agent{}, err
	}
	if !canRead(scope, a.OwnerID) {
		return Agent{}, ErrForbidden
	}
	return a, nil
}

// ListAgents returns a page of agents visible to scope. Without read-any,
// the list is hard-scoped to the caller's own agents.
func (s *Service) ListAgents(ctx context.Context, scope AccessScope, filters ListFilters, page httpserver.OffsetParams) (httpserver.OffsetPage[Agent], error) {
	var ownerFilter *uuid.UUID
	if !scope.ReadAny {
		owner := scope.OwnerID
		ownerFilter = &owner
	}
	items, total, err := s.store.ListAgents(ctx, ownerFilter, filters, page)
	if err != nil {
		return httpserver.OffsetPage[Agent]{}, err
	}
	return httpserver.NewOffsetPage(items, page, total), nil
}

// UpdateAgentConfig appends a new version if scope can write to the agent
// and it is not archived.
func (s *Service) UpdateAgentConfig(ctx context.Context, scope AccessScope, agentID uuid.UUID, req UpdateAgentConfigRequest) (AgentVersion, error) {
	if len(req.Config) > s.maxConfigLen {
		return AgentVersion{}, fmt.Errorf("%w: config exceeds %d bytes", ErrInvalidInput, s.maxConfigLen)
	}

	a, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return AgentVersion{}, err
	}
	if !canWrite(scope, a.OwnerID) {
		return AgentVersion{}, ErrForbidden
	}

	v, err := InsertNextVersion(ctx, s.pool, agentID, a.OwnerID, req.Config, req.Changelog)
	if err != nil {
		return AgentVersion{}, err
	}
	telemetry.AgentVersionsCreatedTotal.Inc()
	return v, nil
}

// GetLatestVersion returns the highest-numbered version if scope can read
// the parent agent.
func (s *Service) GetLatestVersion(ctx context.Context, scope AccessScope, agentID uuid.UUID) (AgentVersion, error) {
	a, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return AgentVersion{}, err
	}
	if !canRead(scope, a.OwnerID) {
		return AgentVersion{}, ErrForbidden
	}
	return s.store.GetLatestVersion(ctx, agentID)
}

// ListAgentVersions returns a page of versions if scope can read the
// parent agent.
func (s *Service) ListAgentVersions(ctx context.Context, scope AccessScope, agentID uuid.UUID, page httpserver.OffsetParams) (httpserver.OffsetPage[AgentVersion], error) {
	a, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return httpserver.OffsetPage[AgentVersion]{}, err
	}
	if !canRead(scope, a.OwnerID) {
		return httpserver.OffsetPage[AgentVersion]{}, ErrForbidden
	}
	items, total, err := s.store.ListAgentVersions(ctx, agentID, page)
	if err != nil {
		return httpserver.OffsetPage[AgentVersion]{}, err
	}
	return httpserver.NewOffsetPage(items, page, total), nil
}

// ArchiveAgent sets status to archived if scope can write to the agent.
func (s *Service) ArchiveAgent(ctx context.Context, scope AccessScope, agentID uuid.UUID) (Agent, error) {
	a, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return Agent{}, err
	}
	if !canWrite(scope, a.OwnerID) {
		return Agent{}, ErrForbidden
	}
	return s.store.ArchiveAgent(ctx, agentID)
}
