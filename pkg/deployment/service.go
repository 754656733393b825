package deployment

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/agentctl/internal/auth"
	"github.com/wisbric/agentctl/internal/httpserver"
	"github.com/wisbric/agentctl/internal/telemetry"
	"github.com/wisbric/agentctl/pkg/agent"
)

// AccessScope mirrors pkg/agent.AccessScope's ownership semantics for
// deployments, which are owned by the same principal that owns the agent.
type AccessScope struct {
	CallerID uuid.UUID
	OwnerID  uuid.UUID
	ReadAny  bool
	WriteAny bool
}

// ResolveScope builds an AccessScope for the given identity and optional
// on_behalf_of header value, mirroring pkg/agent.ResolveScope.
func ResolveScope(id *auth.Identity, onBehalfOf string) (AccessScope, error) {
	scope := AccessScope{
		CallerID: id.ID,
		OwnerID:  id.ID,
		ReadAny:  id.HasPermission("deployment:read:any"),
		WriteAny: id.HasPermission("deployment:write:any"),
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
	return scope, nil
}

// Service enforces ownership and version-existence rules around the Store,
// and enqueues new deployments for the worker to pick up.
type Service struct {
	pool             *pgxpool.Pool
	store            *Store
	agentStore       *agent.Store
	deployStrategies *DeployStrategyRegistry
}

// NewService creates a deployment Service.
func NewService(pool *pgxpool.Pool, agentStore *agent.Store, deployStrategies *DeployStrategyRegistry) *Service {
	return &Service{pool: pool, store: NewStore(pool), agentStore: agentStore, deployStrategies: deployStrategies}
}

func canAccess(scope AccessScope, ownerID uuid.UUID, any bool) bool {
	return any || scope.OwnerID == ownerID
}

// CreateDeployment validates that the referenced version exists and
// belongs to the referenced agent, then enqueues a pending deployment. The
// worker picks it up asynchronously; this call returns immediately.
func (s *Service) CreateDeployment(ctx context.Context, scope AccessScope, req CreateDeploymentRequest) (Deployment, error) {
	a, err := s.agentStore.GetAgent(ctx, req.AgentID)
	if err != nil {
		return Deployment{}, fmt.Errorf("looking up agent: %w", err)
	}
	if !canAccess(scope, a.OwnerID, scope.WriteAny) {
		return Deployment{}, ErrForbidden
	}

	v, err := s.agentStore.GetLatestVersion(ctx, req.AgentID)
	if err != nil {
		return Deployment{}, fmt.Errorf("looking up latest agent version: %w", err)
	}
	if v.ID != req.AgentVersionID {
		// Any version may be deployed, not only the latest; confirm the
		// requested version belongs to this agent specifically.
		versions, _, err := s.agentStore.ListAgentVersions(ctx, req.AgentID, httpserver.OffsetParams{Page: 1, PageSize: httpserver.MaxPageSize})
		if err != nil {
			return Deployment{}, fmt.Errorf("listing agent versions: %w", err)
		}
		found := false
		for _, candidate := range versions {
			if candidate.ID == req.AgentVersionID {
				found = true
				break
			}
		}
		if !found {
			return Deployment{}, fmt.Errorf("%w: agent_version_id does not belong to agent_id", ErrInvalidInput)
		}
	}

	d, err := s.store.CreateDeployment(ctx, a.OwnerID, req)
	if err != nil {
		return Deployment{}, err
	}
	telemetry.DeploymentsCreatedTotal.WithLabelValues(string(req.BuildStrategy), string(req.DeployStrategy)).Inc()
	telemetry.DeploymentTransitionsTotal.WithLabelValues("", string(StatusPending)).Inc()
	return d, nil
}

// GetDeployment returns a deployment if scope can read it.
func (s *Service) GetDeployment(ctx context.Context, scope AccessScope, id uuid.UUID) (Deployment, error) {
	d, err := s.store.GetDeployment(ctx, id)
	if err != nil {
		return Deployment{}, err
	}
	if !canAccess(scope, d.OwnerID, scope.ReadAny) {
		return Deployment{}, ErrForbidden
	}
	return d, nil
}

// ListDeployments returns a page of deployments visible to scope.
func (s *Service) ListDeployments(ctx context.Context, scope AccessScope, filters ListFilters, page httpserver.OffsetParams) (httpserver.OffsetPage[Deployment], error) {
	var ownerFilter *uuid.UUID
	if !scope.ReadAny {
		owner := scope.OwnerID
		ownerFilter = &owner
	}
	items, total, err := s.store.ListDeployments(ctx, ownerFilter, filters, page)
	if err != nil {
		return httpserver.OffsetPage[Deployment]{}, err
	}
	return httpserver.NewOffsetPage(items, page, total), nil
}

// StopDeployment is valid in any non-terminal state (spec.md §4.4). If the
// deployment is still pending, it transitions directly to stopped with no
// platform call. A running deployment is torn down here, in the request
// path. A deploying one gets its cancel flag set; the worker observes it
// and tears down the platform-side resource itself.
func (s *Service) StopDeployment(ctx context.Context, scope AccessScope, id uuid.UUID) (Deployment, error) {
	d, err := s.store.GetDeployment(ctx, id)
	if err != nil {
		return Deployment{}, err
	}
	if !canAccess(scope, d.OwnerID, scope.WriteAny) {
		return Deployment{}, ErrForbidden
	}
	if d.Status == StatusFailed || d.Status == StatusStopped {
		return Deployment{}, fmt.Errorf("%w: deployment already in a terminal state", ErrIllegalTransition)
	}

	// Pending deployments are stopped directly; no worker has touched them
	// and no platform call is needed.
	if d.Status == StatusPending {
		updated, err := ApplyTransition(ctx, s.pool, id, d.Status, StatusStopped, "stopped before worker pickup", d.Metadata, nil, nil)
		if err != nil {
			return Deployment{}, err
		}
		telemetry.DeploymentTransitionsTotal.WithLabelValues(string(d.Status), string(StatusStopped)).Inc()
		return updated, nil
	}

	if d.Status == StatusRunning {
		return s.teardownRunning(ctx, d)
	}

	// Deploying: the worker holds the lease and is actively polling;
	// flag cancellation so it aborts between stages and tears down
	// whatever it already created.
	d.Metadata.CancelRequested = true
	updated, err := ApplyTransition(ctx, s.pool, id, d.Status, d.Status, "cancellation requested", d.Metadata, d.EndpointURL, d.ErrorMessage)
	if err != nil {
		return Deployment{}, err
	}
	return updated, nil
}

func (s *Service) teardownRunning(ctx context.Context, d Deployment) (Deployment, error) {
	if d.Metadata.PlatformServiceName != "" {
		strategy, err := s.deployStrategies.Get(d.DeployStrategy)
		if err != nil {
			return Deployment{}, fmt.Errorf("looking up deploy strategy: %w", err)
		}
		if err := strategy.Teardown(ctx, d.Metadata.PlatformServiceName); err != nil {
			return Deployment{}, fmt.Errorf("tearing down platform service: %w", err)
		}
	}
	updated, err := ApplyTransition(ctx, s.pool, d.ID, d.Status, StatusStopped, "stopped by operator", d.Metadata, nil, nil)
	if err != nil {
		return Deployment{}, err
	}
	telemetry.DeploymentTransitionsTotal.WithLabelValues(string(d.Status), string(StatusStopped)).Inc()
	return updated, nil
}
