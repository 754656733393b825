package deployment

import (
	"context"
	"fmt"
)

// StageStatus reports the external side's progress for a Poll call.
type StageStatus string

const (
	StageStatusPending StageStatus = "pending"
	StageStatusRunning StageStatus = "running"
	StageStatusReady   StageStatus = "ready"
	StageStatusFailed  StageStatus = "failed"
)

// BuildJob describes the build context submitted to a BuildStrategy.
type BuildJob struct {
	DeploymentID string
	ImageTag     string
	BuildContext []byte // in-memory archive: Dockerfile + flow artifact
}

// BuildStrategy drives one of the pluggable build backends (ci_driven,
// hosted_build). Submit must be idempotency-keyed on job.DeploymentID so a
// retried Submit against an already-submitted job re-attaches instead of
// creating a duplicate external build.
type BuildStrategy interface {
	Name() BuildStrategyKind
	Submit(ctx context.Context, job BuildJob) (externalRef string, err error)
	Poll(ctx context.Context, externalRef string) (StageStatus, error)
}

// DeployJob describes the deploy target submitted to a DeployStrategy.
type DeployJob struct {
	DeploymentID string
	ServiceName  string
	ImageTag     string
	Config       []byte // raw deploy_config JSON (replica bounds, concurrency, etc.)
}

// DeployStrategy drives one of the pluggable deploy targets (serverless,
// cluster). Submit is idempotency-keyed on job.ServiceName: if the target
// reports the service already exists, the strategy re-attaches.
type DeployStrategy interface {
	Name() DeployStrategyKind
	Submit(ctx context.Context, job DeployJob) (externalRef string, err error)
	Poll(ctx context.Context, externalRef string) (status StageStatus, endpointURL string, err error)
	Teardown(ctx context.Context, externalRef string) error
}

// RegistryClient queries the container registry to confirm a built image
// exists and reports the architectures its manifest covers (spec.md §4.4
// step 3). The registry is consulted only; this process never pushes to it.
type RegistryClient interface {
	InspectTag(ctx context.Context, imageTag string) (architectures []string, err error)
}

// BuildStrategyRegistry holds every registered BuildStrategy, keyed by name.
type BuildStrategyRegistry struct {
	strategies map[BuildStrategyKind]BuildStrategy
}

// NewBuildStrategyRegistry creates an empty build strategy registry.
func NewBuildStrategyRegistry() *BuildStrategyRegistry {
	return &BuildStrategyRegistry{strategies: make(map[BuildStrategyKind]BuildStrategy)}
}

// Register adds a strategy to the registry.
func (r *BuildStrategyRegistry) Register(s BuildStrategy) {
	r.strategies[s.Name()] = s
}

// Get returns the strategy registered under the given name.
func (r *BuildStrategyRegistry) Get(name BuildStrategyKind) (BuildStrategy, error) {
	s, ok := r.strategies[name]
	if !ok {
		return nil, fmt.Errorf("build strategy %q not registered", name)
	}
	return s, nil
}

// DeployStrategyRegistry holds every registered DeployStrategy, keyed by name.
type DeployStrategyRegistry struct {
	strategies map[DeployStrategyKind]DeployStrategy
}

// NewDeployStrategyRegistry creates an empty deploy strategy registry.
func NewDeployStrategyRegistry() *DeployStrategyRegistry {
	return &DeployStrategyRegistry{strategies: make(map[DeployStrategyKind]DeployStrategy)}
}

// Register adds a strategy to the registry.
func (r *DeployStrategyRegistry) Register(s DeployStrategy) {
	r.strategies[s.Name()] = s
}

// Get returns the strategy registered under the given name.
func (r *DeployStrategyRegistry) Get(name DeployStrategyKind) (DeployStrategy, error) {
	s, ok := r.strategies[name]
	if !ok {
		return nil, fmt.Errorf("deploy strategy %q not registered", name)
	}
	return s, nil
}
