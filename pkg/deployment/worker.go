package deployment

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/agentctl/internal/telemetry"
	"github.com/wisbric/agentctl/pkg/agent"
)

// Worker leases pending deployments and drives them through the build →
// verify → deploy pipeline. Grounded on the teacher's ticker+select
// background-loop shape (pkg/escalation.Engine.Run) fused with its
// run-once-then-interval startup idiom (pkg/roster.RunScheduleTopUpLoop).
type Worker struct {
	pool             *pgxpool.Pool
	store            *Store
	logger           *slog.Logger
	agentStore       *agent.Store
	buildStrategies  *BuildStrategyRegistry
	deployStrategies *DeployStrategyRegistry
	registryClient   RegistryClient
	pollInterval     time.Duration
	leaseDuration    string
	leaseRenewEvery  time.Duration
	pipelineTimeout  time.Duration
}

// NewWorker creates a deployment Worker.
func NewWorker(pool *pgxpool.Pool, logger *slog.Logger, agentStore *agent.Store, buildStrategies *BuildStrategyRegistry, deployStrategies *DeployStrategyRegistry, registryClient RegistryClient) *Worker {
	return &Worker{
		pool:             pool,
		store:            NewStore(pool),
		logger:           logger,
		agentStore:       agentStore,
		buildStrategies:  buildStrategies,
		deployStrategies: deployStrategies,
		registryClient:   registryClient,
		pollInterval:     2 * time.Second,
		leaseDuration:    "5 minutes",
		leaseRenewEvery:  90 * time.Second,
		pipelineTimeout:  15 * time.Minute,
	}
}

// Run polls for pending deployments and processes one at a time, until ctx
// is cancelled. Multiple Worker instances may Run concurrently against the
// same pool; LeaseNextPending's SELECT ... FOR UPDATE SKIP LOCKED ensures
// each deployment is leased by exactly one of them.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("deployment worker started", "poll_interval", w.pollInterval)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	// Run once at start, then on interval.
	w.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("deployment worker stopped")
			return nil
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	d, err := LeaseNextPending(ctx, w.pool, w.leaseDuration)
	if err != nil {
		if err != pgx.ErrNoRows {
			w.logger.Error("leasing next pending deployment", "error", err)
		}
		return
	}

	pipelineCtx, cancel := context.WithTimeout(ctx, w.pipelineTimeout)
	defer cancel()

	start := time.Now()
	outcome := "running"
	if err := w.process(pipelineCtx, d); err != nil {
		w.logger.Error("processing deployment", "deployment_id", d.ID, "error", err)
		outcome = "failed"
	}
	telemetry.DeploymentPipelineDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
}

// process drives one deployment through every pipeline stage, renewing its
// lease on a background ticker for the duration of the call.
//
// Cancellation (spec.md's stop-during-deploy scenario) is requested by
// StopDeployment in its own transaction, concurrently with this call. d's
// in-memory Metadata is therefore refreshed from the database at every
// checkpoint rather than trusted as-is, and that refresh is folded back
// into d before the next transition write so a pending cancellation is
// never clobbered back to false by this goroutine's own stale copy.
func (w *Worker) process(ctx context.Context, d Deployment) error {
	renewCtx, stopRenew := context.WithCancel(ctx)
	defer stopRenew()
	go w.renewLeaseLoop(renewCtx, d.ID)

	if err := w.refreshCancelRequested(ctx, &d); err != nil {
		return w.fail(ctx, d, err.Error())
	}
	if d.Metadata.CancelRequested {
		return w.abort(ctx, d, "cancelled before build")
	}

	if _, err := w.agentStore.GetAgent(ctx, d.AgentID); err != nil {
		return w.fail(ctx, d, fmt.Sprintf("loading agent: %v", err))
	}
	version, err := w.agentStore.GetVersionByID(ctx, d.AgentID, d.AgentVersionID)
	if err != nil {
		return w.fail(ctx, d, fmt.Sprintf("loading agent version: %v", err))
	}

	d, err = w.transitionTo(ctx, d, StatusDeploying, "starting build")
	if err != nil {
		return err
	}

	buildCtx, err := materializeBuildContext(version.Config)
	if err != nil {
		return w.fail(ctx, d, fmt.Sprintf("materializing build context: %v", err))
	}

	imageTag := d.Metadata.ImageTag
	if imageTag == "" {
		imageTag = fmt.Sprintf("agentctl/%s:%s", d.AgentID, d.ID)
	}

	if d.Metadata.BuildJobID == "" {
		buildStrategy, err := w.buildStrategies.Get(d.BuildStrategy)
		if err != nil {
			return w.fail(ctx, d, err.Error())
		}
		jobID, err := submitWithRetry(ctx, func() (string, error) {
			return buildStrategy.Submit(ctx, BuildJob{DeploymentID: d.ID.String(), ImageTag: imageTag, BuildContext: buildCtx})
		}, "build_submit")
		if err != nil {
			return w.fail(ctx, d, fmt.Sprintf("submitting build: %v", err))
		}
		d.Metadata.BuildJobID = jobID
		d.Metadata.ImageTag = imageTag
		if err := w.refreshCancelRequested(ctx, &d); err != nil {
			return w.fail(ctx, d, err.Error())
		}
		d, err = w.transitionTo(ctx, d, StatusDeploying, "build submitted")
		if err != nil {
			return err
		}
	}

	if err := w.refreshCancelRequested(ctx, &d); err != nil {
		return w.fail(ctx, d, err.Error())
	}
	if d.Metadata.CancelRequested {
		return w.abort(ctx, d, "cancelled during build")
	}

	buildStrategy, err := w.buildStrategies.Get(d.BuildStrategy)
	if err != nil {
		return w.fail(ctx, d, err.Error())
	}
	if err := w.pollUntilReady(ctx, d, func() (StageStatus, error) {
		return buildStrategy.Poll(ctx, d.Metadata.BuildJobID)
	}); err != nil {
		return w.fail(ctx, d, fmt.Sprintf("build failed: %v", err))
	}

	if err := w.refreshCancelRequested(ctx, &d); err != nil {
		return w.fail(ctx, d, err.Error())
	}
	if d.Metadata.CancelRequested {
		return w.abort(ctx, d, "cancelled after build")
	}

	// Verify image: confirm the built tag exists in the registry and
	// satisfies the deploy target's architecture requirements before
	// committing to a deploy (spec.md §4.4 step 3).
	if !d.Metadata.ImageVerified {
		if err := w.verifyImage(ctx, d.DeployStrategy, imageTag); err != nil {
			return w.fail(ctx, d, fmt.Sprintf("verifying image: %v", err))
		}
		d.Metadata.ImageVerified = true
		if err := w.refreshCancelRequested(ctx, &d); err != nil {
			return w.fail(ctx, d, err.Error())
		}
		d, err = w.transitionTo(ctx, d, StatusDeploying, "image verified")
		if err != nil {
			return err
		}
	}

	if err := w.refreshCancelRequested(ctx, &d); err != nil {
		return w.fail(ctx, d, err.Error())
	}
	if d.Metadata.CancelRequested {
		return w.abort(ctx, d, "cancelled after verify")
	}

	serviceName := d.Metadata.PlatformServiceName
	if serviceName == "" {
		serviceName = fmt.Sprintf("agent-runtime-%s", d.ID)
	}

	deployStrategy, err := w.deployStrategies.Get(d.DeployStrategy)
	if err != nil {
		return w.fail(ctx, d, err.Error())
	}

	if d.Metadata.PlatformServiceName == "" {
		ref, err := submitWithRetry(ctx, func() (string, error) {
			return deployStrategy.Submit(ctx, DeployJob{DeploymentID: d.ID.String(), ServiceName: serviceName, ImageTag: imageTag, Config: d.DeployConfig})
		}, "deploy_submit")
		if err != nil {
			return w.fail(ctx, d, fmt.Sprintf("submitting deploy: %v", err))
		}
		d.Metadata.PlatformServiceName = ref
		if err := w.refreshCancelRequested(ctx, &d); err != nil {
			return w.fail(ctx, d, err.Error())
		}
		d, err = w.transitionTo(ctx, d, StatusDeploying, "deploy submitted")
		if err != nil {
			return err
		}
	}

	if err := w.refreshCancelRequested(ctx, &d); err != nil {
		return w.fail(ctx, d, err.Error())
	}
	if d.Metadata.CancelRequested {
		if err := deployStrategy.Teardown(ctx, d.Metadata.PlatformServiceName); err != nil {
			w.logger.Error("tearing down cancelled deployment", "deployment_id", d.ID, "error", err)
		}
		return w.abort(ctx, d, "cancelled during deploy")
	}

	var endpointURL string
	err = pollUntilFunc(ctx, func() (bool, error) {
		status, url, pollErr := deployStrategy.Poll(ctx, d.Metadata.PlatformServiceName)
		if pollErr != nil {
			return false, pollErr
		}
		if status == StageStatusFailed {
			return false, fmt.Errorf("platform reported deploy failure")
		}
		if status == StageStatusReady {
			endpointURL = url
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return w.fail(ctx, d, fmt.Sprintf("deploy failed: %v", err))
	}

	if err := w.refreshCancelRequested(ctx, &d); err != nil {
		return w.fail(ctx, d, err.Error())
	}
	if d.Metadata.CancelRequested {
		if err := deployStrategy.Teardown(ctx, d.Metadata.PlatformServiceName); err != nil {
			w.logger.Error("tearing down cancelled deployment", "deployment_id", d.ID, "error", err)
		}
		return w.abort(ctx, d, "cancelled after deploy became ready")
	}

	d.Metadata.CancelRequested = false
	_, err = ApplyTransition(ctx, w.pool, d.ID, d.Status, StatusRunning, "deployment ready", d.Metadata, &endpointURL, nil)
	if err != nil {
		return fmt.Errorf("transitioning to running: %w", err)
	}
	telemetry.DeploymentTransitionsTotal.WithLabelValues(string(d.Status), string(StatusRunning)).Inc()
	return nil
}

// refreshCancelRequested re-reads the deployment row and folds its
// CancelRequested flag into d, so a concurrent StopDeployment call is
// observed promptly and never overwritten by a subsequent transition write
// that still carries this goroutine's stale in-memory metadata.
func (w *Worker) refreshCancelRequested(ctx context.Context, d *Deployment) error {
	fresh, err := w.store.GetDeployment(ctx, d.ID)
	if err != nil {
		return fmt.Errorf("refreshing cancellation flag: %w", err)
	}
	d.Metadata.CancelRequested = fresh.Metadata.CancelRequested
	return nil
}

// requiredArchitectures returns the architectures a deploy target demands
// of the image manifest (spec.md §4.4 step 3: AMD64 for serverless).
func requiredArchitectures(strategy DeployStrategyKind) []string {
	switch strategy {
	case DeployStrategyServerless:
		return []string{"amd64"}
	default:
		return nil
	}
}

// verifyImage confirms imageTag exists in the registry and covers every
// architecture the deploy target requires.
func (w *Worker) verifyImage(ctx context.Context, strategy DeployStrategyKind, imageTag string) error {
	architectures, err := w.registryClient.InspectTag(ctx, imageTag)
	if err != nil {
		return fmt.Errorf("image %q not found in registry: %w", imageTag, err)
	}
	present := make(map[string]bool, len(architectures))
	for _, arch := range architectures {
		present[arch] = true
	}
	for _, required := range requiredArchitectures(strategy) {
		if !present[required] {
			return fmt.Errorf("image %q does not include required architecture %q", imageTag, required)
		}
	}
	return nil
}

func (w *Worker) transitionTo(ctx context.Context, d Deployment, to Status, detail string) (Deployment, error) {
	updated, err := ApplyTransition(ctx, w.pool, d.ID, d.Status, to, detail, d.Metadata, d.EndpointURL, d.ErrorMessage)
	if err != nil {
		return Deployment{}, fmt.Errorf("transitioning deployment: %w", err)
	}
	telemetry.DeploymentTransitionsTotal.WithLabelValues(string(d.Status), string(to)).Inc()
	return updated, nil
}

func (w *Worker) fail(ctx context.Context, d Deployment, reason string) error {
	_, err := ApplyTransition(ctx, w.pool, d.ID, d.Status, StatusFailed, reason, d.Metadata, nil, &reason)
	if err != nil {
		return fmt.Errorf("transitioning to failed: %w", err)
	}
	telemetry.DeploymentTransitionsTotal.WithLabelValues(string(d.Status), string(StatusFailed)).Inc()
	return fmt.Errorf("%s", reason)
}

func (w *Worker) abort(ctx context.Context, d Deployment, detail string) error {
	_, err := ApplyTransition(ctx, w.pool, d.ID, d.Status, StatusStopped, detail, d.Metadata, nil, nil)
	if err != nil {
		return fmt.Errorf("transitioning to stopped: %w", err)
	}
	telemetry.DeploymentTransitionsTotal.WithLabelValues(string(d.Status), string(StatusStopped)).Inc()
	return nil
}

func (w *Worker) renewLeaseLoop(ctx context.Context, id uuid.UUID) {
	ticker := time.NewTicker(w.leaseRenewEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := RenewLease(ctx, w.pool, id, w.leaseDuration); err != nil {
				w.logger.Error("renewing deployment lease", "deployment_id", id, "error", err)
			}
		}
	}
}

// pollUntilReady polls fn at the spec.md §4.4 cadence (5s → 30s backoff)
// until it reports ready or failed.
func (w *Worker) pollUntilReady(ctx context.Context, d Deployment, fn func() (StageStatus, error)) error {
	return pollUntilFunc(ctx, func() (bool, error) {
		status, err := fn()
		if err != nil {
			return false, err
		}
		if status == StageStatusFailed {
			return false, fmt.Errorf("stage reported failure")
		}
		return status == StageStatusReady, nil
	})
}

// pollUntilFunc repeatedly calls fn, backing off between calls, until fn
// reports done=true, returns an error, or ctx is done.
func pollUntilFunc(ctx context.Context, fn func() (done bool, err error)) error {
	b := pollBackoff()
	for {
		done, err := fn()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		wait := b.NextBackOff()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// submitWithRetry retries transient Submit failures per the stage retry
// policy (exponential backoff, capped attempts).
func submitWithRetry(ctx context.Context, fn func() (string, error), step string) (string, error) {
	result, err := backoff.Retry(ctx, func() (string, error) {
		ref, err := fn()
		if err != nil {
			telemetry.DeploymentWorkerRetriesTotal.WithLabelValues(step).Inc()
			return "", err
		}
		return ref, nil
	}, backoff.WithBackOff(stageRetryBackoff()), backoff.WithMaxTries(maxStageRetries))
	if err != nil {
		return "", err
	}
	return result, nil
}

// materializeBuildContext renders the agent version's config into an
// in-memory archive (Dockerfile + flow artifact). The catalog never
// interprets flow content; only this stage does, against a documented
// schema version.
func materializeBuildContext(config json.RawMessage) ([]byte, error) {
	archive := map[string]json.RawMessage{"flow.json": config}
	return json.Marshal(archive)
}
