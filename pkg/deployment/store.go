package deployment

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/agentctl/internal/db"
	"github.com/wisbric/agentctl/internal/httpserver"
)

// Store provides database operations for deployments and their
// transition log.
type Store struct {
	dbtx db.DBTX
}

// NewStore creates a deployment Store backed by the given database handle.
func NewStore(dbtx db.DBTX) *Store {
	return &Store{dbtx: dbtx}
}

const deploymentColumns = `id, owner_id, agent_id, agent_version_id, status, endpoint_url,
	metadata, error_message, build_strategy, deploy_strategy, deploy_config,
	locked_until, deployed_at, stopped_at, created_at, updated_at`

func scanDeployment(row pgx.Row) (Deployment, error) {
	var d Deployment
	var metadataBytes []byte
	err := row.Scan(&d.ID, &d.OwnerID, &d.AgentID, &d.AgentVersionID, &d.Status, &d.EndpointURL,
		&metadataBytes, &d.ErrorMessage, &d.BuildStrategy, &d.DeployStrategy, &d.DeployConfig,
		&d.LockedUntil, &d.DeployedAt, &d.StoppedAt, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return Deployment{}, err
	}
	if len(metadataBytes) > 0 {
		if err := json.Unmarshal(metadataBytes, &d.Metadata); err != nil {
			return Deployment{}, fmt.Errorf("unmarshalling deployment metadata: %w", err)
		}
	}
	return d, nil
}

// CreateDeployment inserts a new Deployment in status=pending.
func (s *Store) CreateDeployment(ctx context.Context, ownerID uuid.UUID, req CreateDeploymentRequest) (Deployment, error) {
	metadata, err := json.Marshal(Metadata{})
	if err != nil {
		return Deployment{}, fmt.Errorf("marshalling empty metadata: %w", err)
	}
	deployConfig := req.DeployConfig
	if deployConfig == nil {
		deployConfig = json.RawMessage(`{}`)
	}

	query := `INSERT INTO deployments
		(owner_id, agent_id, agent_version_id, status, metadata, build_strategy, deploy_strategy, deploy_config)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING ` + deploymentColumns
	return scanDeployment(s.dbtx.QueryRow(ctx, query,
		ownerID, req.AgentID, req.AgentVersionID, StatusPending, metadata, req.BuildStrategy, req.DeployStrategy, deployConfig))
}

// GetDeployment returns a Deployment by id, or pgx.ErrNoRows.
func (s *Store) GetDeployment(ctx context.Context, id uuid.UUID) (Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE id = $1`
	return scanDeployment(s.dbtx.QueryRow(ctx, query, id))
}

// ListDeployments returns a page of deployments, optionally scoped to an
// owner and/or filtered, newest first.
func (s *Store) ListDeployments(ctx context.Context, ownerID *uuid.UUID, filters ListFilters, page httpserver.OffsetParams) ([]Deployment, int, error) {
	where := []string{"1=1"}
	args := []any{}
	argN := 1

	if ownerID != nil {
		args = append(args, *ownerID)
		where = append(where, fmt.Sprintf("owner_id = $%d", argN))
		argN++
	}
	if filters.Status != "" {
		args = append(args, filters.Status)
		where = append(where, fmt.Sprintf("status = $%d", argN))
		argN++
	}
	if filters.AgentID != nil {
		args = append(args, *filters.AgentID)
		where = append(where, fmt.Sprintf("agent_id = $%d", argN))
		argN++
	}

	whereClause := ""
	for i, w := range where {
		if i == 0 {
			whereClause = w
			continue
		}
		whereClause += " AND " + w
	}

	var total int
	countQuery := `SELECT count(*) FROM deployments WHERE ` + whereClause
	if err := s.dbtx.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting deployments: %w", err)
	}

	args = append(args, page.PageSize, page.Offset)
	query := fmt.Sprintf(`SELECT %s FROM deployments WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		deploymentColumns, whereClause, argN, argN+1)
	rows, err := s.dbtx.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing deployments: %w", err)
	}
	defer rows.Close()

	var items []Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning deployment row: %w", err)
		}
		items = append(items, d)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating deployment rows: %w", err)
	}
	return items, total, nil
}

// LeaseNextPending atomically claims one pending (or lease-expired)
// deployment for processing, the pgx SKIP LOCKED idiom named in spec.md
// §4.4. Returns pgx.ErrNoRows if nothing is available.
func LeaseNextPending(ctx context.Context, pool *pgxpool.Pool, leaseDuration string) (Deployment, error) {
	query := `UPDATE deployments SET locked_until = now() + $1::interval
		WHERE id = (
			SELECT id FROM deployments
			WHERE status IN ('pending', 'deploying')
			AND (locked_until IS NULL OR locked_until < now())
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING ` + deploymentColumns
	return scanDeployment(pool.QueryRow(ctx, query, leaseDuration))
}

// RenewLease extends a held lease. Called periodically during long polls.
func RenewLease(ctx context.Context, pool *pgxpool.Pool, id uuid.UUID, leaseDuration string) error {
	_, err := pool.Exec(ctx, `UPDATE deployments SET locked_until = now() + $2::interval WHERE id = $1`, id, leaseDuration)
	if err != nil {
		return fmt.Errorf("renewing deployment lease: %w", err)
	}
	return nil
}

// ApplyTransition durably updates a deployment's status and metadata, and
// records a transition log entry, inside one transaction — spec.md is
// explicit this must not be split across transactions.
func ApplyTransition(ctx context.Context, pool *pgxpool.Pool, id uuid.UUID, from, to Status, detail string, metadata Metadata, endpointURL, errorMessage *string) (Deployment, error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return Deployment{}, fmt.Errorf("beginning transition transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	metadataBytes, err := json.Marshal(metadata)
	if err != nil {
		return Deployment{}, fmt.Errorf("marshalling metadata: %w", err)
	}

	var deployedAtClause, stoppedAtClause string
	switch to {
	case StatusRunning:
		deployedAtClause = ", deployed_at = now()"
	case StatusStopped:
		stoppedAtClause = ", stopped_at = now()"
	}

	query := fmt.Sprintf(`UPDATE deployments
		SET status = $2, metadata = $3, endpoint_url = $4, error_message = $5, updated_at = now()%s%s
		WHERE id = $1
		RETURNING %s`, deployedAtClause, stoppedAtClause, deploymentColumns)
	d, err := scanDeployment(tx.QueryRow(ctx, query, id, to, metadataBytes, endpointURL, errorMessage))
	if err != nil {
		return Deployment{}, fmt.Errorf("updating deployment status: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO deployment_transitions (deployment_id, from_status, to_status, detail) VALUES ($1, $2, $3, $4)`,
		id, from, to, detail); err != nil {
		return Deployment{}, fmt.Errorf("recording transition log entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Deployment{}, fmt.Errorf("committing transition: %w", err)
	}
	return d, nil
}

// ListTransitions returns the full transition log for a deployment, oldest
// first.
func (s *Store) ListTransitions(ctx context.Context, deploymentID uuid.UUID) ([]Transition, error) {
	rows, err := s.dbtx.Query(ctx,
		`SELECT id, deployment_id, from_status, to_status, at, detail FROM deployment_transitions
		WHERE deployment_id = $1 ORDER BY at ASC`, deploymentID)
	if err != nil {
		return nil, fmt.Errorf("listing transitions: %w", err)
	}
	defer rows.Close()

	var items []Transition
	for rows.Next() {
		var t Transition
		if err := rows.Scan(&t.ID, &t.DeploymentID, &t.From, &t.To, &t.At, &t.Detail); err != nil {
			return nil, fmt.Errorf("scanning transition row: %w", err)
		}
		items = append(items, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating transition rows: %w", err)
	}
	return items, nil
}
