package agent

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/agentctl/internal/db"
	"github.com/wisbric/agentctl/internal/httpserver"
)

// Store provides database operations for agents and agent versions.
type Store struct {
	dbtx db.DBTX
}

// NewStore creates an agent Store backed by the given database handle.
func NewStore(dbtx db.DBTX) *Store {
	return &Store{dbtx: dbtx}
}

const agentColumns = `id, owner_id, name, description, status, tags, created_at, updated_at`

func scanAgent(row pgx.Row) (Agent, error) {
	var a Agent
	err := row.Scan(&a.ID, &a.OwnerID, &a.Name, &a.Description, &a.Status, &a.Tags, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

const versionColumns = `id, agent_id, owner_id, version_number, config, changelog, published_at, created_at`

func scanVersion(row pgx.Row) (AgentVersion, error) {
	var v AgentVersion
	err := row.Scan(&v.ID, &v.AgentID, &v.OwnerID, &v.VersionNumber, &v.Config, &v.Changelog, &v.PublishedAt, &v.CreatedAt)
	return v, err
}

// CreateAgentWithVersion inserts an Agent and its v1 AgentVersion in one
// transaction. Fails with a unique-violation error (callers translate this
// to "conflict") on an (owner_id, name) duplicate.
func CreateAgentWithVersion(ctx context.Context, pool *pgxpool.Pool, ownerID uuid.UUID, req CreateAgentRequest) (Agent, AgentVersion, error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return Agent{}, AgentVersion{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tags := req.Tags
	if tags == nil {
		tags = []string{}
	}

	agentQuery := `INSERT INTO agents (owner_id, name, description, status, tags)
	VALUES ($1, $2, $3, $4, $5)
	RETURNING ` + agentColumns
	a, err := scanAgent(tx.QueryRow(ctx, agentQuery, ownerID, req.Name, req.Description, StatusDraft, tags))
	if err != nil {
		return Agent{}, AgentVersion{}, fmt.Errorf("inserting agent: %w", err)
	}

	versionQuery := `INSERT INTO agent_versions (agent_id, owner_id, version_number, config, changelog)
	VALUES ($1, $2, 1, $3, NULL)
	RETURNING ` + versionColumns
	v, err := scanVersion(tx.QueryRow(ctx, versionQuery, a.ID, ownerID, req.Config))
	if err != nil {
		return Agent{}, AgentVersion{}, fmt.Errorf("inserting agent version: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Agent{}, AgentVersion{}, fmt.Errorf("committing agent creation: %w", err)
	}
	return a, v, nil
}

// GetAgent returns an Agent by id, or pgx.ErrNoRows.
func (s *Store) GetAgent(ctx context.Context, id uuid.UUID) (Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE id = $1`
	return scanAgent(s.dbtx.QueryRow(ctx, query, id))
}

// ListAgents returns a page of agents, optionally scoped to a single owner
// and/or filtered, ordered by created_at descending.
func (s *Store) ListAgents(ctx context.Context, ownerID *uuid.UUID, filters ListFilters, page httpserver.OffsetParams) ([]Agent, int, error) {
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
	if filters.Tag != "" {
		args = append(args, filters.Tag)
		where = append(where, fmt.Sprintf("$%d = ANY(tags)", argN))
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
	countQuery := `SELECT count(*) FROM agents WHERE ` + whereClause
	if err := s.dbtx.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting agents: %w", err)
	}

	args = append(args, page.PageSize, page.Offset)
	query := fmt.Sprintf(`SELECT %s FROM agents WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		agentColumns, whereClause, argN, argN+1)
	rows, err := s.dbtx.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing agents: %w", err)
	}
	defer rows.Close()

	var items []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning agent row: %w", err)
		}
		items = append(items, a)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating agent rows: %w", err)
	}
	return items, total, nil
}

// ArchiveAgent sets status to archived. No-op if already archived.
func (s *Store) ArchiveAgent(ctx context.Context, id uuid.UUID) (Agent, error) {
	query := `UPDATE agents SET status = $2, updated_at = now() WHERE id = $1 RETURNING ` + agentColumns
	return scanAgent(s.dbtx.QueryRow(ctx, query, id, StatusArchived))
}

// GetLatestVersion returns the AgentVersion with the highest version_number
// for the given agent.
func (s *Store) GetLatestVersion(ctx context.Context, agentID uuid.UUID) (AgentVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM agent_versions WHERE agent_id = $1
	ORDER BY version_number DESC LIMIT 1`
	return scanVersion(s.dbtx.QueryRow(ctx, query, agentID))
}

// GetVersionByID returns a specific AgentVersion, or pgx.ErrNoRows if it
// does not exist under the given agent.
func (s *Store) GetVersionByID(ctx context.Context, agentID, versionID uuid.UUID) (AgentVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM agent_versions WHERE agent_id = $1 AND id = $2`
	return scanVersion(s.dbtx.QueryRow(ctx, query, agentID, versionID))
}

// ListAgentVersions returns a page of versions for an agent, newest first.
func (s *Store) ListAgentVersions(ctx context.Context, agentID uuid.UUID, page httpserver.OffsetParams) ([]AgentVersion, int, error) {
	var total int
	if err := s.dbtx.QueryRow(ctx, `SELECT count(*) FROM agent_versions WHERE agent_id = $1`, agentID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting agent versions: %w", err)
	}

	query := `SELECT ` + versionColumns + ` FROM agent_versions WHERE agent_id = $1
	ORDER BY version_number DESC LIMIT $2 OFFSET $3`
	rows, err := s.dbtx.Query(ctx, query, agentID, page.PageSize, page.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing agent versions: %w", err)
	}
	defer rows.Close()

	var items []AgentVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning agent version row: %w", err)
		}
		items = append(items, v)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating agent version rows: %w", err)
	}
	return items, total, nil
}

// InsertNextVersion appends a new AgentVersion with version_number one past
// the current max, inside a transaction that row-locks the parent agent
// first — this is what makes the version counter race-free across
// concurrent UpdateAgentConfig calls on the same agent, mirroring the
// teacher's insert-then-follow-up-statement transaction shape.
func InsertNextVersion(ctx context.Context, pool *pgxpool.Pool, agentID, ownerID uuid.UUID, config []byte, changelog *string) (AgentVersion, error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return AgentVersion{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var status Status
	if err := tx.QueryRow(ctx, `SELECT status FROM agents WHERE id = $1 FOR UPDATE`, agentID).Scan(&status); err != nil {
		return AgentVersion{}, fmt.Errorf("locking agent row: %w", err)
	}
	if status == StatusArchived {
		return AgentVersion{}, ErrAgentArchived
	}

	var maxVersion int
	if err := tx.QueryRow(ctx, `SELECT coalesce(max(version_number), 0) FROM agent_versions WHERE agent_id = $1`, agentID).Scan(&maxVersion); err != nil {
		return AgentVersion{}, fmt.Errorf("reading current max version: %w", err)
	}

	query := `INSERT INTO agent_versions (agent_id, owner_id, version_number, config, changelog)
	VALUES ($1, $2, $3, $4, $5)
	RETURNING ` + versionColumns
	v, err := scanVersion(tx.QueryRow(ctx, query, agentID, ownerID, maxVersion+1, config, changelog))
	if err != nil {
		return AgentVersion{}, fmt.Errorf("inserting next agent version: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE agents SET updated_at = now() WHERE id = $1`, agentID); err != nil {
		return AgentVersion{}, fmt.Errorf("touching agent updated_at: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return AgentVersion{}, fmt.Errorf("committing next version: %w", err)
	}
	return v, nil
}
