package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wisbric/agentctl/internal/db"
)

// Store provides database operations for profiles, machine clients, roles
// and permissions. All methods accept a db.DBTX so callers can run a
// sequence of calls inside one transaction by passing a pgx.Tx instead of
// the pool.
type Store struct {
	dbtx db.DBTX
}

// NewStore creates an identity Store backed by the given database handle.
func NewStore(dbtx db.DBTX) *Store {
	return &Store{dbtx: dbtx}
}

const profileColumns = `id, email, display_name, created_at, updated_at`

func scanProfile(row pgx.Row) (Profile, error) {
	var p Profile
	err := row.Scan(&p.ID, &p.Email, &p.DisplayName, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

// CreateProfile inserts a Profile row, used when a user registers.
func (s *Store) CreateProfile(ctx context.Context, id uuid.UUID, email, displayName string) (Profile, error) {
	query := `INSERT INTO profiles (id, email, display_name) VALUES ($1, $2, $3)
	RETURNING ` + profileColumns
	row := s.dbtx.QueryRow(ctx, query, id, email, displayName)
	p, err := scanProfile(row)
	if err != nil {
		return Profile{}, fmt.Errorf("inserting profile: %w", err)
	}
	return p, nil
}

// GetProfile returns a Profile by id.
func (s *Store) GetProfile(ctx context.Context, id uuid.UUID) (Profile, error) {
	query := `SELECT ` + profileColumns + ` FROM profiles WHERE id = $1`
	p, err := scanProfile(s.dbtx.QueryRow(ctx, query, id))
	if err != nil {
		return Profile{}, fmt.Errorf("getting profile: %w", err)
	}
	return p, nil
}

// GetProfileByEmail returns a Profile by email, or pgx.ErrNoRows.
func (s *Store) GetProfileByEmail(ctx context.Context, email string) (Profile, error) {
	query := `SELECT ` + profileColumns + ` FROM profiles WHERE email = $1`
	return scanProfile(s.dbtx.QueryRow(ctx, query, email))
}

// UpdateProfile updates the display name of an existing profile.
func (s *Store) UpdateProfile(ctx context.Context, id uuid.UUID, displayName string) (Profile, error) {
	query := `UPDATE profiles SET display_name = $2, updated_at = now() WHERE id = $1
	RETURNING ` + profileColumns
	p, err := scanProfile(s.dbtx.QueryRow(ctx, query, id, displayName))
	if err != nil {
		return Profile{}, fmt.Errorf("updating profile: %w", err)
	}
	return p, nil
}

const roleColumns = `id, name, description`

func scanRole(row pgx.Row) (Role, error) {
	var r Role
	err := row.Scan(&r.ID, &r.Name, &r.Description)
	return r, err
}

// CreateRole inserts a new Role.
func (s *Store) CreateRole(ctx context.Context, name, description string) (Role, error) {
	query := `INSERT INTO roles (name, description) VALUES ($1, $2) RETURNING ` + roleColumns
	r, err := scanRole(s.dbtx.QueryRow(ctx, query, name, description))
	if err != nil {
		return Role{}, fmt.Errorf("inserting role: %w", err)
	}
	return r, nil
}

// ListRoles returns every role, ordered by name.
func (s *Store) ListRoles(ctx context.Context) ([]Role, error) {
	query := `SELECT ` + roleColumns + ` FROM roles ORDER BY name`
	rows, err := s.dbtx.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing roles: %w", err)
	}
	defer rows.Close()

	var items []Role
	for rows.Next() {
		var r Role
		if err := rows.Scan(&r.ID, &r.Name, &r.Description); err != nil {
			return nil, fmt.Errorf("scanning role row: %w", err)
		}
		items = append(items, r)
	}
	return items, rows.Err()
}

// GetRoleByName returns a role by its unique name.
func (s *Store) GetRoleByName(ctx context.Context, name string) (Role, error) {
	query := `SELECT ` + roleColumns + ` FROM roles WHERE name = $1`
	return scanRole(s.dbtx.QueryRow(ctx, query, name))
}

// DeleteRole removes a role by id; cascades to role_permissions/user_roles/client_roles.
func (s *Store) DeleteRole(ctx context.Context, id uuid.UUID) error {
	tag, err := s.dbtx.Exec(ctx, `DELETE FROM roles WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

const permissionColumns = `id, name`

func scanPermission(row pgx.Row) (Permission, error) {
	var p Permission
	err := row.Scan(&p.ID, &p.Name)
	return p, err
}

// CreatePermission inserts a new Permission.
func (s *Store) CreatePermission(ctx context.Context, name string) (Permission, error) {
	query := `INSERT INTO permissions (name) VALUES ($1) RETURNING ` + permissionColumns
	p, err := scanPermission(s.dbtx.QueryRow(ctx, query, name))
	if err != nil {
		return Permission{}, fmt.Errorf("inserting permission: %w", err)
	}
	return p, nil
}

// ListPermissions returns every permission, ordered by name.
func (s *Store) ListPermissions(ctx context.Context) ([]Permission, error) {
	query := `SELECT ` + permissionColumns + ` FROM permissions ORDER BY name`
	rows, err := s.dbtx.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing permissions: %w", err)
	}
	defer rows.Close()

	var items []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Name); err != nil {
			return nil, fmt.Errorf("scanning permission row: %w", err)
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

// DeletePermission removes a permission by id.
func (s *Store) DeletePermission(ctx context.Context, id uuid.UUID) error {
	tag, err := s.dbtx.Exec(ctx, `DELETE FROM permissions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting permission: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// AttachPermissionToRole grants permissionID to roleID, idempotently.
func (s *Store) AttachPermissionToRole(ctx context.Context, roleID, permissionID uuid.UUID) error {
	query := `INSERT INTO role_permissions (role_id, permission_id) VALUES ($1, $2)
	ON CONFLICT (role_id, permission_id) DO NOTHING`
	if _, err := s.dbtx.Exec(ctx, query, roleID, permissionID); err != nil {
		return fmt.Errorf("attaching permission to role: %w", err)
	}
	return nil
}

// PermissionsForRoles returns the union of permission names granted to any
// of the given role names.
func (s *Store) PermissionsForRoles(ctx context.Context, roleNames []string) ([]string, error) {
	if len(roleNames) == 0 {
		return nil, nil
	}
	query := `SELECT DISTINCT p.name
	FROM permissions p
	JOIN role_permissions rp ON rp.permission_id = p.id
	JOIN roles r ON r.id = rp.role_id
	WHERE r.name = ANY($1)`
	rows, err := s.dbtx.Query(ctx, query, roleNames)
	if err != nil {
		return nil, fmt.Errorf("listing permissions for roles: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("scanning permission name: %w", err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// AssignUserRole grants roleID to userID, idempotently.
func (s *Store) AssignUserRole(ctx context.Context, userID, roleID uuid.UUID) error {
	query := `INSERT INTO user_roles (user_id, role_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`
	if _, err := s.dbtx.Exec(ctx, query, userID, roleID); err != nil {
		return fmt.Errorf("assigning user role: %w", err)
	}
	return nil
}

// RoleNamesForUser returns the role names directly assigned to userID.
func (s *Store) RoleNamesForUser(ctx context.Context, userID uuid.UUID) ([]string, error) {
	query := `SELECT r.name FROM roles r JOIN user_roles ur ON ur.role_id = r.id WHERE ur.user_id = $1`
	rows, err := s.dbtx.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("listing roles for user: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("scanning role name: %w", err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

const machineClientColumns = `client_id, secret_hash, name, created_at, revoked_at`

type machineClientRow struct {
	ClientID      uuid.UUID
	SecretHash    string
	Name          string
	AssignedRoles []string
	CreatedAt     time.Time
	RevokedAt     *time.Time
}

func (r machineClientRow) toMachineClient() MachineClient {
	return MachineClient{
		ClientID:  r.ClientID,
		Name:      r.Name,
		Roles:     r.AssignedRoles,
		CreatedAt: r.CreatedAt,
		RevokedAt: r.RevokedAt,
	}
}

func scanMachineClientRow(row pgx.Row) (machineClientRow, error) {
	var r machineClientRow
	err := row.Scan(&r.ClientID, &r.SecretHash, &r.Name, &r.CreatedAt, &r.RevokedAt)
	return r, err
}

// roleNamesForClient returns the role names assigned to a machine client via
// client_roles, mirroring RoleNamesForUser's join shape for profiles.
func (s *Store) roleNamesForClient(ctx context.Context, clientID uuid.UUID) ([]string, error) {
	query := `SELECT r.name FROM roles r JOIN client_roles cr ON cr.role_id = r.id WHERE cr.client_id = $1`
	rows, err := s.dbtx.Query(ctx, query, clientID)
	if err != nil {
		return nil, fmt.Errorf("listing roles for client: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("scanning role name: %w", err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// setClientRoles replaces a client's role assignments with roleNames,
// resolving each name to its Role row. An unknown role name returns an
// error.
func (s *Store) setClientRoles(ctx context.Context, clientID uuid.UUID, roleNames []string) error {
	if _, err := s.dbtx.Exec(ctx, `DELETE FROM client_roles WHERE client_id = $1`, clientID); err != nil {
		return fmt.Errorf("clearing client roles: %w", err)
	}
	for _, name := range roleNames {
		role, err := s.GetRoleByName(ctx, name)
		if err != nil {
			return fmt.Errorf("looking up role %q: %w", name, err)
		}
		if err := s.AssignClientRole(ctx, clientID, role.ID); err != nil {
			return err
		}
	}
	return nil
}

// AssignClientRole grants roleID to clientID, idempotently.
func (s *Store) AssignClientRole(ctx context.Context, clientID, roleID uuid.UUID) error {
	query := `INSERT INTO client_roles (client_id, role_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`
	if _, err := s.dbtx.Exec(ctx, query, clientID, roleID); err != nil {
		return fmt.Errorf("assigning client role: %w", err)
	}
	return nil
}

// CreateMachineClient inserts a new MachineClient with the given bcrypt
// secret hash and assigns it the given roles (by name) via client_roles.
func (s *Store) CreateMachineClient(ctx context.Context, name, secretHash string, roles []string) (machineClientRow, error) {
	query := `INSERT INTO machine_clients (secret_hash, name) VALUES ($1, $2)
	RETURNING ` + machineClientColumns
	row, err := scanMachineClientRow(s.dbtx.QueryRow(ctx, query, secretHash, name))
	if err != nil {
		return machineClientRow{}, fmt.Errorf("inserting machine client: %w", err)
	}

	if err := s.setClientRoles(ctx, row.ClientID, roles); err != nil {
		return machineClientRow{}, fmt.Errorf("assigning roles to new machine client: %w", err)
	}
	row.AssignedRoles = roles
	return row, nil
}

// GetMachineClientByName returns a MachineClient by its well-known name, or pgx.ErrNoRows.
func (s *Store) GetMachineClientByName(ctx context.Context, name string) (machineClientRow, error) {
	query := `SELECT ` + machineClientColumns + ` FROM machine_clients WHERE name = $1`
	row, err := scanMachineClientRow(s.dbtx.QueryRow(ctx, query, name))
	if err != nil {
		return machineClientRow{}, err
	}
	row.AssignedRoles, err = s.roleNamesForClient(ctx, row.ClientID)
	return row, err
}

// GetMachineClient returns a MachineClient by id, or pgx.ErrNoRows.
func (s *Store) GetMachineClient(ctx context.Context, clientID uuid.UUID) (machineClientRow, error) {
	query := `SELECT ` + machineClientColumns + ` FROM machine_clients WHERE client_id = $1`
	row, err := scanMachineClientRow(s.dbtx.QueryRow(ctx, query, clientID))
	if err != nil {
		return machineClientRow{}, err
	}
	row.AssignedRoles, err = s.roleNamesForClient(ctx, row.ClientID)
	return row, err
}

// AssignClientRoles replaces the role assignments for a machine client.
func (s *Store) AssignClientRoles(ctx context.Context, clientID uuid.UUID, roles []string) (machineClientRow, error) {
	row, err := s.GetMachineClient(ctx, clientID)
	if err != nil {
		return machineClientRow{}, fmt.Errorf("looking up machine client: %w", err)
	}
	if err := s.setClientRoles(ctx, clientID, roles); err != nil {
		return machineClientRow{}, fmt.Errorf("assigning client roles: %w", err)
	}
	row.AssignedRoles = roles
	return row, nil
}

// RevokeMachineClient sets revoked_at on a machine client.
func (s *Store) RevokeMachineClient(ctx context.Context, clientID uuid.UUID) error {
	tag, err := s.dbtx.Exec(ctx,
		`UPDATE machine_clients SET revoked_at = now() WHERE client_id = $1 AND revoked_at IS NULL`,
		clientID)
	if err != nil {
		return fmt.Errorf("revoking machine client: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}
