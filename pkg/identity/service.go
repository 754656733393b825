package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"

	"github.com/wisbric/agentctl/internal/auth"
)

// ErrClientExists is returned by GetOrCreateMachineClient when the named
// client already exists server-side but the caller holds no credentials for
// it — the bootstrap protocol treats this as a fatal startup condition
// rather than minting a second client with the same name.
var ErrClientExists = errors.New("machine client already exists; credentials must be supplied out of band")

// Service implements the Identity Store: user registration/login proxying,
// role/permission administration, machine-client lifecycle, and the
// client-credentials token grant.
type Service struct {
	pool     *pgxpool.Pool
	provider *ProviderClient
	tokens   *auth.MachineTokenIssuer
	logger   *slog.Logger
}

// NewService creates an identity Service.
func NewService(pool *pgxpool.Pool, provider *ProviderClient, tokens *auth.MachineTokenIssuer, logger *slog.Logger) *Service {
	return &Service{pool: pool, provider: provider, tokens: tokens, logger: logger}
}

// Register proxies registration to the identity provider, then creates a
// Profile row and assigns the default "user" role in one transaction. If the
// Profile insert fails, the whole registration is reported as failed even
// though the provider already created the account. Login does not create a
// missing Profile.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (Profile, ProviderTokens, error) {
	tokens, err := s.provider.Register(ctx, req.Email, req.Password, req.DisplayName)
	if err != nil {
		return Profile{}, ProviderTokens{}, fmt.Errorf("registering with identity provider: %w", err)
	}

	userID, err := uuid.Parse(tokens.UserID)
	if err != nil {
		return Profile{}, ProviderTokens{}, fmt.Errorf("identity provider returned non-UUID user_id: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Profile{}, ProviderTokens{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	store := NewStore(tx)
	profile, err := store.CreateProfile(ctx, userID, req.Email, req.DisplayName)
	if err != nil {
		return Profile{}, ProviderTokens{}, fmt.Errorf("provisioning local profile: %w", err)
	}

	defaultRole, err := store.GetRoleByName(ctx, "user")
	if err != nil {
		return Profile{}, ProviderTokens{}, fmt.Errorf("looking up default role: %w", err)
	}
	if err := store.AssignUserRole(ctx, userID, defaultRole.ID); err != nil {
		return Profile{}, ProviderTokens{}, fmt.Errorf("assigning default role: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Profile{}, ProviderTokens{}, fmt.Errorf("committing registration: %w", err)
	}

	return profile, tokens, nil
}

// Login proxies a login call unchanged to the identity provider.
func (s *Service) Login(ctx context.Context, req LoginRequest) (ProviderTokens, error) {
	tokens, err := s.provider.Login(ctx, req.Email, req.Password)
	if err != nil {
		return ProviderTokens{}, fmt.Errorf("logging in with identity provider: %w", err)
	}
	return tokens, nil
}

// GetProfile returns the caller's own profile.
func (s *Service) GetProfile(ctx context.Context, id uuid.UUID) (Profile, error) {
	return NewStore(s.pool).GetProfile(ctx, id)
}

// UpdateProfile updates the caller's display name.
func (s *Service) UpdateProfile(ctx context.Context, id uuid.UUID, req UpdateProfileRequest) (Profile, error) {
	return NewStore(s.pool).UpdateProfile(ctx, id, req.DisplayName)
}

// CreateRole creates a new role (admin surface).
func (s *Service) CreateRole(ctx context.Context, req CreateRoleRequest) (Role, error) {
	return NewStore(s.pool).CreateRole(ctx, req.Name, req.Description)
}

// ListRoles lists every role (admin surface).
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return NewStore(s.pool).ListRoles(ctx)
}

// DeleteRole removes a role by id (admin surface).
func (s *Service) DeleteRole(ctx context.Context, id uuid.UUID) error {
	return NewStore(s.pool).DeleteRole(ctx, id)
}

// CreatePermission creates a new permission (admin surface).
func (s *Service) CreatePermission(ctx context.Context, req CreatePermissionRequest) (Permission, error) {
	return NewStore(s.pool).CreatePermission(ctx, req.Name)
}

// ListPermissions lists every permission (admin surface).
func (s *Service) ListPermissions(ctx context.Context) ([]Permission, error) {
	return NewStore(s.pool).ListPermissions(ctx)
}

// DeletePermission removes a permission by id (admin surface).
func (s *Service) DeletePermission(ctx context.Context, id uuid.UUID) error {
	return NewStore(s.pool).DeletePermission(ctx, id)
}

// AttachPermission grants a permission to a role (admin surface).
func (s *Service) AttachPermission(ctx context.Context, roleID uuid.UUID, req AttachPermissionRequest) error {
	return NewStore(s.pool).AttachPermissionToRole(ctx, roleID, req.PermissionID)
}

// CreateMachineClient creates a new MachineClient, returning the client id
// and a plaintext secret shown exactly once.
func (s *Service) CreateMachineClient(ctx context.Context, req CreateMachineClientRequest) (CreateMachineClientResponse, error) {
	secret := generateClientSecret()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return CreateMachineClientResponse{}, fmt.Errorf("hashing client secret: %w", err)
	}

	row, err := NewStore(s.pool).CreateMachineClient(ctx, req.Name, string(hash), req.Roles)
	if err != nil {
		return CreateMachineClientResponse{}, fmt.Errorf("creating machine client: %w", err)
	}

	return CreateMachineClientResponse{
		ClientID:     row.ClientID,
		ClientSecret: secret,
		Name:         row.Name,
		Roles:        row.AssignedRoles,
	}, nil
}

// AssignClientRoles replaces a machine client's assigned roles.
func (s *Service) AssignClientRoles(ctx context.Context, clientID uuid.UUID, req AssignClientRolesRequest) (MachineClient, error) {
	row, err := NewStore(s.pool).AssignClientRoles(ctx, clientID, req.Roles)
	if err != nil {
		return MachineClient{}, err
	}
	return row.toMachineClient(), nil
}

// RevokeClient revokes a machine client, preventing future token mints.
func (s *Service) RevokeClient(ctx context.Context, clientID uuid.UUID) error {
	return NewStore(s.pool).RevokeMachineClient(ctx, clientID)
}

// MintToken verifies a client-credentials grant and mints a machine token.
// Returns auth.TokenError("invalid_client", ...) on any credential mismatch
// — the caller never learns whether the client id or secret was wrong.
func (s *Service) MintToken(ctx context.Context, req TokenRequest) (TokenResponse, error) {
	clientID, err := uuid.Parse(req.ClientID)
	if err != nil {
		return TokenResponse{}, invalidClientErr()
	}

	row, err := NewStore(s.pool).GetMachineClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return TokenResponse{}, invalidClientErr()
		}
		return TokenResponse{}, fmt.Errorf("looking up machine client: %w", err)
	}

	if row.RevokedAt != nil {
		return TokenResponse{}, invalidClientErr()
	}

	if err := bcrypt.CompareHashAndPassword([]byte(row.SecretHash), []byte(req.ClientSecret)); err != nil {
		return TokenResponse{}, invalidClientErr()
	}

	token, expiry, err := s.tokens.Mint(row.ClientID, row.AssignedRoles)
	if err != nil {
		return TokenResponse{}, fmt.Errorf("minting machine token: %w", err)
	}

	return TokenResponse{AccessToken: token, TokenType: "bearer", ExpiresAt: expiry}, nil
}

// GetOrCreateMachineClient implements the bootstrap protocol's step 2–4: a
// non-identity service looks up its well-known client by name. If it
// already exists, the caller is expected to already hold persisted
// credentials for it — the secret cannot be recovered from the hash, so
// this returns ErrClientExists rather than minting a fresh secret out from
// under an existing deployment. If it does not exist, it is created fresh
// and the one-time secret is returned.
func (s *Service) GetOrCreateMachineClient(ctx context.Context, name string, roles []string) (CreateMachineClientResponse, bool, error) {
	_, err := NewStore(s.pool).GetMachineClientByName(ctx, name)
	if err == nil {
		return CreateMachineClientResponse{}, false, ErrClientExists
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return CreateMachineClientResponse{}, false, fmt.Errorf("looking up machine client %q: %w", name, err)
	}

	resp, err := s.CreateMachineClient(ctx, CreateMachineClientRequest{Name: name, Roles: roles})
	if err != nil {
		return CreateMachineClientResponse{}, false, fmt.Errorf("creating bootstrap machine client %q: %w", name, err)
	}
	return resp, true, nil
}

// FetchUserRoleSet implements auth.RoleFetcher for user identities.
func (s *Service) FetchUserRoleSet(ctx context.Context, userID uuid.UUID) ([]string, map[string]struct{}, error) {
	store := NewStore(s.pool)
	roles, err := store.RoleNamesForUser(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("fetching roles for user %s: %w", userID, err)
	}
	perms, err := store.PermissionsForRoles(ctx, roles)
	if err != nil {
		return nil, nil, fmt.Errorf("fetching permissions for user %s: %w", userID, err)
	}
	return roles, toPermSet(perms), nil
}

// FetchPermissionsForRoles implements auth.RoleFetcher for machine identities.
func (s *Service) FetchPermissionsForRoles(ctx context.Context, roles []string) (map[string]struct{}, error) {
	perms, err := NewStore(s.pool).PermissionsForRoles(ctx, roles)
	if err != nil {
		return nil, fmt.Errorf("fetching permissions for roles %v: %w", roles, err)
	}
	return toPermSet(perms), nil
}

func toPermSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}

func invalidClientErr() error {
	return &auth.TokenError{Code: "invalid_client", Message: "unknown client or wrong secret"}
}

// generateClientSecret returns a random, URL-safe secret for a new MachineClient.
func generateClientSecret() string {
	return "mcs_" + uuid.NewString() + uuid.NewString()
}
