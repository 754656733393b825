package identity

import (
	"time"

	"github.com/google/uuid"
)

// Profile is a registered user, created when it registers through the
// external identity provider. Never deleted — deactivation is out of
// core scope.
type Profile struct {
	ID          uuid.UUID `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// MachineClient is a service identity that authenticates via the
// client-credentials grant on POST /auth/token.
type MachineClient struct {
	ClientID  uuid.UUID  `json:"client_id"`
	Name      string     `json:"name"`
	Roles     []string   `json:"roles"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// Role is an immutable, uniquely-named bundle of permissions.
type Role struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
}

// Permission is an immutable, uniquely-named grantable capability.
type Permission struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

// RegisterRequest is the JSON body for POST /auth/register.
type RegisterRequest struct {
	Email       string `json:"email" validate:"required,email"`
	Password    string `json:"password" validate:"required,min=8"`
	DisplayName string `json:"display_name" validate:"required,min=1"`
}

// LoginRequest is the JSON body for POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// UpdateProfileRequest is the JSON body for PATCH /auth/me.
type UpdateProfileRequest struct {
	DisplayName string `json:"display_name" validate:"required,min=1"`
}

// CreateRoleRequest is the JSON body for POST /admin/roles.
type CreateRoleRequest struct {
	Name        string `json:"name" validate:"required"`
	Description string `json:"description"`
}

// CreatePermissionRequest is the JSON body for POST /admin/permissions.
type CreatePermissionRequest struct {
	Name string `json:"name" validate:"required"`
}

// AttachPermissionRequest is the JSON body for POST /admin/roles/{id}/permissions.
type AttachPermissionRequest struct {
	PermissionID uuid.UUID `json:"permission_id" validate:"required"`
}

// CreateMachineClientRequest is the JSON body for POST /admin/clients.
type CreateMachineClientRequest struct {
	Name  string   `json:"name" validate:"required"`
	Roles []string `json:"roles" validate:"required,min=1"`
}

// CreateMachineClientResponse carries the one-time plaintext secret.
type CreateMachineClientResponse struct {
	ClientID     uuid.UUID `json:"client_id"`
	ClientSecret string    `json:"client_secret"`
	Name         string    `json:"name"`
	Roles        []string  `json:"roles"`
}

// AssignClientRolesRequest is the JSON body for PUT /admin/clients/{id}/roles.
type AssignClientRolesRequest struct {
	Roles []string `json:"roles" validate:"required,min=1"`
}

// TokenRequest is the JSON body for POST /auth/token (client-credentials
// grant only).
type TokenRequest struct {
	GrantType    string `json:"grant_type" validate:"required,eq=client_credentials"`
	ClientID     string `json:"client_id" validate:"required"`
	ClientSecret string `json:"client_secret" validate:"required"`
}

// TokenResponse is the JSON response for a successful /auth/token exchange.
type TokenResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}
