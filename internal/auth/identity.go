package auth

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// IdentityKind distinguishes the two token families accepted by the verifier.
type IdentityKind string

const (
	KindUser    IdentityKind = "user"
	KindMachine IdentityKind = "machine"
)

// RoleAdmin grants a wildcard permission match (see Require).
const RoleAdmin = "admin"

// PermissionAdminManage gates the Identity Store's admin endpoints.
const PermissionAdminManage = "admin:manage"

// Identity is the transient, per-request result of verifying a bearer
// token. It is never persisted — Roles/Permissions are resolved from C2 at
// verification time (cached briefly, see PermissionCache).
type Identity struct {
	ID          uuid.UUID
	Kind        IdentityKind
	Roles       []string
	Permissions map[string]struct{}
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

// HasRole reports whether the identity holds the given role exactly.
func (p *Identity) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasPermission reports whether the identity's effective permission set
// contains perm, honoring the admin wildcard.
func (p *Identity) HasPermission(perm string) bool {
	if p.HasRole(RoleAdmin) {
		return true
	}
	_, ok := p.Permissions[perm]
	return ok
}

type ctxKey string

const identityKey ctxKey = "identity"

// NewContext stores the identity in the context.
func NewContext(ctx context.Context, p *Identity) context.Context {
	return context.WithValue(ctx, identityKey, p)
}

// FromContext extracts the identity from the context, or nil if unset.
func FromContext(ctx context.Context) *Identity {
	v, _ := ctx.Value(identityKey).(*Identity)
	return v
}
