package auth

import (
	"context"
	"fmt"
)

// Verifier classifies and verifies a bearer token against either the user
// or machine token family, then resolves its permission set. It is safe for
// concurrent use and is shared across every HTTP handler and WebSocket
// upgrade in the process.
type Verifier struct {
	userVerifier    *UserTokenVerifier // nil if OIDC is not configured
	machineVerifier *MachineTokenIssuer
	roles           RoleFetcher
	cache           *PermissionCache
}

// NewVerifier builds a Verifier. userVerifier may be nil (OIDC disabled);
// machineVerifier must not be.
func NewVerifier(userVerifier *UserTokenVerifier, machineVerifier *MachineTokenIssuer, roles RoleFetcher, cache *PermissionCache) *Verifier {
	return &Verifier{
		userVerifier:    userVerifier,
		machineVerifier: machineVerifier,
		roles:           roles,
		cache:           cache,
	}
}

// Verify classifies rawToken by attempting machine verification first (cheap,
// no network call), then user verification. Per spec §4.1, classification is
// really "whichever family's signature/iss/aud checks out"; trying the local
// HS256 check before the OIDC one avoids an unnecessary JWKS-backed verify
// for the common service-to-service case.
func (v *Verifier) Verify(ctx context.Context, rawToken string) (*Identity, error) {
	if p, err := v.machineVerifier.Verify(rawToken); err == nil {
		if err := v.cache.ResolveMachine(ctx, v.roles, p); err != nil {
			return nil, newAuthError("invalid_token", fmt.Sprintf("resolving permissions: %v", err))
		}
		return p, nil
	}

	if v.userVerifier != nil {
		p, err := v.userVerifier.Verify(ctx, rawToken)
		if err == nil {
			if err := v.cache.ResolveUser(ctx, v.roles, p); err != nil {
				return nil, newAuthError("invalid_token", fmt.Sprintf("resolving permissions: %v", err))
			}
			return p, nil
		}
	}

	return nil, newAuthError("invalid_token", "token matches neither the user nor machine token family")
}

// Require checks identity's effective permission set, honoring the admin
// wildcard.
func Require(p *Identity, permission string) bool {
	if p == nil {
		return false
	}
	return p.HasPermission(permission)
}
