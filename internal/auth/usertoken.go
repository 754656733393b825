package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
)

// userClaims are the JWT claims extracted from a verified user token.
type userClaims struct {
	Subject string `json:"sub"`
	Expiry  int64  `json:"exp"`
	IatUnix int64  `json:"iat"`
}

// UserTokenVerifier validates human-user bearer tokens issued by the
// external identity provider, discovered via OIDC.
type UserTokenVerifier struct {
	verifier *oidc.IDTokenVerifier
	audience string
}

// NewUserTokenVerifier performs OIDC discovery against issuerURL and builds a
// verifier that enforces the given audience (spec default: "authenticated").
func NewUserTokenVerifier(ctx context.Context, issuerURL, clientID, audience string) (*UserTokenVerifier, error) {
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("discovering OIDC provider %s: %w", issuerURL, err)
	}

	verifier := provider.Verifier(&oidc.Config{
		ClientID:          clientID,
		SkipClientIDCheck: clientID == "",
		SupportedSigningAlgs: []string{
			oidc.RS256, oidc.ES256,
		},
	})

	return &UserTokenVerifier{verifier: verifier, audience: audience}, nil
}

// Verify checks signature, exp/nbf (30s skew is handled by the oidc library's
// own clock skew tolerance), iss, and aud, then returns the resulting
// Identity. Roles/permissions are left empty — the caller resolves them via
// a RoleFetcher (see permcache.go).
func (v *UserTokenVerifier) Verify(ctx context.Context, rawToken string) (*Identity, error) {
	idToken, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		return nil, newAuthError("bad_signature", fmt.Sprintf("verifying user token: %v", err))
	}

	found := false
	for _, aud := range idToken.Audience {
		if aud == v.audience {
			found = true
			break
		}
	}
	if !found {
		return nil, newAuthError("wrong_audience", "token audience does not match")
	}

	var claims userClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, newAuthError("bad_signature", fmt.Sprintf("extracting claims: %v", err))
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, newAuthError("bad_signature", "sub claim is not a valid UUID")
	}

	return &Identity{
		ID:        userID,
		Kind:      KindUser,
		IssuedAt:  time.Unix(claims.IatUnix, 0),
		ExpiresAt: idToken.Expiry,
	}, nil
}
