package auth

import (
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
)

// machineClaims are the custom claims carried by a self-issued M2M token.
type machineClaims struct {
	Roles []string `json:"roles"`
}

// MachineTokenIssuer mints and verifies machine-to-machine bearer tokens,
// signed with a shared HS256 secret. Mirrors the identity store's own
// verification so the two stay in lockstep without a network round-trip.
type MachineTokenIssuer struct {
	signingKey []byte
	issuer     string
	audience   string
	ttl        time.Duration
}

// NewMachineTokenIssuer creates an issuer/verifier. secret must be non-empty;
// production deployments should supply at least 32 random bytes.
func NewMachineTokenIssuer(secret, issuer, audience string, ttl time.Duration) (*MachineTokenIssuer, error) {
	if secret == "" {
		return nil, fmt.Errorf("M2M signing secret must not be empty")
	}
	return &MachineTokenIssuer{
		signingKey: []byte(secret),
		issuer:     issuer,
		audience:   audience,
		ttl:        ttl,
	}, nil
}

// Mint issues a machine token for clientID carrying the given roles, per
// the Identity Store's /auth/token contract.
func (m *MachineTokenIssuer) Mint(clientID uuid.UUID, roles []string) (string, time.Time, error) {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: m.signingKey},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("creating signer: %w", err)
	}

	now := time.Now()
	expiry := now.Add(m.ttl)
	registered := jwt.Claims{
		Subject:   clientID.String(),
		Issuer:    m.issuer,
		Audience:  jwt.Audience{m.audience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		Expiry:    jwt.NewNumericDate(expiry),
	}

	token, err := jwt.Signed(signer).Claims(registered).Claims(machineClaims{Roles: roles}).Serialize()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing token: %w", err)
	}
	return token, expiry, nil
}

// Verify checks signature, exp (30s skew), nbf, iss, aud and returns the
// resulting Identity with roles taken from the token body (no store lookup
// — the roles were verified against C2 at mint time).
func (m *MachineTokenIssuer) Verify(rawToken string) (*Identity, error) {
	tok, err := jwt.ParseSigned(rawToken, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return nil, newAuthError("bad_signature", fmt.Sprintf("parsing token: %v", err))
	}

	var registered jwt.Claims
	var custom machineClaims
	if err := tok.Claims(m.signingKey, &registered, &custom); err != nil {
		return nil, newAuthError("bad_signature", fmt.Sprintf("verifying signature: %v", err))
	}

	if err := registered.ValidateWithLeeway(jwt.Expected{
		Issuer:   m.issuer,
		Audience: jwt.Audience{m.audience},
	}, 30*time.Second); err != nil {
		if err == jwt.ErrExpired {
			return nil, newAuthError("expired", "token expired")
		}
		if err == jwt.ErrInvalidAudience {
			return nil, newAuthError("wrong_audience", "token audience does not match")
		}
		return nil, newAuthError("invalid_token", fmt.Sprintf("validating claims: %v", err))
	}

	clientID, err := uuid.Parse(registered.Subject)
	if err != nil {
		return nil, newAuthError("bad_signature", "sub claim is not a valid UUID")
	}

	perms := make(map[string]struct{})
	return &Identity{
		ID:          clientID,
		Kind:        KindMachine,
		Roles:       custom.Roles,
		Permissions: perms,
		IssuedAt:    registered.IssuedAt.Time(),
		ExpiresAt:   registered.Expiry.Time(),
	}, nil
}
