package auth

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestMachineTokenMintAndVerifyRoundTrip(t *testing.T) {
	issuer, err := NewMachineTokenIssuer("a-very-secret-value", "agentctl", "agentctl-services", 15*time.Minute)
	if err != nil {
		t.Fatalf("NewMachineTokenIssuer() error = %v", err)
	}

	clientID := uuid.New()
	token, expiry, err := issuer.Mint(clientID, []string{"service"})
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}
	if expiry.Before(time.Now()) {
		t.Fatalf("expiry %v is in the past", expiry)
	}

	identity, err := issuer.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if identity.ID != clientID {
		t.Errorf("ID = %v, want %v", identity.ID, clientID)
	}
	if identity.Kind != KindMachine {
		t.Errorf("Kind = %v, want %v", identity.Kind, KindMachine)
	}
	if len(identity.Roles) != 1 || identity.Roles[0] != "service" {
		t.Errorf("Roles = %v, want [service]", identity.Roles)
	}
}

func TestMachineTokenRejectsWrongSecret(t *testing.T) {
	issuer, _ := NewMachineTokenIssuer("secret-one", "agentctl", "agentctl-services", time.Minute)
	other, _ := NewMachineTokenIssuer("secret-two", "agentctl", "agentctl-services", time.Minute)

	token, _, err := issuer.Mint(uuid.New(), []string{"service"})
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}

	if _, err := other.Verify(token); err == nil {
		t.Fatal("expected verification to fail against a different signing secret")
	}
}

func TestMachineTokenRejectsExpired(t *testing.T) {
	issuer, _ := NewMachineTokenIssuer("a-very-secret-value", "agentctl", "agentctl-services", -time.Minute)

	token, _, err := issuer.Mint(uuid.New(), []string{"service"})
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}

	_, err = issuer.Verify(token)
	if err == nil {
		t.Fatal("expected verification of an already-expired token to fail")
	}
	tokenErr, ok := err.(*TokenError)
	if !ok {
		t.Fatalf("error type = %T, want *TokenError", err)
	}
	if tokenErr.Code != "expired" {
		t.Errorf("Code = %q, want %q", tokenErr.Code, "expired")
	}
}

func TestMachineTokenRejectsWrongAudience(t *testing.T) {
	issuer, _ := NewMachineTokenIssuer("a-very-secret-value", "agentctl", "agentctl-services", time.Minute)
	verifier, _ := NewMachineTokenIssuer("a-very-secret-value", "agentctl", "some-other-audience", time.Minute)

	token, _, err := issuer.Mint(uuid.New(), []string{"service"})
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}

	_, err = verifier.Verify(token)
	if err == nil {
		t.Fatal("expected verification to fail on audience mismatch")
	}
}

func TestNewMachineTokenIssuerRejectsEmptySecret(t *testing.T) {
	if _, err := NewMachineTokenIssuer("", "agentctl", "agentctl-services", time.Minute); err == nil {
		t.Fatal("expected an error for an empty signing secret")
	}
}
