package agent

import (
	"testing"

	"github.com/google/uuid"

	"github.com/wisbric/agentctl/internal/auth"
)

func TestResolveScopeDefaultsToSelf(t *testing.T) {
	userID := uuid.New()
	id := &auth.Identity{ID: userID}

	scope, err := ResolveScope(id, "")
	if err != nil {
		t.Fatalf("ResolveScope() error = %v", err)
	}
	if scope.OwnerID != userID || scope.CallerID != userID {
		t.Errorf("scope = %+v, want owner/caller %v", scope, userID)
	}
	if scope.OnBehalf {
		t.Error("OnBehalf should be false with no header")
	}
}

func TestResolveScopeOnBehalfRequiresMachineAndReadAny(t *testing.T) {
	onBehalf := uuid.New()

	t.Run("rejects user identity", func(t *testing.T) {
		id := &auth.Identity{ID: uuid.New(), Kind: auth.KindUser, Permissions: map[string]struct{}{"agent:read:any": {}}}
		if _, err := ResolveScope(id, onBehalf.String()); err != ErrForbidden {
			t.Errorf("error = %v, want ErrForbidden", err)
		}
	})

	t.Run("rejects machine without read-any", func(t *testing.T) {
		id := &auth.Identity{ID: uuid.New(), Kind: auth.KindMachine, Permissions: map[string]struct{}{}}
		if _, err := ResolveScope(id, onBehalf.String()); err != ErrForbidden {
			t.Errorf("error = %v, want ErrForbidden", err)
		}
	})

	t.Run("accepts machine with read-any", func(t *testing.T) {
		id := &auth.Identity{ID: uuid.New(), Kind: auth.KindMachine, Permissions: map[string]struct{}{"agent:read:any": {}}}
		scope, err := ResolveScope(id, onBehalf.String())
		if err != nil {
			t.Fatalf("ResolveScope() error = %v", err)
		}
		if scope.OwnerID != onBehalf || !scope.OnBehalf {
			t.Errorf("scope = %+v, want owner %v and OnBehalf=true", scope, onBehalf)
		}
	})
}

func TestResolveScopeRejectsMalformedOnBehalfOf(t *testing.T) {
	id := &auth.Identity{ID: uuid.New(), Kind: auth.KindMachine, Permissions: map[string]struct{}{"agent:read:any": {}}}
	if _, err := ResolveScope(id, "not-a-uuid"); err == nil {
		t.Fatal("expected an error for a malformed on_behalf_of header")
	}
}

func TestCanReadAndCanWrite(t *testing.T) {
	owner := uuid.New()
	other := uuid.New()

	self := AccessScope{OwnerID: owner}
	if !canRead(self, owner) || !canWrite(self, owner) {
		t.Error("owner scope should read/write its own agent")
	}
	if canRead(self, other) || canWrite(self, other) {
		t.Error("owner scope should not read/write another owner's agent")
	}

	anyScope := AccessScope{OwnerID: owner, ReadAny: true, WriteAny: true}
	if !canRead(anyScope, other) || !canWrite(anyScope, other) {
		t.Error("read-any/write-any scope should access another owner's agent")
	}
}
