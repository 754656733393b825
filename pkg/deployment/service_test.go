package deployment

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
}

func TestResolveScopeOnBehalfRequiresMachineAndReadAny(t *testing.T) {
	onBehalf := uuid.New()

	t.Run("rejects user identity", func(t *testing.T) {
		id := &auth.Identity{ID: uuid.New(), Kind: auth.KindUser, Permissions: map[string]struct{}{"deployment:read:any": {}}}
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
		id := &auth.Identity{ID: uuid.New(), Kind: auth.KindMachine, Permissions: map[string]struct{}{"deployment:read:any": {}}}
		scope, err := ResolveScope(id, onBehalf.String())
		if err != nil {
			t.Fatalf("ResolveScope() error = %v", err)
		}
		if scope.OwnerID != onBehalf {
			t.Errorf("scope = %+v, want owner %v", scope, onBehalf)
		}
	})
}

func TestResolveScopeRejectsMalformedOnBehalfOf(t *testing.T) {
	id := &auth.Identity{ID: uuid.New(), Kind: auth.KindMachine, Permissions: map[string]struct{}{"deployment:read:any": {}}}
	if _, err := ResolveScope(id, "not-a-uuid"); err == nil {
		t.Fatal("expected an error for a malformed on_behalf_of header")
	}
}

func TestCanAccess(t *testing.T) {
	owner := uuid.New()
	other := uuid.New()

	self := AccessScope{OwnerID: owner}
	if !canAccess(self, owner, self.WriteAny) {
		t.Error("owner scope should access its own deployment")
	}
	if canAccess(self, other, self.WriteAny) {
		t.Error("owner scope should not access another owner's deployment")
	}

	anyScope := AccessScope{OwnerID: owner, WriteAny: true}
	if !canAccess(anyScope, other, anyScope.WriteAny) {
		t.Error("write-any scope should access another owner's deployment")
	}
}
