package auth

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

func TestIdentityHasRole(t *testing.T) {
	p := &Identity{Roles: []string{"service", "user"}}

	if !p.HasRole("service") {
		t.Error("expected HasRole(service) to be true")
	}
	if p.HasRole("admin") {
		t.Error("expected HasRole(admin) to be false")
	}
}

func TestIdentityHasPermissionWildcard(t *testing.T) {
	p := &Identity{Roles: []string{RoleAdmin}, Permissions: map[string]struct{}{}}

	if !p.HasPermission("anything:at:all") {
		t.Error("admin role should grant every permission via wildcard")
	}
}

func TestIdentityHasPermissionExact(t *testing.T) {
	p := &Identity{
		Roles:       []string{"user"},
		Permissions: map[string]struct{}{"agent:read:any": {}},
	}

	if !p.HasPermission("agent:read:any") {
		t.Error("expected granted permission to be present")
	}
	if p.HasPermission("agent:write:any") {
		t.Error("expected ungranted permission to be absent")
	}
}

func TestContextRoundTrip(t *testing.T) {
	id := &Identity{ID: uuid.New(), Kind: KindUser}
	ctx := NewContext(context.Background(), id)

	got := FromContext(ctx)
	if got != id {
		t.Fatalf("FromContext returned %+v, want %+v", got, id)
	}
}

func TestFromContextUnset(t *testing.T) {
	if got := FromContext(context.Background()); got != nil {
		t.Fatalf("FromContext on bare context = %+v, want nil", got)
	}
}
