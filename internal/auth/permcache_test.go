package auth

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

type fakeRoleFetcher struct {
	userCalls int
	roleCalls int
	roles     []string
	perms     map[string]struct{}
}

func (f *fakeRoleFetcher) FetchUserRoleSet(ctx context.Context, userID uuid.UUID) ([]string, map[string]struct{}, error) {
	f.userCalls++
	return f.roles, f.perms, nil
}

func (f *fakeRoleFetcher) FetchPermissionsForRoles(ctx context.Context, roles []string) (map[string]struct{}, error) {
	f.roleCalls++
	return f.perms, nil
}

func TestPermissionCacheResolveUserCachesResult(t *testing.T) {
	fetcher := &fakeRoleFetcher{
		roles: []string{"user"},
		perms: map[string]struct{}{"agent:read:any": {}},
	}
	cache := NewPermissionCache(60 * time.Second)

	p := &Identity{ID: uuid.New()}
	if err := cache.ResolveUser(context.Background(), fetcher, p); err != nil {
		t.Fatalf("ResolveUser() error = %v", err)
	}
	if !p.HasPermission("agent:read:any") {
		t.Fatal("expected resolved permission to be present")
	}

	// Second call within TTL must hit the cache, not the fetcher.
	if err := cache.ResolveUser(context.Background(), fetcher, p); err != nil {
		t.Fatalf("ResolveUser() second call error = %v", err)
	}
	if fetcher.userCalls != 1 {
		t.Errorf("fetcher called %d times, want 1 (second call should be cached)", fetcher.userCalls)
	}
}

func TestPermissionCacheExpiresAfterTTL(t *testing.T) {
	fetcher := &fakeRoleFetcher{roles: []string{"user"}, perms: map[string]struct{}{}}
	cache := NewPermissionCache(1 * time.Millisecond)

	p := &Identity{ID: uuid.New()}
	_ = cache.ResolveUser(context.Background(), fetcher, p)

	time.Sleep(5 * time.Millisecond)

	_ = cache.ResolveUser(context.Background(), fetcher, p)
	if fetcher.userCalls != 2 {
		t.Errorf("fetcher called %d times, want 2 (entry should have expired)", fetcher.userCalls)
	}
}

func TestPermissionCacheResolveMachine(t *testing.T) {
	fetcher := &fakeRoleFetcher{perms: map[string]struct{}{"deployment:write": {}}}
	cache := NewPermissionCache(60 * time.Second)

	p := &Identity{ID: uuid.New(), Roles: []string{"service"}}
	if err := cache.ResolveMachine(context.Background(), fetcher, p); err != nil {
		t.Fatalf("ResolveMachine() error = %v", err)
	}
	if !p.HasPermission("deployment:write") {
		t.Fatal("expected resolved machine permission to be present")
	}
	if fetcher.roleCalls != 1 {
		t.Errorf("FetchPermissionsForRoles called %d times, want 1", fetcher.roleCalls)
	}
}
