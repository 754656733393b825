package auth

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RoleFetcher resolves a identity's effective roles/permissions from the
// Identity Store (C2). Implemented by pkg/identity; declared here to avoid
// an import cycle between internal/auth and pkg/identity.
type RoleFetcher interface {
	// FetchUserRoleSet returns the roles and effective (union) permissions
	// for a user identity.
	FetchUserRoleSet(ctx context.Context, userID uuid.UUID) (roles []string, permissions map[string]struct{}, err error)
	// FetchPermissionsForRoles returns the union of permissions granted by
	// the given role names, used for machine identities whose roles are
	// already embedded in the token.
	FetchPermissionsForRoles(ctx context.Context, roles []string) (permissions map[string]struct{}, err error)
}

type permCacheEntry struct {
	roles       []string
	permissions map[string]struct{}
	expiresAt   time.Time
}

// PermissionCache is a short-lived, process-local cache of identity ID →
// resolved roles/permissions. The spec caps staleness at 60s; no example in
// the retrieval pack depends on an LRU/TTL-cache library (checked every
// example repo's go.mod), so this is a hand-rolled mutex+map matching the
// teacher's own hand-rolled concurrency primitives elsewhere in the codebase.
type PermissionCache struct {
	mu      sync.Mutex
	entries map[uuid.UUID]permCacheEntry
	ttl     time.Duration
}

// NewPermissionCache creates a cache with the given TTL (spec default ≤60s).
func NewPermissionCache(ttl time.Duration) *PermissionCache {
	return &PermissionCache{
		entries: make(map[uuid.UUID]permCacheEntry),
		ttl:     ttl,
	}
}

func (c *PermissionCache) get(id uuid.UUID) (permCacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok || time.Now().After(e.expiresAt) {
		return permCacheEntry{}, false
	}
	return e, true
}

func (c *PermissionCache) put(id uuid.UUID, roles []string, perms map[string]struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Bound growth: evict expired entries opportunistically on each write
	// rather than running a background sweep.
	now := time.Now()
	for k, v := range c.entries {
		if now.After(v.expiresAt) {
			delete(c.entries, k)
		}
	}

	c.entries[id] = permCacheEntry{
		roles:       roles,
		permissions: perms,
		expiresAt:   now.Add(c.ttl),
	}
}

// ResolveUser fills in roles/permissions for a user identity, consulting
// the cache before falling back to fetcher.
func (c *PermissionCache) ResolveUser(ctx context.Context, fetcher RoleFetcher, p *Identity) error {
	if e, ok := c.get(p.ID); ok {
		p.Roles = e.roles
		p.Permissions = e.permissions
		return nil
	}

	roles, perms, err := fetcher.FetchUserRoleSet(ctx, p.ID)
	if err != nil {
		return err
	}

	c.put(p.ID, roles, perms)
	p.Roles = roles
	p.Permissions = perms
	return nil
}

// ResolveMachine fills in permissions for a machine identity whose roles
// are already embedded in the token.
func (c *PermissionCache) ResolveMachine(ctx context.Context, fetcher RoleFetcher, p *Identity) error {
	if e, ok := c.get(p.ID); ok {
		p.Permissions = e.permissions
		return nil
	}

	perms, err := fetcher.FetchPermissionsForRoles(ctx, p.Roles)
	if err != nil {
		return err
	}

	c.put(p.ID, p.Roles, perms)
	p.Permissions = perms
	return nil
}
