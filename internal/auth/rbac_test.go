package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequireAuthRejectsUnauthenticated(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()

	RequireAuth(okHandler()).ServeHTTP(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestRequireAuthPassesAuthenticated(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r = r.WithContext(NewContext(r.Context(), &Identity{Kind: KindUser}))
	w := httptest.NewRecorder()

	RequireAuth(okHandler()).ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestRequireRole(t *testing.T) {
	mw := RequireRole("admin", "operator")

	t.Run("rejects missing role", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r = r.WithContext(NewContext(r.Context(), &Identity{Roles: []string{"user"}}))
		w := httptest.NewRecorder()

		mw(okHandler()).ServeHTTP(w, r)

		if w.Code != http.StatusForbidden {
			t.Errorf("status = %d, want %d", w.Code, http.StatusForbidden)
		}
	})

	t.Run("passes matching role", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r = r.WithContext(NewContext(r.Context(), &Identity{Roles: []string{"operator"}}))
		w := httptest.NewRecorder()

		mw(okHandler()).ServeHTTP(w, r)

		if w.Code != http.StatusOK {
			t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
		}
	})
}

func TestRequirePermission(t *testing.T) {
	mw := RequirePermission("admin:manage")

	t.Run("admin wildcard passes", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r = r.WithContext(NewContext(r.Context(), &Identity{Roles: []string{RoleAdmin}}))
		w := httptest.NewRecorder()

		mw(okHandler()).ServeHTTP(w, r)

		if w.Code != http.StatusOK {
			t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
		}
	})

	t.Run("rejects without permission", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r = r.WithContext(NewContext(r.Context(), &Identity{Roles: []string{"user"}, Permissions: map[string]struct{}{}}))
		w := httptest.NewRecorder()

		mw(okHandler()).ServeHTTP(w, r)

		if w.Code != http.StatusForbidden {
			t.Errorf("status = %d, want %d", w.Code, http.StatusForbidden)
		}
	})
}
