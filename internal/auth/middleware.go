package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/wisbric/agentctl/internal/telemetry"
)

// Middleware authenticates the caller via Verifier and stores the resulting
// Identity in the request context. The token may arrive as an
// `Authorization: Bearer <token>` header or, for WebSocket upgrades that
// cannot set headers from the browser, a `?token=` query parameter — both
// are equivalent trust per spec §4.1. A missing token does not itself
// reject the request; RequireAuth does that, so public routes mounted on the
// same router can opt out. A token that is present but fails verification
// is rejected here with 401.
func Middleware(verifier *Verifier, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rawToken := bearerToken(r)

			if rawToken == "" {
				next.ServeHTTP(w, r)
				return
			}

			identity, err := verifier.Verify(r.Context(), rawToken)
			if err != nil {
				reason := "invalid_token"
				if tokenErr, ok := err.(*TokenError); ok {
					reason = tokenErr.Code
				}
				telemetry.AuthTokensRejectedTotal.WithLabelValues(reason).Inc()
				logger.Warn("token verification failed", "reason", reason)
				respondUnauthenticated(w)
				return
			}

			ctx := NewContext(r.Context(), identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if strings.HasPrefix(h, "Bearer ") || strings.HasPrefix(h, "bearer ") {
			return strings.TrimSpace(h[len("Bearer "):])
		}
	}
	return r.URL.Query().Get("token")
}

func respondUnauthenticated(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": "invalid or expired token"})
}
