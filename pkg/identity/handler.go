package identity

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wisbric/agentctl/internal/auth"
	"github.com/wisbric/agentctl/internal/httpserver"
	"github.com/wisbric/agentctl/internal/telemetry"
)

// Handler provides HTTP handlers for the Identity Store's three surfaces:
// user, admin, and the client-credentials token grant.
type Handler struct {
	logger      *slog.Logger
	service     *Service
	rateLimiter *auth.RateLimiter
}

// NewHandler creates an identity Handler. rateLimiter may be nil to disable
// mint-rate limiting (e.g. in tests).
func NewHandler(logger *slog.Logger, service *Service, rateLimiter *auth.RateLimiter) *Handler {
	return &Handler{logger: logger, service: service, rateLimiter: rateLimiter}
}

// Routes mounts the user-facing auth surface: register, login, self-profile,
// and the token grant. Expected to be mounted unauthenticated; /me is gated
// by RequireAuth inside this router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/register", h.handleRegister)
	r.Post("/login", h.handleLogin)
	r.Post("/token", h.handleMintToken)
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth)
		r.Get("/me", h.handleGetMe)
		r.Patch("/me", h.handleUpdateMe)
	})
	return r
}

// AdminRoutes mounts the admin:manage-gated role/permission/client surface.
func (h *Handler) AdminRoutes() chi.Router {
	r := chi.NewRouter()
	r.Use(auth.RequireAuth, auth.RequirePermission(auth.PermissionAdminManage))

	r.Post("/roles", h.handleCreateRole)
	r.Get("/roles", h.handleListRoles)
	r.Delete("/roles/{id}", h.handleDeleteRole)
	r.Post("/roles/{id}/permissions", h.handleAttachPermission)

	r.Post("/permissions", h.handleCreatePermission)
	r.Get("/permissions", h.handleListPermissions)
	r.Delete("/permissions/{id}", h.handleDeletePermission)

	r.Post("/clients", h.handleCreateClient)
	r.Put("/clients/{id}/roles", h.handleAssignClientRoles)
	r.Post("/clients/{id}/revoke", h.handleRevokeClient)

	return r
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	profile, tokens, err := h.service.Register(r.Context(), req)
	if err != nil {
		h.logger.Error("registering user", "error", err)
		httpserver.RespondDetail(w, http.StatusBadGateway, "registration failed")
		return
	}

	httpserver.Respond(w, http.StatusCreated, map[string]any{
		"profile": profile,
		"tokens":  tokens,
	})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	tokens, err := h.service.Login(r.Context(), req)
	if err != nil {
		h.logger.Warn("login failed", "error", err)
		httpserver.RespondDetail(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	httpserver.Respond(w, http.StatusOK, tokens)
}

func (h *Handler) handleGetMe(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	profile, err := h.service.GetProfile(r.Context(), id.ID)
	if err != nil {
		h.respondLookupError(w, err, "profile not found")
		return
	}
	httpserver.Respond(w, http.StatusOK, profile)
}

func (h *Handler) handleUpdateMe(w http.ResponseWriter, r *http.Request) {
	var req UpdateProfileRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	id := auth.FromContext(r.Context())
	profile, err := h.service.UpdateProfile(r.Context(), id.ID, req)
	if err != nil {
		h.respondLookupError(w, err, "profile not found")
		return
	}
	httpserver.Respond(w, http.StatusOK, profile)
}

func (h *Handler) handleMintToken(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	if h.rateLimiter != nil {
		result, err := h.rateLimiter.Check(r.Context(), req.ClientID)
		if err != nil {
			h.logger.Error("checking token mint rate limit", "error", err)
		} else if !result.Allowed {
			httpserver.RespondDetail(w, http.StatusTooManyRequests, "too many token requests, try again later")
			return
		}
	}

	resp, err := h.service.MintToken(r.Context(), req)
	if err != nil {
		var tokenErr *auth.TokenError
		if errors.As(err, &tokenErr) {
			if h.rateLimiter != nil {
				if rerr := h.rateLimiter.Record(r.Context(), req.ClientID); rerr != nil {
					h.logger.Error("recording token mint attempt", "error", rerr)
				}
			}
			httpserver.RespondDetail(w, http.StatusUnauthorized, tokenErr.Message)
			return
		}
		h.logger.Error("minting token", "error", err)
		httpserver.RespondDetail(w, http.StatusInternalServerError, "internal error")
		return
	}

	if h.rateLimiter != nil {
		if err := h.rateLimiter.Reset(r.Context(), req.ClientID); err != nil {
			h.logger.Error("resetting token mint rate limit", "error", err)
		}
	}

	telemetry.AuthTokensMintedTotal.WithLabelValues(req.ClientID).Inc()
	httpserver.Respond(w, http.StatusOK, resp)
}

func (h *Handler) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	var req CreateRoleRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	role, err := h.service.CreateRole(r.Context(), req)
	if err != nil {
		h.logger.Error("creating role", "error", err)
		httpserver.RespondDetail(w, http.StatusConflict, "role already exists")
		return
	}
	httpserver.Respond(w, http.StatusCreated, role)
}

func (h *Handler) handleListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.service.ListRoles(r.Context())
	if err != nil {
		h.logger.Error("listing roles", "error", err)
		httpserver.RespondDetail(w, http.StatusInternalServerError, "internal error")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"roles": roles})
}

func (h *Handler) handleDeleteRole(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondDetail(w, http.StatusBadRequest, "invalid role id")
		return
	}
	if err := h.service.DeleteRole(r.Context(), id); err != nil {
		h.respondLookupError(w, err, "role not found")
		return
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}

func (h *Handler) handleAttachPermission(w http.ResponseWriter, r *http.Request) {
	roleID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondDetail(w, http.StatusBadRequest, "invalid role id")
		return
	}
	var req AttachPermissionRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	if err := h.service.AttachPermission(r.Context(), roleID, req); err != nil {
		h.logger.Error("attaching permission", "error", err)
		httpserver.RespondDetail(w, http.StatusInternalServerError, "internal error")
		return
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}

func (h *Handler) handleCreatePermission(w http.ResponseWriter, r *http.Request) {
	var req CreatePermissionRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	perm, err := h.service.CreatePermission(r.Context(), req)
	if err != nil {
		h.logger.Error("creating permission", "error", err)
		httpserver.RespondDetail(w, http.StatusConflict, "permission already exists")
		return
	}
	httpserver.Respond(w, http.StatusCreated, perm)
}

func (h *Handler) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.service.ListPermissions(r.Context())
	if err != nil {
		h.logger.Error("listing permissions", "error", err)
		httpserver.RespondDetail(w, http.StatusInternalServerError, "internal error")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"permissions": perms})
}

func (h *Handler) handleDeletePermission(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondDetail(w, http.StatusBadRequest, "invalid permission id")
		return
	}
	if err := h.service.DeletePermission(r.Context(), id); err != nil {
		h.respondLookupError(w, err, "permission not found")
		return
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}

func (h *Handler) handleCreateClient(w http.ResponseWriter, r *http.Request) {
	var req CreateMachineClientRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	resp, err := h.service.CreateMachineClient(r.Context(), req)
	if err != nil {
		h.logger.Error("creating machine client", "error", err)
		httpserver.RespondDetail(w, http.StatusConflict, "client already exists")
		return
	}
	httpserver.Respond(w, http.StatusCreated, resp)
}

func (h *Handler) handleAssignClientRoles(w http.ResponseWriter, r *http.Request) {
	clientID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondDetail(w, http.StatusBadRequest, "invalid client id")
		return
	}
	var req AssignClientRolesRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	client, err := h.service.AssignClientRoles(r.Context(), clientID, req)
	if err != nil {
		h.respondLookupError(w, err, "client not found")
		return
	}
	httpserver.Respond(w, http.StatusOK, client)
}

func (h *Handler) handleRevokeClient(w http.ResponseWriter, r *http.Request) {
	clientID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondDetail(w, http.StatusBadRequest, "invalid client id")
		return
	}
	if err := h.service.RevokeClient(r.Context(), clientID); err != nil {
		h.respondLookupError(w, err, "client not found")
		return
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}

func (h *Handler) respondLookupError(w http.ResponseWriter, err error, notFoundMsg string) {
	if errors.Is(err, pgx.ErrNoRows) {
		httpserver.RespondDetail(w, http.StatusNotFound, notFoundMsg)
		return
	}
	h.logger.Error("identity store operation failed", "error", err)
	httpserver.RespondDetail(w, http.StatusInternalServerError, "internal error")
}
