package deployment

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wisbric/agentctl/internal/auth"
	"github.com/wisbric/agentctl/internal/httpserver"
)

// Handler provides HTTP handlers for the Deployment Engine.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler creates a deployment Handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// Routes mounts the deployment surface. Every route requires an
// authenticated identity; ownership is enforced per-operation by Service.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(auth.RequireAuth)
	r.Post("/", h.handleCreate)
	r.Get("/", h.handleList)
	r.Get("/{id}", h.handleGet)
	r.Delete("/{id}", h.handleStop)
	return r
}

func (h *Handler) scope(r *http.Request) (AccessScope, bool) {
	id := auth.FromContext(r.Context())
	scope, err := ResolveScope(id, r.Header.Get("On-Behalf-Of"))
	return scope, err == nil
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(r)
	if !ok {
		httpserver.RespondDetail(w, http.StatusForbidden, "on_behalf_of requires deployment:read:any")
		return
	}
	var req CreateDeploymentRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	d, err := h.service.CreateDeployment(r.Context(), scope, req)
	if err != nil {
		h.respondServiceError(w, err, "creating deployment")
		return
	}
	httpserver.Respond(w, http.StatusCreated, d)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(r)
	if !ok {
		httpserver.RespondDetail(w, http.StatusForbidden, "on_behalf_of requires deployment:read:any")
		return
	}
	page, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	filters := ListFilters{Status: Status(r.URL.Query().Get("status"))}
	if agentIDParam := r.URL.Query().Get("agent_id"); agentIDParam != "" {
		agentID, err := uuid.Parse(agentIDParam)
		if err != nil {
			httpserver.RespondDetail(w, http.StatusBadRequest, "invalid agent_id")
			return
		}
		filters.AgentID = &agentID
	}
	result, err := h.service.ListDeployments(r.Context(), scope, filters, page)
	if err != nil {
		h.respondServiceError(w, err, "listing deployments")
		return
	}
	httpserver.Respond(w, http.StatusOK, result)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(r)
	if !ok {
		httpserver.RespondDetail(w, http.StatusForbidden, "on_behalf_of requires deployment:read:any")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondDetail(w, http.StatusBadRequest, "invalid deployment id")
		return
	}
	d, err := h.service.GetDeployment(r.Context(), scope, id)
	if err != nil {
		h.respondServiceError(w, err, "fetching deployment")
		return
	}
	httpserver.Respond(w, http.StatusOK, d)
}

func (h *Handler) handleStop(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(r)
	if !ok {
		httpserver.RespondDetail(w, http.StatusForbidden, "on_behalf_of requires deployment:read:any")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondDetail(w, http.StatusBadRequest, "invalid deployment id")
		return
	}
	d, err := h.service.StopDeployment(r.Context(), scope, id)
	if err != nil {
		h.respondServiceError(w, err, "stopping deployment")
		return
	}
	httpserver.Respond(w, http.StatusOK, d)
}

func (h *Handler) respondServiceError(w http.ResponseWriter, err error, action string) {
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		httpserver.RespondDetail(w, http.StatusNotFound, "deployment not found")
	case errors.Is(err, ErrForbidden):
		httpserver.RespondDetail(w, http.StatusForbidden, "insufficient access to this deployment")
	case errors.Is(err, ErrInvalidInput):
		httpserver.RespondDetail(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrIllegalTransition):
		httpserver.RespondDetail(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error(action, "error", err)
		httpserver.RespondDetail(w, http.StatusInternalServerError, "internal error")
	}
}
