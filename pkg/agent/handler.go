package agent

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wisbric/agentctl/internal/auth"
	"github.com/wisbric/agentctl/internal/httpserver"
)

// Handler provides HTTP handlers for the Agent Catalog.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler creates an agent Handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// Routes mounts the agent catalog surface. Every route requires an
// authenticated identity; ownership is enforced per-operation by Service.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(auth.RequireAuth)
	r.Post("/", h.handleCreate)
	r.Get("/", h.handleList)
	r.Get("/{id}", h.handleGet)
	r.Post("/{id}/archive", h.handleArchive)
	r.Get("/{id}/versions", h.handleListVersions)
	r.Get("/{id}/versions/latest", h.handleGetLatestVersion)
	r.Post("/{id}/versions", h.handleCreateVersion)
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
		httpserver.RespondDetail(w, http.StatusForbidden, "on_behalf_of requires agent:read:any")
		return
	}
	var req CreateAgentRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	resp, err := h.service.CreateAgent(r.Context(), scope, req)
	if err != nil {
		h.respondServiceError(w, err, "creating agent")
		return
	}
	httpserver.Respond(w, http.StatusCreated, resp)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(r)
	if !ok {
		httpserver.RespondDetail(w, http.StatusForbidden, "on_behalf_of requires agent:read:any")
		return
	}
	page, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	filters := ListFilters{
		Status: Status(r.URL.Query().Get("status")),
		Tag:    r.URL.Query().Get("tag"),
	}
	result, err := h.service.ListAgents(r.Context(), scope, filters, page)
	if err != nil {
		h.respondServiceError(w, err, "listing agents")
		return
	}
	httpserver.Respond(w, http.StatusOK, result)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(r)
	if !ok {
		httpserver.RespondDetail(w, http.StatusForbidden, "on_behalf_of requires agent:read:any")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondDetail(w, http.StatusBadRequest, "invalid agent id")
		return
	}
	a, err := h.service.GetAgent(r.Context(), scope, id)
	if err != nil {
		h.respondServiceError(w, err, "fetching agent")
		return
	}
	httpserver.Respond(w, http.StatusOK, a)
}

func (h *Handler) handleArchive(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(r)
	if !ok {
		httpserver.RespondDetail(w, http.StatusForbidden, "on_behalf_of requires agent:read:any")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondDetail(w, http.StatusBadRequest, "invalid agent id")
		return
	}
	a, err := h.service.ArchiveAgent(r.Context(), scope, id)
	if err != nil {
		h.respondServiceError(w, err, "archiving agent")
		return
	}
	httpserver.Respond(w, http.StatusOK, a)
}

func (h *Handler) handleListVersions(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(r)
	if !ok {
		httpserver.RespondDetail(w, http.StatusForbidden, "on_behalf_of requires agent:read:any")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondDetail(w, http.StatusBadRequest, "invalid agent id")
		return
	}
	page, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := h.service.ListAgentVersions(r.Context(), scope, id, page)
	if err != nil {
		h.respondServiceError(w, err, "listing agent versions")
		return
	}
	httpserver.Respond(w, http.StatusOK, result)
}

func (h *Handler) handleGetLatestVersion(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(r)
	if !ok {
		httpserver.RespondDetail(w, http.StatusForbidden, "on_behalf_of requires agent:read:any")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondDetail(w, http.StatusBadRequest, "invalid agent id")
		return
	}
	v, err := h.service.GetLatestVersion(r.Context(), scope, id)
	if err != nil {
		h.respondServiceError(w, err, "fetching latest agent version")
		return
	}
	httpserver.Respond(w, http.StatusOK, v)
}

func (h *Handler) handleCreateVersion(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(r)
	if !ok {
		httpserver.RespondDetail(w, http.StatusForbidden, "on_behalf_of requires agent:read:any")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondDetail(w, http.StatusBadRequest, "invalid agent id")
		return
	}
	var req UpdateAgentConfigRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	v, err := h.service.UpdateAgentConfig(r.Context(), scope, id, req)
	if err != nil {
		h.respondServiceError(w, err, "updating agent config")
		return
	}
	httpserver.Respond(w, http.StatusCreated, v)
}

func (h *Handler) respondServiceError(w http.ResponseWriter, err error, action string) {
	var pgErr *pgconn.PgError
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		httpserver.RespondDetail(w, http.StatusNotFound, "agent not found")
	case errors.Is(err, ErrForbidden):
		httpserver.RespondDetail(w, http.StatusForbidden, "insufficient access to this agent")
	case errors.Is(err, ErrInvalidInput):
		httpserver.RespondDetail(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrAgentArchived):
		httpserver.RespondDetail(w, http.StatusConflict, "agent is archived")
	case errors.As(err, &pgErr) && pgErr.Code == "23505":
		httpserver.RespondDetail(w, http.StatusConflict, "an agent with this name already exists")
	default:
		h.logger.Error(action, "error", err)
		httpserver.RespondDetail(w, http.StatusInternalServerError, "internal error")
	}
}
