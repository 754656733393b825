package conversation

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jackc/pgx/v5"

	"github.com/wisbric/agentctl/internal/auth"
	"github.com/wisbric/agentctl/internal/httpserver"
)

// Handler provides HTTP and WebSocket handlers for conversations.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	hub      *Hub
	upgrader websocket.Upgrader
}

// NewHandler creates a conversation Handler.
func NewHandler(logger *slog.Logger, service *Service, hub *Hub) *Handler {
	return &Handler{
		logger:  logger,
		service: service,
		hub:     hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Routes mounts the conversation REST surface. Every route requires an
// authenticated identity; ownership is enforced per-operation by Service.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(auth.RequireAuth)
	r.Post("/", h.handleCreate)
	r.Get("/", h.handleList)
	r.Get("/{id}", h.handleGet)
	r.Post("/{id}/messages", h.handlePostMessage)
	r.Get("/{id}/messages", h.handleListMessages)
	return r
}

// WebSocketRoute returns a router serving the conversation stream at
// "/{id}"; the caller mounts it under a prefix such as "/ws/conversations".
// Token auth for the upgrade arrives via
// Authorization header or ?token= query param — both handled upstream by
// auth.Middleware, which stores an Identity in context before this runs.
func (h *Handler) WebSocketRoute() chi.Router {
	r := chi.NewRouter()
	r.Use(auth.RequireAuth)
	r.Get("/{id}", h.handleStream)
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
		httpserver.RespondDetail(w, http.StatusForbidden, "on_behalf_of requires conversation:read:any")
		return
	}
	var req CreateConversationRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	c, err := h.service.CreateConversation(r.Context(), scope, req)
	if err != nil {
		h.respondServiceError(w, err, "creating conversation")
		return
	}
	httpserver.Respond(w, http.StatusCreated, c)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(r)
	if !ok {
		httpserver.RespondDetail(w, http.StatusForbidden, "on_behalf_of requires conversation:read:any")
		return
	}
	page, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := h.service.ListConversations(r.Context(), scope, page)
	if err != nil {
		h.respondServiceError(w, err, "listing conversations")
		return
	}
	httpserver.Respond(w, http.StatusOK, result)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(r)
	if !ok {
		httpserver.RespondDetail(w, http.StatusForbidden, "on_behalf_of requires conversation:read:any")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondDetail(w, http.StatusBadRequest, "invalid conversation id")
		return
	}
	c, err := h.service.GetConversation(r.Context(), scope, id)
	if err != nil {
		h.respondServiceError(w, err, "fetching conversation")
		return
	}
	httpserver.Respond(w, http.StatusOK, c)
}

func (h *Handler) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(r)
	if !ok {
		httpserver.RespondDetail(w, http.StatusForbidden, "on_behalf_of requires conversation:read:any")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondDetail(w, http.StatusBadRequest, "invalid conversation id")
		return
	}
	var req PostMessageRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	msg, err := h.service.PostMessage(r.Context(), scope, id, req)
	if err != nil {
		h.respondServiceError(w, err, "posting message")
		return
	}
	httpserver.Respond(w, http.StatusCreated, msg)
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(r)
	if !ok {
		httpserver.RespondDetail(w, http.StatusForbidden, "on_behalf_of requires conversation:read:any")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondDetail(w, http.StatusBadRequest, "invalid conversation id")
		return
	}
	page, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := h.service.ListMessages(r.Context(), scope, id, page)
	if err != nil {
		h.respondServiceError(w, err, "listing messages")
		return
	}
	httpserver.Respond(w, http.StatusOK, result)
}

// handleStream upgrades to a WebSocket and forwards every Frame broadcast
// for this conversation until the client disconnects.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(r)
	if !ok {
		httpserver.RespondDetail(w, http.StatusForbidden, "on_behalf_of requires conversation:read:any")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondDetail(w, http.StatusBadRequest, "invalid conversation id")
		return
	}
	if _, err := h.service.GetConversation(r.Context(), scope, id); err != nil {
		h.respondServiceError(w, err, "fetching conversation")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("upgrading conversation websocket", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	sub := h.hub.Subscribe(id)
	defer h.hub.Unsubscribe(id, sub)

	ctx := r.Context()

	// Read loop: discard client frames, but notice disconnects.
	disconnected := make(chan struct{})
	go func() {
		defer close(disconnected)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	pingTicker := time.NewTicker(15 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-disconnected:
			return
		case <-pingTicker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case frame, ok := <-sub.Frames():
			if !ok {
				return
			}
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		}
	}
}

func (h *Handler) respondServiceError(w http.ResponseWriter, err error, action string) {
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		httpserver.RespondDetail(w, http.StatusNotFound, "conversation not found")
	case errors.Is(err, ErrForbidden):
		httpserver.RespondDetail(w, http.StatusForbidden, "insufficient access to this conversation")
	case errors.Is(err, ErrInvalidInput):
		httpserver.RespondDetail(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNoRunningDeployment):
		httpserver.RespondDetail(w, http.StatusConflict, "agent has no running deployment")
	default:
		h.logger.Error(action, "error", err)
		httpserver.RespondDetail(w, http.StatusInternalServerError, "internal error")
	}
}
