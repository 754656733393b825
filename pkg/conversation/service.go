package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/agentctl/internal/auth"
	"github.com/wisbric/agentctl/internal/httpserver"
	"github.com/wisbric/agentctl/pkg/agent"
	"github.com/wisbric/agentctl/pkg/conversation/runtime"
	"github.com/wisbric/agentctl/pkg/deployment"
)

// AccessScope mirrors pkg/agent.AccessScope's ownership semantics for
// conversations.
type AccessScope struct {
	CallerID uuid.UUID
	OwnerID  uuid.UUID
	ReadAny  bool
	WriteAny bool
}

// ResolveScope builds an AccessScope for the given identity and optional
// on_behalf_of header value, mirroring pkg/agent.ResolveScope.
func ResolveScope(id *auth.Identity, onBehalfOf string) (AccessScope, error) {
	scope := AccessScope{
		CallerID: id.ID,
		OwnerID:  id.ID,
		ReadAny:  id.HasPermission("conversation:read:any"),
		WriteAny: id.HasPermission("conversation:write:any"),
	}
	if onBehalfOf == "" {
		return scope, nil
	}
	if id.Kind != auth.KindMachine || !scope.ReadAny {
		return AccessScope{}, ErrForbidden
	}
	onBehalfID, err := uuid.Parse(onBehalfOf)
	if err != nil {
		return AccessScope{}, fmt.Errorf("%w: malformed on_behalf_of header", ErrInvalidInput)
	}
	scope.OwnerID = onBehalfID
	return scope, nil
}

func canAccess(scope AccessScope, ownerID uuid.UUID, any bool) bool {
	return any || scope.OwnerID == ownerID
}

// TokenSource supplies this process's own machine bearer token for
// authenticating to a deployed agent's runtime. Satisfied by
// *internal/bootstrap.TokenCache, which mints via C2's client-credentials
// grant and caches the result until exp-60s (spec §4.2 step 4) — declared
// here rather than imported to avoid a pkg/conversation -> internal/bootstrap
// dependency for what is, from this package's point of view, just "a string
// with a TTL".
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Service enforces ownership rules around the Store, fans posted messages
// out over the Hub, and drives the agent-turn goroutine that streams a
// deployed agent's reply back as Frames.
type Service struct {
	pool                    *pgxpool.Pool
	store                   *Store
	hub                     *Hub
	agentStore              *agent.Store
	deploymentStore         *deployment.Store
	runtimeClient           *runtime.Client
	tokens                  TokenSource
	persistAssistantReplies bool
	turnTimeout             time.Duration
	logger                  *slog.Logger
}

// NewService creates a conversation Service. tokens supplies the machine
// token the agent-turn goroutine presents when logging into a deployed
// agent's runtime on behalf of a conversation — never the end user's own
// token.
func NewService(
	pool *pgxpool.Pool,
	hub *Hub,
	agentStore *agent.Store,
	deploymentStore *deployment.Store,
	runtimeClient *runtime.Client,
	tokens TokenSource,
	persistAssistantReplies bool,
	turnTimeout time.Duration,
	logger *slog.Logger,
) *Service {
	return &Service{
		pool:                    pool,
		store:                   NewStore(pool),
		hub:                     hub,
		agentStore:              agentStore,
		deploymentStore:         deploymentStore,
		runtimeClient:           runtimeClient,
		tokens:                  tokens,
		persistAssistantReplies: persistAssistantReplies,
		turnTimeout:             turnTimeout,
		logger:                  logger,
	}
}

// CreateConversation validates that an optional bound agent exists and
// inserts the conversation owned by scope.OwnerID.
func (s *Service) CreateConversation(ctx context.Context, scope AccessScope, req CreateConversationRequest) (Conversation, error) {
	if req.AgentID != nil {
		if _, err := s.agentStore.GetAgent(ctx, *req.AgentID); err != nil {
			return Conversation{}, fmt.Errorf("looking up agent: %w", err)
		}
	}
	return s.store.CreateConversation(ctx, scope.OwnerID, req)
}

// GetConversation returns a conversation if scope can read it.
func (s *Service) GetConversation(ctx context.Context, scope AccessScope, id uuid.UUID) (Conversation, error) {
	c, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return Conversation{}, err
	}
	if !canAccess(scope, c.OwnerID, scope.ReadAny) {
		return Conversation{}, ErrForbidden
	}
	return c, nil
}

// ListConversations returns a page of conversations visible to scope.
func (s *Service) ListConversations(ctx context.Context, scope AccessScope, page httpserver.OffsetParams) (httpserver.OffsetPage[Conversation], error) {
	var ownerFilter *uuid.UUID
	if !scope.ReadAny {
		owner := scope.OwnerID
		ownerFilter = &owner
	}
	items, total, err := s.store.ListConversations(ctx, ownerFilter, page)
	if err != nil {
		return httpserver.OffsetPage[Conversation]{}, err
	}
	return httpserver.NewOffsetPage(items, page, total), nil
}

// ListMessages returns a page of messages if scope can read the parent
// conversation.
func (s *Service) ListMessages(ctx context.Context, scope AccessScope, conversationID uuid.UUID, page httpserver.OffsetParams) (httpserver.OffsetPage[Message], error) {
	c, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return httpserver.OffsetPage[Message]{}, err
	}
	if !canAccess(scope, c.OwnerID, scope.ReadAny) {
		return httpserver.OffsetPage[Message]{}, ErrForbidden
	}
	items, total, err := s.store.ListMessages(ctx, conversationID, page)
	if err != nil {
		return httpserver.OffsetPage[Message]{}, err
	}
	return httpserver.NewOffsetPage(items, page, total), nil
}

// PostMessage persists a user message, acknowledges it over the Hub, and —
// if the conversation is bound to an agent — launches a background turn
// that streams the agent's reply as Frames. PostMessage itself returns as
// soon as the user message is durable; the turn runs independently.
func (s *Service) PostMessage(ctx context.Context, scope AccessScope, conversationID uuid.UUID, req PostMessageRequest) (Message, error) {
	c, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return Message{}, err
	}
	if !canAccess(scope, c.OwnerID, scope.WriteAny) {
		return Message{}, ErrForbidden
	}
	if req.Content == "" {
		return Message{}, fmt.Errorf("%w: content is required", ErrInvalidInput)
	}

	msg, err := s.store.InsertMessage(ctx, conversationID, RoleUser, req.Content, nil)
	if err != nil {
		return Message{}, err
	}

	s.hub.Broadcast(ctx, conversationID, Frame{Type: FrameAck, MessageID: &msg.ID, Role: RoleUser})

	if c.AgentID != nil {
		go s.runTurn(context.WithoutCancel(ctx), c, msg)
	}
	return msg, nil
}

// runTurn resolves the conversation's agent to a running deployment, opens
// a runtime session, and forwards each streamed chunk as a Frame. Any
// failure — no running deployment, login failure, a stream error — ends
// the turn with a warn Frame followed by a complete Frame.
func (s *Service) runTurn(ctx context.Context, c Conversation, userMsg Message) {
	ctx, cancel := context.WithTimeout(ctx, s.turnTimeout)
	defer cancel()

	d, err := s.findRunningDeployment(ctx, *c.AgentID)
	if err != nil {
		s.warn(ctx, c.ID, err)
		return
	}

	machineToken, err := s.tokens.Token(ctx)
	if err != nil {
		s.warn(ctx, c.ID, fmt.Errorf("minting runtime token: %w", err))
		return
	}

	sessionToken, err := s.runtimeClient.Login(ctx, *d.EndpointURL, machineToken, c.ID.String())
	if err != nil {
		s.warn(ctx, c.ID, fmt.Errorf("logging into agent runtime: %w", err))
		return
	}

	chunks, err := s.runtimeClient.Stream(ctx, *d.EndpointURL, sessionToken, userMsg.Content)
	if err != nil {
		s.warn(ctx, c.ID, fmt.Errorf("opening agent runtime stream: %w", err))
		return
	}

	assistantMsgID := uuid.New()
	var reply string
	for chunk := range chunks {
		reply += chunk.Content
		s.hub.Broadcast(ctx, c.ID, Frame{Type: FrameStream, MessageID: &assistantMsgID, Role: RoleAssistant, Content: chunk.Content})
	}

	if s.persistAssistantReplies && reply != "" {
		if _, err := s.store.InsertMessage(ctx, c.ID, RoleAssistant, reply, nil); err != nil {
			s.logger.Error("persisting assistant reply", "conversation_id", c.ID, "error", err)
		}
	}
	s.hub.Broadcast(ctx, c.ID, Frame{Type: FrameComplete, MessageID: &assistantMsgID, Role: RoleAssistant})
}

func (s *Service) warn(ctx context.Context, conversationID uuid.UUID, err error) {
	s.logger.Warn("conversation turn failed", "conversation_id", conversationID, "error", err)
	s.hub.Broadcast(ctx, conversationID, Frame{Type: FrameWarn, Message: err.Error()})
	s.hub.Broadcast(ctx, conversationID, Frame{Type: FrameComplete, Role: RoleAssistant})
}

// findRunningDeployment returns the newest running deployment for agentID.
func (s *Service) findRunningDeployment(ctx context.Context, agentID uuid.UUID) (deployment.Deployment, error) {
	items, _, err := s.deploymentStore.ListDeployments(ctx, nil, deployment.ListFilters{
		Status:  deployment.StatusRunning,
		AgentID: &agentID,
	}, httpserver.OffsetParams{Page: 1, PageSize: 1})
	if err != nil {
		return deployment.Deployment{}, fmt.Errorf("looking up running deployment: %w", err)
	}
	if len(items) == 0 {
		return deployment.Deployment{}, ErrNoRunningDeployment
	}
	return items[0], nil
}
