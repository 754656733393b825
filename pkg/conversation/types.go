package conversation

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Role identifies who authored a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Conversation groups an ordered sequence of Messages, optionally bound to
// one of the owner's deployed agents.
type Conversation struct {
	ID        uuid.UUID       `json:"id"`
	OwnerID   uuid.UUID       `json:"owner_id"`
	AgentID   *uuid.UUID      `json:"agent_id,omitempty"`
	Title     *string         `json:"title,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Message is one turn in a Conversation. Messages are totally ordered by
// (created_at, id).
type Message struct {
	ID             uuid.UUID       `json:"id"`
	ConversationID uuid.UUID       `json:"conversation_id"`
	Role           Role            `json:"role"`
	Content        string          `json:"content"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// CreateConversationRequest is the JSON body for POST /conversations.
type CreateConversationRequest struct {
	AgentID  *uuid.UUID      `json:"agent_id"`
	Title    *string         `json:"title"`
	Metadata json.RawMessage `json:"metadata"`
}

// PostMessageRequest is the JSON body for POST /conversations/{id}/messages.
// Only role=user is accepted from clients; assistant messages are written
// internally by the agent-turn goroutine.
type PostMessageRequest struct {
	Content string `json:"content" validate:"required"`
}

// Frame is one event on the conversation WebSocket, per spec.md §4.5's
// frame grammar: ack precedes any stream chunks of a turn; complete is
// always the last event for that turn.
type Frame struct {
	Type      FrameType  `json:"type"`
	MessageID *uuid.UUID `json:"message_id,omitempty"`
	Role      Role       `json:"role,omitempty"`
	Content   string     `json:"content,omitempty"`
	Message   string     `json:"message,omitempty"`
}

// FrameType names the kind of event carried by a Frame.
type FrameType string

const (
	FrameAck      FrameType = "ack"
	FrameStream   FrameType = "stream"
	FrameComplete FrameType = "complete"
	FrameWarn     FrameType = "warn"
)
