package conversation

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wisbric/agentctl/internal/db"
	"github.com/wisbric/agentctl/internal/httpserver"
)

// Store provides database operations for conversations and messages.
type Store struct {
	dbtx db.DBTX
}

// NewStore creates a conversation Store backed by the given database handle.
func NewStore(dbtx db.DBTX) *Store {
	return &Store{dbtx: dbtx}
}

const conversationColumns = `id, owner_id, agent_id, title, metadata, created_at, updated_at`

func scanConversation(row pgx.Row) (Conversation, error) {
	var c Conversation
	err := row.Scan(&c.ID, &c.OwnerID, &c.AgentID, &c.Title, &c.Metadata, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

const messageColumns = `id, conversation_id, role, content, metadata, created_at`

func scanMessage(row pgx.Row) (Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.Metadata, &m.CreatedAt)
	return m, err
}

// CreateConversation inserts a new Conversation owned by ownerID.
func (s *Store) CreateConversation(ctx context.Context, ownerID uuid.UUID, req CreateConversationRequest) (Conversation, error) {
	metadata := req.Metadata
	if metadata == nil {
		metadata = []byte(`{}`)
	}
	query := `INSERT INTO conversations (owner_id, agent_id, title, metadata) VALUES ($1, $2, $3, $4) RETURNING ` + conversationColumns
	return scanConversation(s.dbtx.QueryRow(ctx, query, ownerID, req.AgentID, req.Title, metadata))
}

// GetConversation returns a Conversation by id, or pgx.ErrNoRows.
func (s *Store) GetConversation(ctx context.Context, id uuid.UUID) (Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE id = $1`
	return scanConversation(s.dbtx.QueryRow(ctx, query, id))
}

// ListConversations returns a page of conversations, newest first.
func (s *Store) ListConversations(ctx context.Context, ownerID *uuid.UUID, page httpserver.OffsetParams) ([]Conversation, int, error) {
	where := "1=1"
	args := []any{}
	if ownerID != nil {
		where = "owner_id = $1"
		args = append(args, *ownerID)
	}

	var total int
	countQuery := `SELECT count(*) FROM conversations WHERE ` + where
	if err := s.dbtx.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting conversations: %w", err)
	}

	args = append(args, page.PageSize, page.Offset)
	query := fmt.Sprintf(`SELECT %s FROM conversations WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		conversationColumns, where, len(args)-1, len(args))
	rows, err := s.dbtx.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing conversations: %w", err)
	}
	defer rows.Close()

	var items []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning conversation row: %w", err)
		}
		items = append(items, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating conversation rows: %w", err)
	}
	return items, total, nil
}

// InsertMessage appends a Message to a conversation.
func (s *Store) InsertMessage(ctx context.Context, conversationID uuid.UUID, role Role, content string, metadata []byte) (Message, error) {
	if metadata == nil {
		metadata = []byte(`{}`)
	}
	query := `INSERT INTO messages (conversation_id, role, content, metadata) VALUES ($1, $2, $3, $4) RETURNING ` + messageColumns
	return scanMessage(s.dbtx.QueryRow(ctx, query, conversationID, role, content, metadata))
}

// ListMessages returns a page of messages for a conversation, oldest first
// (the conversation's total order per spec.md §3).
func (s *Store) ListMessages(ctx context.Context, conversationID uuid.UUID, page httpserver.OffsetParams) ([]Message, int, error) {
	var total int
	if err := s.dbtx.QueryRow(ctx, `SELECT count(*) FROM messages WHERE conversation_id = $1`, conversationID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting messages: %w", err)
	}

	query := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = $1
	ORDER BY created_at ASC, id ASC LIMIT $2 OFFSET $3`
	rows, err := s.dbtx.Query(ctx, query, conversationID, page.PageSize, page.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	var items []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning message row: %w", err)
		}
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating message rows: %w", err)
	}
	return items, total, nil
}
