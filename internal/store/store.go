// Package store persists support conversations and their messages.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a conversation does not exist.
var ErrNotFound = errors.New("conversation not found")

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// Conversation is one support session owned by a user.
type Conversation struct {
	ID        string         `json:"id"`
	UserID    string         `json:"userId"`
	Title     string         `json:"title,omitempty"`
	Summary   string         `json:"summary,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`

	// MessageCount is populated by ListConversations.
	MessageCount int `json:"messageCount,omitempty"`
}

// ToolInvocation records one action call made while producing a reply.
type ToolInvocation struct {
	ID     string         `json:"id,omitempty"`
	Name   string         `json:"name"`
	Args   map[string]any `json:"args"`
	Result any            `json:"result"`
}

// Message is an immutable chat turn.
type Message struct {
	ID              string           `json:"id"`
	ConversationID  string           `json:"conversationId"`
	Role            string           `json:"role"`
	Content         string           `json:"content"`
	Category        string           `json:"category,omitempty"`
	ToolInvocations []ToolInvocation `json:"toolInvocations,omitempty"`
	CreatedAt       time.Time        `json:"createdAt"`
}

// NewMessage describes a message to append.
type NewMessage struct {
	Role            string
	Content         string
	Category        string           // assistant messages only
	ToolInvocations []ToolInvocation // omitted when empty
}

// Store is a SQLite-backed conversation store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a conversation store, running migrations on first use.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate conversations: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS conversations (
			id         TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL,
			title      TEXT,
			summary    TEXT,
			metadata   TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, updated_at);

		-- seq gives a total order even when timestamps collide.
		CREATE TABLE IF NOT EXISTS messages (
			seq              INTEGER PRIMARY KEY AUTOINCREMENT,
			id               TEXT NOT NULL UNIQUE,
			conversation_id  TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			role             TEXT NOT NULL,
			content          TEXT NOT NULL,
			category         TEXT,
			tool_invocations TEXT,
			created_at       TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq);
	`)
	return err
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateConversation starts a new conversation for userID. title may be
// empty; it is normally derived after the first exchange.
func (s *Store) CreateConversation(ctx context.Context, userID, title string) (*Conversation, error) {
	now := s.now()
	c := &Conversation{
		ID:        uuid.Must(uuid.NewV7()).String(),
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, user_id, title, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.UserID, nullString(title), c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return c, nil
}

// GetConversation returns a conversation by ID.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, title, summary, metadata, created_at, updated_at
		FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

// AppendMessage adds a message to the end of a conversation and
// refreshes the conversation's updated_at.
func (s *Store) AppendMessage(ctx context.Context, conversationID string, m NewMessage) (*Message, error) {
	msg := &Message{
		ID:              uuid.Must(uuid.NewV7()).String(),
		ConversationID:  conversationID,
		Role:            m.Role,
		Content:         m.Content,
		Category:        m.Category,
		ToolInvocations: m.ToolInvocations,
		CreatedAt:       s.now(),
	}

	var invocations sql.NullString
	if len(m.ToolInvocations) > 0 {
		b, err := json.Marshal(m.ToolInvocations)
		if err != nil {
			return nil, fmt.Errorf("encode tool invocations: %w", err)
		}
		invocations = sql.NullString{String: string(b), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	res, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, msg.CreatedAt, conversationID)
	if err != nil {
		return nil, fmt.Errorf("touch conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, category, tool_invocations, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, conversationID, msg.Role, msg.Content, nullString(msg.Category), invocations, msg.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}
	return msg, nil
}

// ListMessages returns up to limit messages in chronological order.
// When limit > 0 the most recent messages are kept. A non-empty before
// restricts the result to messages older than that message ID.
func (s *Store) ListMessages(ctx context.Context, conversationID string, limit int, before string) ([]Message, error) {
	query := `SELECT id, conversation_id, role, content, category, tool_invocations, created_at
		FROM messages WHERE conversation_id = ?`
	args := []any{conversationID}
	if before != "" {
		query += ` AND seq < (SELECT seq FROM messages WHERE id = ?)`
		args = append(args, before)
	}
	query += ` ORDER BY seq DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Selected newest-first so LIMIT keeps the tail; flip to chronological.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// CountMessages returns the number of messages in a conversation.
func (s *Store) CountMessages(ctx context.Context, conversationID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// GetConversationWithMessages returns a conversation and its full
// history, or ErrNotFound.
func (s *Store) GetConversationWithMessages(ctx context.Context, id string) (*Conversation, []Message, error) {
	c, err := s.GetConversation(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	msgs, err := s.ListMessages(ctx, id, 0, "")
	if err != nil {
		return nil, nil, err
	}
	return c, msgs, nil
}

// ListConversations returns one page of a user's conversations, most
// recently updated first, plus the user's total conversation count.
func (s *Store) ListConversations(ctx context.Context, userID string, limit, offset int) ([]Conversation, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversations WHERE user_id = ?`, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count conversations: %w", err)
	}

	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.user_id, c.title, c.summary, c.metadata, c.created_at, c.updated_at,
		       (SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id)
		FROM conversations c
		WHERE c.user_id = ?
		ORDER BY c.updated_at DESC, c.id DESC
		LIMIT ? OFFSET ?`, userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var convs []Conversation
	for rows.Next() {
		var (
			c                        Conversation
			title, summary, metadata sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.UserID, &title, &summary, &metadata, &c.CreatedAt, &c.UpdatedAt, &c.MessageCount); err != nil {
			return nil, 0, fmt.Errorf("scan conversation: %w", err)
		}
		if err := fillConversation(&c, title, summary, metadata); err != nil {
			return nil, 0, err
		}
		convs = append(convs, c)
	}
	return convs, total, rows.Err()
}

// DeleteConversation removes a conversation and its messages. It reports
// whether a conversation was deleted.
func (s *Store) DeleteConversation(ctx context.Context, id string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	// Foreign-key enforcement is per-connection in SQLite, so cascade by hand.
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return false, fmt.Errorf("delete messages: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete conversation: %w", err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit delete: %w", err)
	}
	return n > 0, nil
}

// UpdateConversationTitle sets a conversation's title.
func (s *Store) UpdateConversationTitle(ctx context.Context, id, title string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?`, title, s.now(), id)
	if err != nil {
		return fmt.Errorf("update title: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanConversation(row *sql.Row) (*Conversation, error) {
	var (
		c                        Conversation
		title, summary, metadata sql.NullString
	)
	if err := row.Scan(&c.ID, &c.UserID, &title, &summary, &metadata, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	if err := fillConversation(&c, title, summary, metadata); err != nil {
		return nil, err
	}
	return &c, nil
}

func fillConversation(c *Conversation, title, summary, metadata sql.NullString) error {
	c.Title = title.String
	c.Summary = summary.String
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &c.Metadata); err != nil {
			return fmt.Errorf("decode metadata for %s: %w", c.ID, err)
		}
	}
	return nil
}

func scanMessage(rows *sql.Rows) (*Message, error) {
	var (
		m                     Message
		category, invocations sql.NullString
	)
	if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &category, &invocations, &m.CreatedAt); err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	m.Category = category.String
	if invocations.Valid && invocations.String != "" {
		if err := json.Unmarshal([]byte(invocations.String), &m.ToolInvocations); err != nil {
			return nil, fmt.Errorf("decode tool invocations for %s: %w", m.ID, err)
		}
	}
	return &m, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
