package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres implements Store and CredentialStore over a pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps an existing pool. The pool's lifetime belongs to the
// caller.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// UpdateConversation writes the terminal message and accumulated history
// for one conversation turn.
func (p *Postgres) UpdateConversation(ctx context.Context, conversationID string, update ConversationUpdate) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE conversations
		SET message = $2, agent_history = $3, updated_at = NOW()
		WHERE id = $1
	`, conversationID, update.Message, update.AgentHistory)
	if err != nil {
		return fmt.Errorf("failed to update conversation %s: %w", conversationID, err)
	}
	return nil
}

// UpdateChatStatus records the chat-level stream status.
func (p *Postgres) UpdateChatStatus(ctx context.Context, chatID string, status ChatStatus) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE chats
		SET status = $2, is_terminated = $3, updated_at = NOW()
		WHERE id = $1
	`, chatID, status.Status, status.IsTerminated)
	if err != nil {
		return fmt.Errorf("failed to update chat %s status: %w", chatID, err)
	}
	return nil
}

// ReadSmartSuggestions reads the suggestion payload for a chat. A chat with
// no suggestions yet returns an empty (non-nil) Suggestions.
func (p *Postgres) ReadSmartSuggestions(ctx context.Context, chatID string) (*Suggestions, error) {
	var raw []byte
	err := p.pool.QueryRow(ctx, `
		SELECT COALESCE(smart_suggestions, '{}'::jsonb) FROM chats WHERE id = $1
	`, chatID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read suggestions for chat %s: %w", chatID, err)
	}

	var suggestions Suggestions
	if err := json.Unmarshal(raw, &suggestions); err != nil {
		return nil, fmt.Errorf("failed to decode suggestions for chat %s: %w", chatID, err)
	}
	return &suggestions, nil
}

// FindCredentialRecord looks up a bus credential by deployment subject ID.
func (p *Postgres) FindCredentialRecord(ctx context.Context, subjectID string) (*CredentialRecord, error) {
	record := &CredentialRecord{}
	err := p.pool.QueryRow(ctx, `
		SELECT subject_id, token_hash FROM bus_credentials WHERE subject_id = $1
	`, subjectID).Scan(&record.SubjectID, &record.TokenHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up credential %s: %w", subjectID, err)
	}
	return record, nil
}
