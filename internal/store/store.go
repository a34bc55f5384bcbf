// Package store defines the durable-store interfaces the relay and the
// credential gate consume, with a Postgres implementation for production
// and an in-memory one for tests and single-process development.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by lookups that matched no record.
var ErrNotFound = errors.New("store: record not found")

// CredentialRecord is a bus credential owned by the credential store.
// TokenHash is "salt:hash": hex-encoded random salt and hex-encoded
// SHA-256 digest of salt bytes followed by the secret. Read-only from the
// gate's perspective.
type CredentialRecord struct {
	SubjectID string
	TokenHash string
}

// Suggestions is the smart-suggestion payload attached to a chat after a
// completed turn.
type Suggestions struct {
	Suggestions []string `json:"suggestions"`
	Type        string   `json:"type,omitempty"`
}

// Empty reports whether no suggestions have been populated yet.
func (s *Suggestions) Empty() bool {
	return s == nil || len(s.Suggestions) == 0
}

// ConversationUpdate carries the terminal message of a turn plus the full
// streamed history accumulated while it was produced.
type ConversationUpdate struct {
	Message      string
	AgentHistory string
}

// ChatStatus is the chat-level status written when a stream finishes.
type ChatStatus struct {
	Status       string
	IsTerminated bool
}

// Store is the durable-store surface the relay bridge writes through.
type Store interface {
	UpdateConversation(ctx context.Context, conversationID string, update ConversationUpdate) error
	UpdateChatStatus(ctx context.Context, chatID string, status ChatStatus) error
	ReadSmartSuggestions(ctx context.Context, chatID string) (*Suggestions, error)
}

// CredentialStore is the lookup surface the credential gate reads through.
type CredentialStore interface {
	FindCredentialRecord(ctx context.Context, subjectID string) (*CredentialRecord, error)
}
