package store

import (
	"context"
	"sync"
)

// Memory implements Store and CredentialStore in process memory. Tests use
// it directly; it also backs single-process development deployments.
type Memory struct {
	mu            sync.Mutex
	conversations map[string][]ConversationUpdate
	statuses      map[string]ChatStatus
	suggestions   map[string]Suggestions
	credentials   map[string]CredentialRecord
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		conversations: make(map[string][]ConversationUpdate),
		statuses:      make(map[string]ChatStatus),
		suggestions:   make(map[string]Suggestions),
		credentials:   make(map[string]CredentialRecord),
	}
}

func (m *Memory) UpdateConversation(_ context.Context, conversationID string, update ConversationUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversations[conversationID] = append(m.conversations[conversationID], update)
	return nil
}

func (m *Memory) UpdateChatStatus(_ context.Context, chatID string, status ChatStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[chatID] = status
	return nil
}

func (m *Memory) ReadSmartSuggestions(_ context.Context, chatID string) (*Suggestions, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.suggestions[chatID]
	if !ok {
		return &Suggestions{}, nil
	}
	out := s
	return &out, nil
}

func (m *Memory) FindCredentialRecord(_ context.Context, subjectID string) (*CredentialRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.credentials[subjectID]
	if !ok {
		return nil, ErrNotFound
	}
	out := record
	return &out, nil
}

// SetCredential seeds a credential record.
func (m *Memory) SetCredential(record CredentialRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credentials[record.SubjectID] = record
}

// SetSmartSuggestions seeds the suggestion payload for a chat.
func (m *Memory) SetSmartSuggestions(chatID string, s Suggestions) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suggestions[chatID] = s
}

// ConversationUpdates returns every write made against a conversation, in
// order.
func (m *Memory) ConversationUpdates(conversationID string) []ConversationUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ConversationUpdate, len(m.conversations[conversationID]))
	copy(out, m.conversations[conversationID])
	return out
}

// LastChatStatus returns the most recent status written for a chat.
func (m *Memory) LastChatStatus(chatID string) (ChatStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	status, ok := m.statuses[chatID]
	return status, ok
}
