// Package api exposes the browser-facing channel: an HTTP API for sending
// turns and an SSE stream relaying live bus events back to the browser.
package api

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event types emitted on the browser channel.
const (
	EventNewMessageFromTeam        = "newMessageFromTeam"
	EventStreamFromTeamFinished    = "streamFromTeamFinished"
	EventSmartSuggestionsAddedToDB = "smartSuggestionsAddedToDB"
)

// subscriberBuffer bounds each SSE subscriber's queue. A browser that
// stops reading loses events rather than stalling the publisher.
const subscriberBuffer = 64

// Event is one browser-channel notification.
type Event struct {
	Type     string `json:"type"`
	ThreadID string `json:"threadId,omitempty"`
	ChatID   string `json:"chatId,omitempty"`
	Message  string `json:"message,omitempty"`
}

// Hub fans events out to SSE subscribers. Subscribers are grouped by a
// channel key, the thread ID for stream events and the chat ID for
// suggestion events. It implements the bridge's EventPublisher.
type Hub struct {
	log zerolog.Logger

	mu   sync.Mutex
	subs map[string]map[chan Event]struct{}
}

// NewHub creates an empty hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		log:  logger,
		subs: make(map[string]map[chan Event]struct{}),
	}
}

// Subscribe registers a subscriber for one channel key. The returned
// cancel function must be called when the subscriber goes away.
func (h *Hub) Subscribe(key string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	h.mu.Lock()
	if h.subs[key] == nil {
		h.subs[key] = make(map[chan Event]struct{})
	}
	h.subs[key][ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if set, ok := h.subs[key]; ok {
			if _, ok := set[ch]; ok {
				delete(set, ch)
				close(ch)
				if len(set) == 0 {
					delete(h.subs, key)
				}
			}
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber on the key. Delivery is
// non-blocking; a full subscriber queue drops the event.
func (h *Hub) Publish(key string, ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.subs[key] {
		select {
		case ch <- ev:
		default:
			h.log.Warn().Str("key", key).Str("type", ev.Type).Msg("Slow event subscriber, dropping event")
		}
	}
}

// SubscriberCount reports how many subscribers a key currently has.
func (h *Hub) SubscriberCount(key string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[key])
}

func (h *Hub) NewMessageFromTeam(threadID uuid.UUID, buffered string) {
	id := threadID.String()
	h.Publish(id, Event{Type: EventNewMessageFromTeam, ThreadID: id, Message: buffered})
}

func (h *Hub) StreamFromTeamFinished(threadID uuid.UUID) {
	id := threadID.String()
	h.Publish(id, Event{Type: EventStreamFromTeamFinished, ThreadID: id})
}

func (h *Hub) SmartSuggestionsAddedToDB(chatID string) {
	h.Publish(chatID, Event{Type: EventSmartSuggestionsAddedToDB, ChatID: chatID})
}
