package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/teamrelay/internal/retry"
	"github.com/teamrelay/internal/store"
)

// EventPublisher is the browser-facing event channel the bridge emits
// into. The API layer implements it with its SSE hub.
type EventPublisher interface {
	NewMessageFromTeam(threadID uuid.UUID, buffered string)
	StreamFromTeamFinished(threadID uuid.UUID)
	SmartSuggestionsAddedToDB(chatID string)
}

// ThreadMeta identifies where a browser command lands: the bus thread, the
// chat row, and the conversation row it belongs to.
type ThreadMeta struct {
	ThreadID       uuid.UUID
	ChatID         string
	ConversationID string
	FirstTurn      bool
}

const (
	defaultPollAttempts = 10
	defaultPollInterval = time.Second

	statusCompleted = "completed"
)

// Bridge turns the thread subscription callbacks into the two
// externally-visible effects: live updates on the event channel and
// persistence of completed turns.
type Bridge struct {
	registry *Registry
	store    store.Store
	events   EventPublisher
	log      zerolog.Logger
	poll     retry.Config
}

// NewBridge wires the bridge. All collaborators are injected.
func NewBridge(registry *Registry, st store.Store, events EventPublisher, logger zerolog.Logger) *Bridge {
	return &Bridge{
		registry: registry,
		store:    st,
		events:   events,
		log:      logger,
		poll:     retry.FixedConfig(defaultPollAttempts, defaultPollInterval),
	}
}

// SetSuggestionPoll overrides the suggestion polling cadence.
func (b *Bridge) SetSuggestionPoll(config retry.Config) {
	b.poll = config
}

// SendMessageToTeam handles the inbound browser command: ensure the
// thread exists, (re)attach its subscriptions, and publish the turn.
// Re-attaching on every call is what makes browser retries safe: the
// previous subscriptions are cancelled, never duplicated.
func (b *Bridge) SendMessageToTeam(ctx context.Context, meta ThreadMeta, teamID, message string) error {
	thread, err := b.registry.Ensure(meta.ThreadID)
	if err != nil {
		return err
	}

	if err := thread.Attach(b.onFragment(meta), b.onFinal(meta)); err != nil {
		return fmt.Errorf("failed to attach thread %s: %w", meta.ThreadID, err)
	}

	if err := thread.PublishTurn(teamID, message, meta.FirstTurn); err != nil {
		return err
	}

	b.log.Info().
		Stringer("thread_id", meta.ThreadID).
		Str("team_id", teamID).
		Bool("first_turn", meta.FirstTurn).
		Msg("Turn sent to team")
	return nil
}

// onFragment forwards each cumulative buffer to the browser. Fires many
// times per turn, so it must stay cheap: no durable writes here.
func (b *Bridge) onFragment(meta ThreadMeta) FragmentHandler {
	return func(buffered string) {
		b.events.NewMessageFromTeam(meta.ThreadID, buffered)
	}
}

// onFinal persists the completed turn and emits exactly one stream-finished
// event. Store failures are logged, not propagated: the in-memory state
// already reflects completion and the browser must still see the turn end.
func (b *Bridge) onFinal(meta ThreadMeta) FinalHandler {
	return func(final FinalMessage, buffered string) {
		ctx := context.Background()

		err := b.store.UpdateConversation(ctx, meta.ConversationID, store.ConversationUpdate{
			Message:      final.Message,
			AgentHistory: buffered,
		})
		if err != nil {
			b.log.Error().Err(err).
				Str("conversation_id", meta.ConversationID).
				Msg("Failed to persist final message")
		}

		err = b.store.UpdateChatStatus(ctx, meta.ChatID, store.ChatStatus{
			Status:       statusCompleted,
			IsTerminated: false,
		})
		if err != nil {
			b.log.Error().Err(err).Str("chat_id", meta.ChatID).Msg("Failed to update chat status")
		}

		b.events.StreamFromTeamFinished(meta.ThreadID)

		if final.Kind == FinalFallback {
			b.log.Warn().
				Stringer("thread_id", meta.ThreadID).
				Msg("Final payload was unparseable, persisted as raw text")
		}
	}
}

// CheckSmartSuggestionStatus polls the durable store until the chat's
// suggestions are populated, then emits one ready event. Suggestion
// population is an asynchronous side effect of the final-message path; the
// browser learns about it here without holding a bus subscription.
func (b *Bridge) CheckSmartSuggestionStatus(ctx context.Context, chatID string) error {
	err := retry.Do(ctx, b.poll, func() error {
		suggestions, readErr := b.store.ReadSmartSuggestions(ctx, chatID)
		if readErr != nil {
			return readErr
		}
		if suggestions.Empty() {
			return fmt.Errorf("suggestions for chat %s not ready", chatID)
		}
		return nil
	})
	if err != nil {
		b.log.Warn().Err(err).Str("chat_id", chatID).Msg("Smart suggestions never became ready")
		return err
	}

	b.events.SmartSuggestionsAddedToDB(chatID)
	return nil
}
