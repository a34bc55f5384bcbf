package relay

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/teamrelay/internal/bus"
)

// FragmentHandler receives the cumulative stream buffer after each
// fragment, in arrival order.
type FragmentHandler func(buffered string)

// FinalHandler receives the parsed terminal message and the buffer
// accumulated over the turn.
type FinalHandler func(final FinalMessage, buffered string)

// Thread owns the bus-side state of one conversation: a dedicated
// connection, the subscriptions on its print and input subjects, and the
// per-turn stream buffer. All mutation goes through this type; nothing
// else touches the connection.
type Thread struct {
	ID uuid.UUID

	conn *bus.Conn
	log  zerolog.Logger

	mu         sync.Mutex
	subs       map[string]*bus.Subscription
	buffer     strings.Builder
	lastFinal  *FinalMessage
	finalSeen  bool
	lastActive time.Time
}

// turnPayload is the wire shape published on the initiate and input
// subjects.
type turnPayload struct {
	ThreadID string `json:"threadId"`
	TeamID   string `json:"teamId"`
	Message  string `json:"message"`
}

// fragmentPayload is the wire shape on the print subject. Workers that
// publish bare text instead of the envelope still stream correctly.
type fragmentPayload struct {
	Text string `json:"text"`
}

func newThread(id uuid.UUID, conn *bus.Conn, logger zerolog.Logger) *Thread {
	return &Thread{
		ID:         id,
		conn:       conn,
		log:        logger.With().Stringer("thread_id", id).Logger(),
		subs:       make(map[string]*bus.Subscription),
		lastActive: time.Now(),
	}
}

// PublishTurn starts a new turn: the previous turn's display buffer is
// discarded, then one message is published to the initiate subject (first
// turn of a thread) or the thread's input subject. A publish failure is
// returned to the caller as is; there is no automatic retry.
func (t *Thread) PublishTurn(teamID, message string, firstTurn bool) error {
	t.mu.Lock()
	t.buffer.Reset()
	t.finalSeen = false
	t.lastActive = time.Now()
	t.mu.Unlock()

	payload, err := json.Marshal(turnPayload{
		ThreadID: t.ID.String(),
		TeamID:   teamID,
		Message:  message,
	})
	if err != nil {
		return fmt.Errorf("failed to encode turn payload: %w", err)
	}

	subject := ServerInputSubject(t.ID)
	if firstTurn {
		subject = InitiateSubject
	}

	if err := t.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("failed to publish turn to %s: %w", subject, err)
	}

	t.log.Debug().Str("subject", subject).Str("team_id", teamID).Msg("Turn published")
	return nil
}

// Attach installs the two ordered subscriptions for this thread. Calling
// it again replaces both: the old subscriptions are cancelled first, so a
// browser retry or reconnect never produces duplicate delivery.
func (t *Thread) Attach(onFragment FragmentHandler, onFinal FinalHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.subscribeLocked(PrintSubject(t.ID), func(m *bus.Msg) {
		t.handleFragment(m, onFragment)
	}); err != nil {
		return err
	}

	if err := t.subscribeLocked(ClientInputSubject(t.ID), func(m *bus.Msg) {
		t.handleFinal(m, onFinal)
	}); err != nil {
		return err
	}

	return nil
}

// subscribeLocked replaces the subscription for one subject. Caller holds
// the thread mutex.
func (t *Thread) subscribeLocked(subject string, h bus.Handler) error {
	if old, ok := t.subs[subject]; ok {
		if err := old.Unsubscribe(); err != nil {
			t.log.Warn().Err(err).Str("subject", subject).Msg("Failed to cancel stale subscription")
		}
		delete(t.subs, subject)
	}

	sub, err := t.conn.Subscribe(subject, h)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	t.subs[subject] = sub
	return nil
}

func (t *Thread) handleFragment(m *bus.Msg, onFragment FragmentHandler) {
	text := string(m.Data)
	var payload fragmentPayload
	if err := json.Unmarshal(m.Data, &payload); err == nil && payload.Text != "" {
		text = payload.Text
	}

	t.mu.Lock()
	t.buffer.WriteString(text)
	buffered := t.buffer.String()
	t.lastActive = time.Now()
	t.mu.Unlock()

	onFragment(buffered)
}

func (t *Thread) handleFinal(m *bus.Msg, onFinal FinalHandler) {
	final := ParseFinal(m.Data)

	t.mu.Lock()
	if t.finalSeen {
		// A duplicate final re-renders the completed buffer harmlessly
		// but re-triggers the persistence write downstream.
		t.log.Warn().Msg("Duplicate final message for this turn")
	}
	t.finalSeen = true
	t.lastFinal = &final
	buffered := t.buffer.String()
	t.lastActive = time.Now()
	t.mu.Unlock()

	onFinal(final, buffered)
}

// Buffer returns the stream accumulated since the current turn started.
func (t *Thread) Buffer() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buffer.String()
}

// LastFinal returns the last completed message, or nil before the first
// one arrives.
func (t *Thread) LastFinal() *FinalMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastFinal
}

// ActiveSubscriptions reports how many live subscriptions the thread holds.
func (t *Thread) ActiveSubscriptions() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// IdleSince reports the last time the thread published or received
// anything.
func (t *Thread) IdleSince() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastActive
}

// Close cancels the thread's subscriptions and releases its connection.
func (t *Thread) Close() {
	t.mu.Lock()
	subs := t.subs
	t.subs = make(map[string]*bus.Subscription)
	t.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	if err := t.conn.Close(); err != nil {
		t.log.Warn().Err(err).Msg("Failed to close thread connection")
	}
}
