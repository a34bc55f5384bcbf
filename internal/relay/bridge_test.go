package relay

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teamrelay/internal/bus"
	"github.com/teamrelay/internal/retry"
	"github.com/teamrelay/internal/store"
)

// eventRecorder captures browser-channel events for assertions.
type eventRecorder struct {
	fragments chan string
	finished  chan uuid.UUID
	ready     chan string
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{
		fragments: make(chan string, 64),
		finished:  make(chan uuid.UUID, 8),
		ready:     make(chan string, 8),
	}
}

func (r *eventRecorder) NewMessageFromTeam(_ uuid.UUID, buffered string) { r.fragments <- buffered }
func (r *eventRecorder) StreamFromTeamFinished(threadID uuid.UUID)       { r.finished <- threadID }
func (r *eventRecorder) SmartSuggestionsAddedToDB(chatID string)         { r.ready <- chatID }

func (r *eventRecorder) waitFragment(t *testing.T) string {
	t.Helper()
	select {
	case s := <-r.fragments:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fragment event")
		return ""
	}
}

func (r *eventRecorder) waitFinished(t *testing.T) {
	t.Helper()
	select {
	case <-r.finished:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stream-finished event")
	}
}

type bridgeFixture struct {
	bridge *Bridge
	events *eventRecorder
	memory *store.Memory
	worker *bus.Conn
}

// newBridgeFixture wires a bridge against a live in-process broker plus a
// scripted worker that streams the given fragments whenever a turn
// arrives for threadID. The final message stays under test control.
func newBridgeFixture(t *testing.T, threadID uuid.UUID, fragments []string) *bridgeFixture {
	t.Helper()

	srv := bus.NewServer(bus.ServerOptions{ServerID: "test-bus"})
	t.Cleanup(srv.Close)

	worker, err := srv.Connect(bus.ConnOptions{User: "worker"})
	require.NoError(t, err)
	t.Cleanup(func() { worker.Close() })

	streamTurn := func(m *bus.Msg) {
		var turn turnPayload
		if err := json.Unmarshal(m.Data, &turn); err != nil {
			return
		}
		id := uuid.MustParse(turn.ThreadID)
		for _, fragment := range fragments {
			worker.Publish(PrintSubject(id), []byte(fragment))
		}
	}
	_, err = worker.Subscribe(InitiateSubject, streamTurn)
	require.NoError(t, err)
	_, err = worker.Subscribe(ServerInputSubject(threadID), streamTurn)
	require.NoError(t, err)
	require.NoError(t, worker.Flush(context.Background()))

	reg := NewRegistry(func() (*bus.Conn, error) {
		return srv.Connect(bus.ConnOptions{User: "relay"})
	}, zerolog.Nop())
	t.Cleanup(reg.Close)

	events := newEventRecorder()
	memory := store.NewMemory()
	return &bridgeFixture{
		bridge: NewBridge(reg, memory, events, zerolog.Nop()),
		events: events,
		memory: memory,
		worker: worker,
	}
}

func TestStreamAggregationAndPersistence(t *testing.T) {
	threadID := uuid.New()
	fx := newBridgeFixture(t, threadID, []string{"a", "b", "c"})
	meta := ThreadMeta{ThreadID: threadID, ChatID: "chat-1", ConversationID: "conv-1", FirstTurn: true}

	require.NoError(t, fx.bridge.SendMessageToTeam(context.Background(), meta, "team-9", "hello"))

	// Fragments arrive in publish order and the buffer accumulates.
	assert.Equal(t, "a", fx.events.waitFragment(t))
	assert.Equal(t, "ab", fx.events.waitFragment(t))
	assert.Equal(t, "abc", fx.events.waitFragment(t))

	// The worker closes the turn.
	final := []byte(`{"message":"done","smart_suggestions":{"suggestions":["x"],"type":"oneOf"}}`)
	require.NoError(t, fx.worker.Publish(ClientInputSubject(threadID), final))
	fx.events.waitFinished(t)

	updates := fx.memory.ConversationUpdates("conv-1")
	require.Len(t, updates, 1, "exactly one persistence write per final")
	assert.Equal(t, "done", updates[0].Message)
	assert.Equal(t, "abc", updates[0].AgentHistory)

	status, ok := fx.memory.LastChatStatus("chat-1")
	require.True(t, ok)
	assert.Equal(t, statusCompleted, status.Status)

	// Exactly one stream-finished event.
	select {
	case <-fx.events.finished:
		t.Fatal("received a second stream-finished event")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestUnparseableFinalStillPersists(t *testing.T) {
	threadID := uuid.New()
	fx := newBridgeFixture(t, threadID, []string{"partial"})
	meta := ThreadMeta{ThreadID: threadID, ChatID: "chat-2", ConversationID: "conv-2", FirstTurn: true}

	require.NoError(t, fx.bridge.SendMessageToTeam(context.Background(), meta, "team-9", "hello"))
	assert.Equal(t, "partial", fx.events.waitFragment(t))

	require.NoError(t, fx.worker.Publish(ClientInputSubject(threadID), []byte("not json")))
	fx.events.waitFinished(t)

	updates := fx.memory.ConversationUpdates("conv-2")
	require.Len(t, updates, 1)
	assert.Equal(t, "not json", updates[0].Message, "raw text becomes the message body")
}

func TestSecondTurnResetsBuffer(t *testing.T) {
	threadID := uuid.New()
	fx := newBridgeFixture(t, threadID, []string{"x"})
	ctx := context.Background()

	first := ThreadMeta{ThreadID: threadID, ChatID: "chat-3", ConversationID: "conv-3", FirstTurn: true}
	require.NoError(t, fx.bridge.SendMessageToTeam(ctx, first, "team-9", "turn one"))
	assert.Equal(t, "x", fx.events.waitFragment(t))

	require.NoError(t, fx.worker.Publish(ClientInputSubject(threadID), []byte(`{"message":"one"}`)))
	fx.events.waitFinished(t)

	// Second turn on the same thread: stale text from turn one must not
	// leak into the first fragment of turn two.
	second := first
	second.FirstTurn = false
	require.NoError(t, fx.bridge.SendMessageToTeam(ctx, second, "team-9", "turn two"))
	assert.Equal(t, "x", fx.events.waitFragment(t), "buffer must restart empty on a new turn")

	require.NoError(t, fx.worker.Publish(ClientInputSubject(threadID), []byte(`{"message":"two"}`)))
	fx.events.waitFinished(t)

	updates := fx.memory.ConversationUpdates("conv-3")
	require.Len(t, updates, 2)
	assert.Equal(t, "x", updates[1].AgentHistory)
}

func TestFragmentEnvelopeDecoding(t *testing.T) {
	threadID := uuid.New()
	fx := newBridgeFixture(t, threadID, []string{`{"text":"hi "}`, `{"text":"there"}`})
	meta := ThreadMeta{ThreadID: threadID, ChatID: "chat-4", ConversationID: "conv-4", FirstTurn: true}

	require.NoError(t, fx.bridge.SendMessageToTeam(context.Background(), meta, "team-9", "hello"))

	assert.Equal(t, "hi ", fx.events.waitFragment(t))
	assert.Equal(t, "hi there", fx.events.waitFragment(t))
}

func TestCheckSmartSuggestionStatus(t *testing.T) {
	threadID := uuid.New()
	fx := newBridgeFixture(t, threadID, nil)
	fx.bridge.SetSuggestionPoll(retry.FixedConfig(3, time.Millisecond))
	ctx := context.Background()

	t.Run("ready suggestions emit one event", func(t *testing.T) {
		fx.memory.SetSmartSuggestions("chat-5", store.Suggestions{Suggestions: []string{"x"}, Type: "oneOf"})
		require.NoError(t, fx.bridge.CheckSmartSuggestionStatus(ctx, "chat-5"))

		select {
		case chatID := <-fx.events.ready:
			assert.Equal(t, "chat-5", chatID)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for suggestions-ready event")
		}
	})

	t.Run("exhausted attempts emit nothing", func(t *testing.T) {
		err := fx.bridge.CheckSmartSuggestionStatus(ctx, "chat-never")
		require.Error(t, err)

		select {
		case chatID := <-fx.events.ready:
			t.Fatalf("unexpected ready event for %s", chatID)
		case <-time.After(100 * time.Millisecond):
		}
	})
}
