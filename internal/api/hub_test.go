package api

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestHubDeliversToKeySubscribers(t *testing.T) {
	hub := NewHub(zerolog.Nop())

	a, cancelA := hub.Subscribe("thread-1")
	defer cancelA()
	b, cancelB := hub.Subscribe("thread-1")
	defer cancelB()
	other, cancelOther := hub.Subscribe("thread-2")
	defer cancelOther()

	hub.Publish("thread-1", Event{Type: EventNewMessageFromTeam, Message: "hi"})

	assert.Equal(t, "hi", waitEvent(t, a).Message)
	assert.Equal(t, "hi", waitEvent(t, b).Message)
	assert.Empty(t, other, "subscribers on other keys must not receive the event")
}

func TestHubCancelStopsDelivery(t *testing.T) {
	hub := NewHub(zerolog.Nop())

	ch, cancel := hub.Subscribe("thread-1")
	assert.Equal(t, 1, hub.SubscriberCount("thread-1"))

	cancel()
	assert.Equal(t, 0, hub.SubscriberCount("thread-1"))

	// Cancel twice is safe.
	cancel()

	hub.Publish("thread-1", Event{Type: EventNewMessageFromTeam})
	_, open := <-ch
	assert.False(t, open, "channel must be closed after cancel")
}

func TestHubDropsWhenSubscriberStalls(t *testing.T) {
	hub := NewHub(zerolog.Nop())

	ch, cancel := hub.Subscribe("thread-1")
	defer cancel()

	for i := 0; i < subscriberBuffer+10; i++ {
		hub.Publish("thread-1", Event{Type: EventNewMessageFromTeam})
	}

	assert.Equal(t, subscriberBuffer, len(ch), "overflow must be dropped, not block the publisher")
}

func TestHubImplementsEventChannel(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	threadID := uuid.New()

	threadEvents, cancelThread := hub.Subscribe(threadID.String())
	defer cancelThread()
	chatEvents, cancelChat := hub.Subscribe("chat-1")
	defer cancelChat()

	hub.NewMessageFromTeam(threadID, "partial text")
	ev := waitEvent(t, threadEvents)
	require.Equal(t, EventNewMessageFromTeam, ev.Type)
	assert.Equal(t, threadID.String(), ev.ThreadID)
	assert.Equal(t, "partial text", ev.Message)

	hub.StreamFromTeamFinished(threadID)
	ev = waitEvent(t, threadEvents)
	require.Equal(t, EventStreamFromTeamFinished, ev.Type)
	assert.Equal(t, threadID.String(), ev.ThreadID)

	hub.SmartSuggestionsAddedToDB("chat-1")
	ev = waitEvent(t, chatEvents)
	require.Equal(t, EventSmartSuggestionsAddedToDB, ev.Type)
	assert.Equal(t, "chat-1", ev.ChatID)
}
