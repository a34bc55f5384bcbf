package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teamrelay/internal/bus"
	"github.com/teamrelay/internal/relay"
	"github.com/teamrelay/internal/retry"
	"github.com/teamrelay/internal/store"
)

type serverFixture struct {
	server *Server
	hub    *Hub
	memory *store.Memory
	turns  chan []byte
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()

	srv := bus.NewServer(bus.ServerOptions{ServerID: "test-bus"})
	t.Cleanup(srv.Close)

	worker, err := srv.Connect(bus.ConnOptions{User: "worker"})
	require.NoError(t, err)
	t.Cleanup(func() { worker.Close() })

	turns := make(chan []byte, 8)
	_, err = worker.Subscribe(relay.InitiateSubject, func(m *bus.Msg) {
		turns <- m.Data
	})
	require.NoError(t, err)
	require.NoError(t, worker.Flush(context.Background()))

	reg := relay.NewRegistry(func() (*bus.Conn, error) {
		return srv.Connect(bus.ConnOptions{User: "relay"})
	}, zerolog.Nop())
	t.Cleanup(reg.Close)

	hub := NewHub(zerolog.Nop())
	memory := store.NewMemory()
	bridge := relay.NewBridge(reg, memory, hub, zerolog.Nop())
	bridge.SetSuggestionPoll(retry.FixedConfig(3, time.Millisecond))

	return &serverFixture{
		server: NewServer(":0", bridge, hub, zerolog.Nop()),
		hub:    hub,
		memory: memory,
		turns:  turns,
	}
}

func (f *serverFixture) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	fx := newServerFixture(t)

	rec := fx.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
}

func TestSendMessageValidation(t *testing.T) {
	fx := newServerFixture(t)

	cases := []struct {
		name string
		body string
	}{
		{"malformed body", `{`},
		{"bad thread id", `{"threadId":"nope","teamId":"team-1","message":"hi"}`},
		{"missing message", `{"threadId":"` + uuid.NewString() + `","teamId":"team-1"}`},
		{"missing team", `{"threadId":"` + uuid.NewString() + `","message":"hi"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := fx.do(http.MethodPost, "/api/v1/threads/message", tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestSendMessagePublishesTurn(t *testing.T) {
	fx := newServerFixture(t)
	threadID := uuid.New()

	body := `{"threadId":"` + threadID.String() + `","chatId":"chat-1","conversationId":"conv-1","teamId":"team-9","message":"hello team","firstTurn":true}`
	rec := fx.do(http.MethodPost, "/api/v1/threads/message", body)
	require.Equal(t, http.StatusAccepted, rec.Code)

	select {
	case data := <-fx.turns:
		var turn struct {
			ThreadID string `json:"threadId"`
			TeamID   string `json:"teamId"`
			Message  string `json:"message"`
		}
		require.NoError(t, json.Unmarshal(data, &turn))
		assert.Equal(t, threadID.String(), turn.ThreadID)
		assert.Equal(t, "team-9", turn.TeamID)
		assert.Equal(t, "hello team", turn.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("turn never reached the bus")
	}
}

func TestSuggestionCheckEmitsReadyEvent(t *testing.T) {
	fx := newServerFixture(t)
	fx.memory.SetSmartSuggestions("chat-7", store.Suggestions{Suggestions: []string{"x"}, Type: "oneOf"})

	events, cancel := fx.hub.Subscribe("chat-7")
	defer cancel()

	rec := fx.do(http.MethodPost, "/api/v1/chats/chat-7/suggestions/check", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	select {
	case ev := <-events:
		assert.Equal(t, EventSmartSuggestionsAddedToDB, ev.Type)
		assert.Equal(t, "chat-7", ev.ChatID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for suggestions-ready event")
	}
}

func TestEventStreamDeliversSSE(t *testing.T) {
	fx := newServerFixture(t)
	threadID := uuid.New()

	ts := httptest.NewServer(fx.server.Handler())
	defer ts.Close()

	res, err := http.Get(ts.URL + "/api/v1/threads/" + threadID.String() + "/events")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, res.Header.Get("Content-Type"), "text/event-stream")

	// The handler subscribes after the headers are written, so wait for
	// the subscription to land before publishing.
	require.Eventually(t, func() bool {
		return fx.hub.SubscriberCount(threadID.String()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	fx.hub.NewMessageFromTeam(threadID, "streamed text")

	scanner := bufio.NewScanner(res.Body)
	var eventLine, dataLine string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			eventLine = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			dataLine = strings.TrimPrefix(line, "data: ")
		}
		if eventLine != "" && dataLine != "" {
			break
		}
	}
	require.NoError(t, scanner.Err())

	assert.Equal(t, EventNewMessageFromTeam, eventLine)
	var ev Event
	require.NoError(t, json.Unmarshal([]byte(dataLine), &ev))
	assert.Equal(t, "streamed text", ev.Message)
	assert.Equal(t, threadID.String(), ev.ThreadID)
}

func TestEventStreamRejectsBadThreadID(t *testing.T) {
	fx := newServerFixture(t)

	rec := fx.do(http.MethodGet, "/api/v1/threads/not-a-uuid/events", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
