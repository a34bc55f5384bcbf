package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/teamrelay/internal/relay"
)

// suggestionCheckTimeout bounds the background suggestion poll spawned by
// the check endpoint.
const suggestionCheckTimeout = 2 * time.Minute

// Server is the HTTP API server.
type Server struct {
	echo   *echo.Echo
	bridge *relay.Bridge
	hub    *Hub
	log    zerolog.Logger
	addr   string
}

// NewServer creates the API server and registers its routes.
func NewServer(addr string, bridge *relay.Bridge, hub *Hub, logger zerolog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	server := &Server{
		echo:   e,
		bridge: bridge,
		hub:    hub,
		log:    logger,
		addr:   addr,
	}

	server.setupRoutes()

	return server
}

// setupRoutes configures all API endpoints
func (s *Server) setupRoutes() {
	// Health check endpoint
	s.echo.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status": "healthy",
		})
	})

	// API v1 group
	v1 := s.echo.Group("/api/v1")

	v1.POST("/threads/message", s.sendMessageToTeam)
	v1.POST("/chats/:chatId/suggestions/check", s.checkSmartSuggestionStatus)
	v1.GET("/threads/:threadId/events", s.streamThreadEvents)
	v1.GET("/chats/:chatId/events", s.streamChatEvents)
}

// Start begins serving. It blocks until Shutdown is called.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.addr).Msg("API server listening")
	if err := s.echo.Start(s.addr); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

type sendMessageRequest struct {
	ThreadID       string `json:"threadId"`
	ChatID         string `json:"chatId"`
	ConversationID string `json:"conversationId"`
	TeamID         string `json:"teamId"`
	Message        string `json:"message"`
	FirstTurn      bool   `json:"firstTurn"`
}

// sendMessageToTeam handles POST /api/v1/threads/message.
func (s *Server) sendMessageToTeam(c echo.Context) error {
	var req sendMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}

	threadID, err := uuid.Parse(req.ThreadID)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid thread ID")
	}
	if req.Message == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Message is required")
	}
	if req.TeamID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Team ID is required")
	}

	meta := relay.ThreadMeta{
		ThreadID:       threadID,
		ChatID:         req.ChatID,
		ConversationID: req.ConversationID,
		FirstTurn:      req.FirstTurn,
	}
	if err := s.bridge.SendMessageToTeam(c.Request().Context(), meta, req.TeamID, req.Message); err != nil {
		s.log.Error().Err(err).Stringer("thread_id", threadID).Msg("Failed to send message to team")
		return echo.NewHTTPError(http.StatusBadGateway, "Failed to send message to team")
	}

	return c.JSON(http.StatusAccepted, map[string]string{
		"status":   "accepted",
		"threadId": threadID.String(),
	})
}

// checkSmartSuggestionStatus handles POST /api/v1/chats/{chatId}/suggestions/check.
// The poll runs in the background; the browser hears the result on the
// chat's event stream.
func (s *Server) checkSmartSuggestionStatus(c echo.Context) error {
	chatID := c.Param("chatId")
	if chatID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Chat ID is required")
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), suggestionCheckTimeout)
		defer cancel()
		if err := s.bridge.CheckSmartSuggestionStatus(ctx, chatID); err != nil {
			s.log.Warn().Err(err).Str("chat_id", chatID).Msg("Suggestion check gave up")
		}
	}()

	return c.JSON(http.StatusAccepted, map[string]string{
		"status": "checking",
		"chatId": chatID,
	})
}

// streamThreadEvents handles GET /api/v1/threads/{threadId}/events.
func (s *Server) streamThreadEvents(c echo.Context) error {
	threadID, err := uuid.Parse(c.Param("threadId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid thread ID")
	}
	return s.streamEvents(c, threadID.String())
}

// streamChatEvents handles GET /api/v1/chats/{chatId}/events.
func (s *Server) streamChatEvents(c echo.Context) error {
	chatID := c.Param("chatId")
	if chatID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Chat ID is required")
	}
	return s.streamEvents(c, chatID)
}

// streamEvents holds the SSE connection open, forwarding hub events until
// the client disconnects.
func (s *Server) streamEvents(c echo.Context, key string) error {
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.WriteHeader(http.StatusOK)
	res.Flush()

	events, cancel := s.hub.Subscribe(key)
	defer cancel()

	for {
		select {
		case <-c.Request().Context().Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				s.log.Error().Err(err).Msg("Failed to encode event")
				continue
			}
			if _, err := fmt.Fprintf(res, "event: %s\ndata: %s\n\n", ev.Type, payload); err != nil {
				return nil
			}
			res.Flush()
		}
	}
}
