package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sourcenote/sourcenote-gateway/internal/chatstore"
	"github.com/sourcenote/sourcenote-gateway/internal/provider"
	"github.com/sourcenote/sourcenote-gateway/internal/push"
	"github.com/sourcenote/sourcenote-gateway/internal/session"
)

type createConversationRequest struct {
	Title string `json:"title"`
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = "Untitled conversation"
	}
	identity := identityFrom(r.Context())
	conv, err := s.store.CreateConversation(r.Context(), identity.Email, title)
	if err != nil {
		s.infof("httpserver: create conversation: %v", err)
		s.respondError(w, http.StatusInternalServerError, "failed to create conversation")
		return
	}
	s.respondJSON(w, http.StatusCreated, conv)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())
	convs, err := s.store.ListConversations(r.Context(), identity.Email, 50)
	if err != nil {
		s.infof("httpserver: list conversations: %v", err)
		s.respondError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	if _, err := s.store.GetConversation(r.Context(), conversationID); err != nil {
		s.respondConversationErr(w, err)
		return
	}
	messages, err := s.store.ListMessages(r.Context(), conversationID)
	if err != nil {
		s.infof("httpserver: list messages: %v", err)
		s.respondError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

type sendMessageRequest struct {
	Content   string   `json:"content"`
	SourceIDs []string `json:"source_ids"`
	Provider  string   `json:"provider"`
}

// handleSendMessage initiates one chat turn. The response body is the SSE
// stream carrying this turn's events; additional listeners attached via
// /events receive the same sequence.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	reqStart := time.Now()
	conversationID := chi.URLParam(r, "conversationID")
	identity := identityFrom(r.Context())

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		s.respondError(w, http.StatusBadRequest, "content must not be empty")
		return
	}
	if s.limiter != nil && !s.limiter.Allow(identity.Email) {
		s.respondError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	if s.providers != nil {
		if _, err := s.providers.Provider(req.Provider); err != nil {
			s.respondError(w, statusForTurnError(err), "unknown or unconfigured provider")
			return
		}
	}
	if _, err := s.store.GetConversation(r.Context(), conversationID); err != nil {
		s.respondConversationErr(w, err)
		return
	}
	if s.controller.Active(conversationID) {
		s.respondError(w, http.StatusConflict, "a response is already streaming for this conversation")
		return
	}

	push.PrepareHeaders(w)
	w.WriteHeader(http.StatusOK)
	conn := push.NewSSEConn(w)
	s.registry.Attach(conversationID, conn)
	defer func() {
		s.registry.Detach(conversationID, conn)
		_ = conn.Close()
	}()

	err := s.controller.Run(r.Context(), session.TurnRequest{
		ConversationID: conversationID,
		Content:        req.Content,
		SourceIDs:      req.SourceIDs,
		Provider:       req.Provider,
	})
	switch {
	case err == nil:
	case errors.Is(err, session.ErrConversationBusy):
		// Lost the dispatch race after headers went out; the stream carries
		// the rejection instead of a status code.
		_ = conn.WriteEvent(busyEvent())
	case errors.Is(err, r.Context().Err()) && r.Context().Err() != nil:
		// Client went away; nothing left to write.
	default:
		s.debugf("httpserver: turn error conversation=%s err=%v", conversationID, err)
	}
	_ = conn.WriteDone()

	s.infof("chat.turn conversation=%s provider=%s total_ms=%d ok=%t",
		conversationID, req.Provider, time.Since(reqStart).Milliseconds(), err == nil)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	cancelled := s.controller.Cancel(conversationID)
	s.respondJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.respondError(w, http.StatusNotFound, "usage tracking disabled")
		return
	}
	conversationID := chi.URLParam(r, "conversationID")
	summary, err := s.usage.Summary(r.Context(), conversationID)
	if err != nil {
		s.infof("httpserver: usage summary: %v", err)
		s.respondError(w, http.StatusInternalServerError, "failed to summarize usage")
		return
	}
	s.respondJSON(w, http.StatusOK, summary)
}

func (s *Server) respondConversationErr(w http.ResponseWriter, err error) {
	if errors.Is(err, chatstore.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "conversation not found")
		return
	}
	s.infof("httpserver: conversation lookup: %v", err)
	s.respondError(w, http.StatusInternalServerError, "conversation lookup failed")
}

func statusForTurnError(err error) int {
	switch {
	case errors.Is(err, provider.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, provider.ErrUnsupportedProvider):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrConversationBusy):
		return http.StatusConflict
	case errors.Is(err, chatstore.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusBadGateway
	}
}
