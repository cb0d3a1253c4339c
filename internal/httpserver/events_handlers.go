package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sourcenote/sourcenote-gateway/internal/protocol"
	"github.com/sourcenote/sourcenote-gateway/internal/push"
)

// handleEvents attaches a long-lived SSE listener to the conversation. The
// connection stays open until the client disconnects or a write fails.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	if _, err := s.store.GetConversation(r.Context(), conversationID); err != nil {
		s.respondConversationErr(w, err)
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

	// Flush the headers so the client sees the stream open immediately.
	if err := conn.WriteComment("connected"); err != nil {
		return
	}

	ticker := time.NewTicker(ssePingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-conn.Done():
			return
		case <-ticker.C:
			if err := conn.WriteComment("ping"); err != nil {
				return
			}
		}
	}
}

// handleWebsocket attaches a websocket listener to the conversation.
// Inbound messages are discarded; the socket only carries gateway events.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	if _, err := s.store.GetConversation(r.Context(), conversationID); err != nil {
		s.respondConversationErr(w, err)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.debugf("httpserver: websocket upgrade: %v", err)
		return
	}
	conn := push.NewWSConn(ws)
	s.registry.Attach(conversationID, conn)
	defer func() {
		s.registry.Detach(conversationID, conn)
		_ = conn.Close()
	}()

	// Read pump: detect peer close, drop payloads.
	ws.SetReadLimit(512)
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func busyEvent() protocol.Event {
	return protocol.Event{
		Type:    protocol.EventError,
		Message: "a response is already streaming for this conversation",
	}
}
