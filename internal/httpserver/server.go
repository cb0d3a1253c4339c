// Package httpserver exposes the gateway's REST and streaming endpoints.
package httpserver

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/sourcenote/sourcenote-gateway/internal/auth"
	"github.com/sourcenote/sourcenote-gateway/internal/chatstore"
	"github.com/sourcenote/sourcenote-gateway/internal/push"
	"github.com/sourcenote/sourcenote-gateway/internal/ratelimit"
	"github.com/sourcenote/sourcenote-gateway/internal/session"
	"github.com/sourcenote/sourcenote-gateway/internal/usage"
)

// ssePingInterval paces keepalive comments on idle event streams.
const ssePingInterval = 15 * time.Second

// Options wires the server's collaborators.
type Options struct {
	Controller   *session.Controller
	Providers    session.ProviderResolver
	Registry     *push.Registry
	Store        chatstore.Store
	Usage        usage.Store // optional
	Auth         *auth.Manager
	AuthDisabled bool
	Limiter      *ratelimit.Limiter // optional
	Logger       *log.Logger
	LogLevel     string
}

// Server exposes REST endpoints for the Sourcenote Gateway.
type Server struct {
	controller   *session.Controller
	providers    session.ProviderResolver
	registry     *push.Registry
	store        chatstore.Store
	usage        usage.Store
	auth         *auth.Manager
	authDisabled bool
	limiter      *ratelimit.Limiter
	logger       *log.Logger
	logLevel     string
	upgrader     websocket.Upgrader
}

// New creates a Server from its options.
func New(opts Options) *Server {
	return &Server{
		controller:   opts.Controller,
		providers:    opts.Providers,
		registry:     opts.Registry,
		store:        opts.Store,
		usage:        opts.Usage,
		auth:         opts.Auth,
		authDisabled: opts.AuthDisabled,
		limiter:      opts.Limiter,
		logger:       opts.Logger,
		logLevel:     strings.ToLower(opts.LogLevel),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Origin enforcement happens at the deployment edge.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Routes builds the chi router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/conversations", s.handleCreateConversation)
		r.Get("/conversations", s.handleListConversations)
		r.Route("/conversations/{conversationID}", func(r chi.Router) {
			r.Get("/messages", s.handleListMessages)
			r.Post("/messages", s.handleSendMessage)
			r.Get("/events", s.handleEvents)
			r.Get("/ws", s.handleWebsocket)
			r.Post("/stop", s.handleStop)
			r.Get("/usage", s.handleUsage)
		})
	})
	return r
}

type ctxKey int

const identityKey ctxKey = iota

// identityFrom returns the verified identity attached by the middleware.
func identityFrom(ctx context.Context) auth.Identity {
	id, _ := ctx.Value(identityKey).(auth.Identity)
	return id
}

// authMiddleware verifies the bearer token before any session may be
// dispatched.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.authDisabled || s.auth == nil {
			ctx := context.WithValue(r.Context(), identityKey, auth.Identity{Email: "anonymous@local"})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}
		header := r.Header.Get("Authorization")
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if token == "" || token == header {
			s.respondError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		identity, err := s.auth.ValidateToken(token)
		if err != nil {
			s.respondError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), identityKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.debugf("httpserver: encode response: %v", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]any{"error": message})
}

func (s *Server) debugf(format string, args ...any) {
	if s.logger != nil && s.logLevel == "debug" {
		s.logger.Printf(format, args...)
	}
}

func (s *Server) infof(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}
