// Package server exposes the inboxd HTTP API: item ingestion, rule CRUD,
// pipeline control (cancel, redistribute) and the per-item SSE progress
// stream. All routes are scoped to the authenticated user; a resource owned
// by someone else is indistinguishable from a missing one.
package server

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/hazyhaar/inboxd/inbox"
	"github.com/hazyhaar/inboxd/observability"
	"github.com/hazyhaar/inboxd/pipeline"
	"github.com/hazyhaar/inboxd/progress"
	"github.com/hazyhaar/inboxd/routing"
)

// Server holds the API's collaborators.
type Server struct {
	items    *inbox.Store
	rules    *routing.Store
	orch     *pipeline.Orchestrator
	tokens   *pipeline.TokenRegistry
	progress *progress.Manager
	events   *observability.EventLogger
	auth     map[string]string // bearer token -> user id
	logger   *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the request logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// WithEventLogger enables business event recording.
func WithEventLogger(el *observability.EventLogger) ServerOption {
	return func(s *Server) { s.events = el }
}

// NewServer wires the API to its collaborators. tokens maps bearer tokens
// to user ids.
func NewServer(
	items *inbox.Store,
	rules *routing.Store,
	orch *pipeline.Orchestrator,
	execTokens *pipeline.TokenRegistry,
	prog *progress.Manager,
	authTokens map[string]string,
	opts ...ServerOption,
) *Server {
	s := &Server{
		items:    items,
		rules:    rules,
		orch:     orch,
		tokens:   execTokens,
		progress: prog,
		auth:     authTokens,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Routes builds the chi router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.logRequests)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Route("/api/items", func(r chi.Router) {
			r.Post("/", s.handleCreateItem)
			r.Get("/", s.handleListItems)
			r.Get("/{itemID}", s.handleGetItem)
			r.Patch("/{itemID}", s.handlePatchItem)
			r.Delete("/{itemID}", s.handleDeleteItem)
			r.Post("/{itemID}/redistribute", s.handleRedistribute)
			r.Post("/{itemID}/cancel", s.handleCancel)
			r.Get("/{itemID}/events", s.handleItemEvents)
		})

		r.Route("/api/rules", func(r chi.Router) {
			r.Post("/", s.handleCreateRule)
			r.Get("/", s.handleListRules)
			r.Get("/{ruleID}", s.handleGetRule)
			r.Patch("/{ruleID}", s.handlePatchRule)
			r.Delete("/{ruleID}", s.handleDeleteRule)
		})
	})

	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.logger.Debug("http request", "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
