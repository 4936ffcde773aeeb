// Package server provides the read-only HTTP status API of chainwatch.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tripwire/chainwatch/internal/journal"
	"github.com/tripwire/chainwatch/internal/supervisor"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
)

// StatusSource reports watch state. *supervisor.Supervisor implements it.
type StatusSource interface {
	Health() supervisor.HealthStatus
	Watches() []supervisor.WatchStatus
}

// EventSource reads the event history. *journal.Journal implements it.
type EventSource interface {
	Recent(ctx context.Context, limit int) ([]journal.Entry, error)
}

// EntryCounter counts journal entries per watch. *journal.Journal
// implements it; when the EventSource does too, /metrics reports the
// counts.
type EntryCounter interface {
	CountByWatch(ctx context.Context) (map[string]int64, error)
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// Server holds the dependencies needed by the handlers.
type Server struct {
	status StatusSource
	events EventSource
	logger *slog.Logger
}

// NewServer creates a Server. events may be nil when no journal is kept.
func NewServer(status StatusSource, events EventSource, opts ...Option) *Server {
	s := &Server{status: status, events: events, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewRouter returns a configured chi.Router.
//
// Route layout:
//
//	GET /healthz            liveness probe (never authenticated)
//	GET /metrics            Prometheus text exposition (never authenticated)
//	GET /api/v1/watches     per-watch status
//	GET /api/v1/events      recent journal entries, newest first
//
// When auth is non-nil the /api/v1 routes require a bearer token.
func NewRouter(srv *Server, auth *AuthConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)
	r.Get("/metrics", srv.handleMetrics)

	r.Route("/api/v1", func(r chi.Router) {
		if auth != nil {
			r.Use(BearerAuth(*auth))
		}
		r.Get("/watches", srv.handleGetWatches)
		r.Get("/events", srv.handleGetEvents)
	})

	return r
}

// handleHealthz responds to GET /healthz with the supervisor's health.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status.Health())
}

// handleGetWatches responds to GET /api/v1/watches.
func (s *Server) handleGetWatches(w http.ResponseWriter, r *http.Request) {
	watches := s.status.Watches()
	s.logAccess(r, len(watches))
	writeJSON(w, http.StatusOK, watches)
}

// handleGetEvents responds to GET /api/v1/events.
//
// Supported query parameters:
//
//	limit  maximum number of results (default 50, max 500)
//
// Returns HTTP 400 when limit is malformed and HTTP 503 when no journal is
// configured.
func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	limit := defaultEventLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "'limit' must be a positive integer")
			return
		}
		limit = min(n, maxEventLimit)
	}

	if s.events == nil {
		writeError(w, http.StatusServiceUnavailable, "event journal is disabled")
		return
	}
	entries, err := s.events.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query events")
		return
	}
	// Always a JSON array, never null.
	if entries == nil {
		entries = []journal.Entry{}
	}
	s.logAccess(r, len(entries))
	writeJSON(w, http.StatusOK, entries)
}

// logAccess records an API read, with the token subject when the request
// passed BearerAuth.
func (s *Server) logAccess(r *http.Request, results int) {
	attrs := []any{
		slog.String("path", r.URL.Path),
		slog.String("request_id", middleware.GetReqID(r.Context())),
		slog.Int("results", results),
	}
	if claims, ok := ClaimsFromContext(r.Context()); ok {
		attrs = append(attrs, slog.String("subject", claims.Subject))
	}
	s.logger.Debug("server: api request", attrs...)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON body with an "error" field.
func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = fmt.Fprintf(w, `{"error":%q}`, msg)
}
