// Package httpserver is the observability surface: liveness, readiness,
// Prometheus metrics, and the dead-letter API. Every request that needs the
// database builds its own short-lived repository through the injected
// factory; worker connections are never shared with this package.
package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/magsoftware/dispatchbox/internal/domain"
)

const (
	requestTimeout    = 5 * time.Second
	readHeaderTimeout = 5 * time.Second
)

// Repository is the slice of the data layer the API needs. Implementations
// are constructed per request and closed when the request ends.
type Repository interface {
	IsConnected(ctx context.Context) bool
	FetchDeadEvents(ctx context.Context, limit, offset int, aggregateType, eventType string) ([]domain.Event, error)
	CountDeadEvents(ctx context.Context, aggregateType, eventType string) (int, error)
	GetDeadEvent(ctx context.Context, eventID int64) (*domain.Event, error)
	ResetDeadToPending(ctx context.Context, eventID int64) (bool, error)
	ResetDeadToPendingBatch(ctx context.Context, eventIDs []int64) (int, error)
	Close() error
}

// Factory builds a short-lived repository for one request.
type Factory func(ctx context.Context) (Repository, error)

type Server struct {
	repos   Factory
	metrics http.Handler // nil means metrics are not configured
	log     *slog.Logger
	srv     *http.Server
}

func New(addr string, repos Factory, metrics http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{repos: repos, metrics: metrics, log: logger}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

// Handler builds the route table. Patterns carry no method; allowed methods
// are enforced by the guard so a wrong-method request gets the JSON 405
// responder instead of the mux's plain-text fallback. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.allow(http.MethodGet, s.handleHealth))
	mux.HandleFunc("/ready", s.allow(http.MethodGet, s.handleReady))
	mux.HandleFunc("/metrics", s.allow(http.MethodGet, s.handleMetrics))
	mux.HandleFunc("/api/dead-events", s.allow(http.MethodGet, s.handleListDeadEvents))
	mux.HandleFunc("/api/dead-events/stats", s.allow(http.MethodGet, s.handleDeadEventStats))
	mux.HandleFunc("/api/dead-events/{id}", s.allow(http.MethodGet, s.handleGetDeadEvent))
	mux.HandleFunc("/api/dead-events/{id}/retry", s.allow(http.MethodPost, s.handleRetryDeadEvent))
	mux.HandleFunc("/api/dead-events/retry-batch", s.allow(http.MethodPost, s.handleRetryBatch))
	mux.HandleFunc("/", s.handleNotFound)
	return mux
}

// allow rejects every method but the given one with a JSON 405.
func (s *Server) allow(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			s.handleMethodNotAllowed(w, r)
			return
		}
		next(w, r)
	}
}

func (s *Server) ListenAndServe() error {
	s.log.Info("http server started", "addr", s.srv.Addr,
		"endpoints", "/health /ready /metrics /api/dead-events")
	return s.srv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady answers with a fresh database ping; no cached state, so flips
// to 503 as soon as the database is unreachable.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	repo, err := s.repos(ctx)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable,
			map[string]string{"status": "not ready", "reason": err.Error()})
		return
	}
	defer repo.Close()

	if !repo.IsConnected(ctx) {
		writeJSON(w, http.StatusServiceUnavailable,
			map[string]string{"status": "not ready", "reason": "database not connected"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusNotImplemented)
		fmt.Fprintln(w, "# metrics not configured")
		return
	}
	s.metrics.ServeHTTP(w, r)
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]string{
		"error":   "Not Found",
		"message": "The requested resource was not found",
	})
}

func (s *Server) handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]string{
		"error":   "Method Not Allowed",
		"message": "The HTTP method is not allowed for this resource",
	})
}

// withRepo runs fn with a request-scoped repository.
func (s *Server) withRepo(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, repo Repository)) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	repo, err := s.repos(ctx)
	if err != nil {
		s.log.Error("building repository failed", "err", err)
		writeJSON(w, http.StatusInternalServerError,
			map[string]string{"error": "Internal server error"})
		return
	}
	defer repo.Close()

	fn(ctx, repo)
}
