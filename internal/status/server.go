// Package status serves a read-only HTTP view of the tracker.
package status

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sweeney/telephony-policy/internal/history"
	"github.com/sweeney/telephony-policy/internal/tracker"
)

// CallLister exposes the live calls.
type CallLister interface {
	Calls() []tracker.CallView
}

// HistoryReader exposes finished calls.
type HistoryReader interface {
	Recent(ctx context.Context, limit int) ([]history.Record, error)
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router  *chi.Mux
	calls   CallLister
	history HistoryReader
	metrics http.Handler
	logger  *slog.Logger
}

// NewServer creates the HTTP handler with all routes mounted. history and
// metrics may be nil when those features are disabled.
func NewServer(calls CallLister, hist HistoryReader, metrics http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		router:  chi.NewRouter(),
		calls:   calls,
		history: hist,
		metrics: metrics,
		logger:  logger.With("subsystem", "status"),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/calls", s.handleCalls)
	r.Get("/calls/{id}", s.handleCall)
	r.Get("/history", s.handleHistory)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCalls(w http.ResponseWriter, r *http.Request) {
	calls := s.calls.Calls()
	if calls == nil {
		calls = []tracker.CallView{}
	}
	writeJSON(w, http.StatusOK, calls)
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid call id")
		return
	}
	for _, c := range s.calls.Calls() {
		if c.ID == id {
			writeJSON(w, http.StatusOK, c)
			return
		}
	}
	writeError(w, http.StatusNotFound, "call not found")
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "history disabled")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	records, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("reading history", "error", err)
		writeError(w, http.StatusInternalServerError, "reading history failed")
		return
	}
	entries := make([]historyEntry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, historyEntry{Record: rec, DurationSeconds: rec.Duration().Seconds()})
	}
	writeJSON(w, http.StatusOK, entries)
}

// historyEntry is a finished call as served on /history.
type historyEntry struct {
	history.Record
	DurationSeconds float64 `json:"duration_seconds"`
}
