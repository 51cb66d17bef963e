// Package server exposes sessions, transcripts and question answering
// over HTTP and WebSocket.
package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/soundmem/internal/config"
	"github.com/lexiqai/soundmem/internal/observability"
	"github.com/lexiqai/soundmem/internal/rag"
	"github.com/lexiqai/soundmem/internal/segment"
	"github.com/lexiqai/soundmem/internal/session"
)

// IndexStats reports the similarity index size
type IndexStats interface {
	Len() int
	Pending() int
}

// Dependencies wires the server to the rest of the service
type Dependencies struct {
	Sessions *session.Manager
	Store    segment.Store
	Answers  *rag.Service
	Index    IndexStats
	Checks   map[string]observability.HealthCheckFunc
}

// Server holds the HTTP handlers
type Server struct {
	cfg    *config.Config
	deps   Dependencies
	logger zerolog.Logger
}

// New creates a server
func New(cfg *config.Config, deps Dependencies) *Server {
	return &Server{
		cfg:    cfg,
		deps:   deps,
		logger: observability.WithComponent("http"),
	}
}

// Handler returns the service routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /sessions", s.handleStartSession)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleStopSession)
	mux.HandleFunc("GET /sessions/{id}/segments", s.handleListSegments)
	mux.HandleFunc("POST /sessions/{id}/query", s.handleSessionQuery)
	mux.HandleFunc("POST /sessions/{id}/query/stream", s.handleSessionQueryStream)
	mux.HandleFunc("GET /sessions/{id}/audio", s.handleAudio)
	mux.HandleFunc("GET /sessions/{id}/events", s.handleEvents)
	mux.HandleFunc("POST /query", s.handleQuery)
	mux.HandleFunc("POST /query/stream", s.handleQueryStream)
	mux.HandleFunc("GET /stats", s.handleStats)

	mux.HandleFunc("GET /health", observability.HealthCheckHandler())
	mux.HandleFunc("GET /ready", observability.ReadinessHandler(s.deps.Checks))
	if s.cfg.MetricsEnabled {
		mux.Handle("GET /metrics", observability.MetricsHandler())
	}

	return s.logRequests(mux)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets WebSocket upgrades pass through the recorder
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.Header.Get("X-Correlation-ID")
		if correlationID == "" {
			correlationID = observability.NewCorrelationID()
		}
		w.Header().Set("X-Correlation-ID", correlationID)

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		logger := observability.WithCorrelationID(correlationID)
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("latency", time.Since(start)).
			Msg("HTTP request")
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
