// Package api exposes the HTTP interface for the crawl-relay service.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/newsdesk/crawlrelay/internal/metrics"
	"github.com/newsdesk/crawlrelay/internal/relay"
	"github.com/newsdesk/crawlrelay/internal/results"
	"github.com/newsdesk/crawlrelay/internal/session"
)

// StatusFetcher corrects registry state from the upstream snapshot endpoint.
type StatusFetcher interface {
	GetStatus(ctx context.Context, sessionID string) (session.Snapshot, error)
}

// Server wires HTTP handlers to the relay, reader, and registry.
type Server struct {
	router   chi.Router
	relay    *relay.Relay
	reader   results.Reader
	registry *session.Registry
	status   StatusFetcher
	timeout  time.Duration
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes. The request
// timeout applies to snapshot-style endpoints only; the per-session stream
// stays open for as long as the crawl job runs.
func NewServer(
	rel *relay.Relay,
	reader results.Reader,
	registry *session.Registry,
	status StatusFetcher,
	timeout time.Duration,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	s := &Server{
		relay:    rel,
		reader:   reader,
		registry: registry,
		status:   status,
		timeout:  timeout,
		logger:   logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1/crawls/{session_id}", func(r chi.Router) {
		r.Get("/stream", s.streamSession)
		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(timeout))
			r.Get("/results", s.getResults)
			r.Get("/status", s.getStatus)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func parseSessionID(r *http.Request) (string, error) {
	id := chi.URLParam(r, "session_id")
	if id == "" {
		return "", fmt.Errorf("session_id is required")
	}
	return id, nil
}

func parsePageParams(r *http.Request) (int, int, error) {
	q := r.URL.Query()
	page := 0
	if raw := q.Get("page"); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid page")
		}
		page = val
	}
	pageSize := 0
	if raw := q.Get("page_size"); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid page_size")
		}
		pageSize = val
	}
	return page, pageSize, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write json response failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		elapsed := time.Since(start)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", elapsed.Milliseconds()),
		)
		metrics.ObserveRequest(r.Method, strconv.Itoa(ww.status), routePattern(r), elapsed.Seconds())
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
