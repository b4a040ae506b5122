package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/newsdesk/crawlrelay/internal/metrics"
	"github.com/newsdesk/crawlrelay/internal/session"
	"github.com/newsdesk/crawlrelay/internal/upstream"
)

// getResults handles GET /v1/crawls/{session_id}/results?page=&page_size=.
// A session with no records answers an empty page with total 0; a store
// failure answers 500, never a fabricated empty page.
func (s *Server) getResults(w http.ResponseWriter, r *http.Request) {
	sessionID, err := parseSessionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	page, pageSize, err := parsePageParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.reader.Page(r.Context(), sessionID, page, pageSize)
	if err != nil {
		s.logger.Error("result page read failed",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "failed to read results")
		return
	}
	metrics.PageServed()
	writeJSON(w, http.StatusOK, result)
}

// getStatus handles GET /v1/crawls/{session_id}/status. Registry state is
// authoritative once known; unknown sessions are seeded from the upstream
// snapshot endpoint so the polling fallback has something to land on.
func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	sessionID, err := parseSessionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	snap := s.registry.Lookup(sessionID)
	if snap.Status == session.StatusUnknown && s.status != nil {
		fetched, err := s.status.GetStatus(r.Context(), sessionID)
		if err != nil {
			if errors.Is(err, upstream.ErrSessionNotFound) {
				writeError(w, http.StatusNotFound, "session not found")
				return
			}
			s.logger.Error("upstream status fetch failed",
				zap.String("session_id", sessionID),
				zap.Error(err),
			)
			writeError(w, http.StatusBadGateway, "upstream status unavailable")
			return
		}
		s.registry.Seed(fetched)
		snap = s.registry.Lookup(sessionID)
	}
	writeJSON(w, http.StatusOK, snap)
}
