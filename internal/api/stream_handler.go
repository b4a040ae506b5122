package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/newsdesk/crawlrelay/internal/relay"
)

// streamSession handles GET /v1/crawls/{session_id}/stream. It opens the
// per-session relay subscription and forwards frames as server-sent events
// until the session terminates or the client disconnects. Late joiners do
// not receive frames relayed before they connected; the results endpoint is
// the source of truth for them.
func (s *Server) streamSession(w http.ResponseWriter, r *http.Request) {
	sessionID, err := parseSessionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub, err := s.relay.Open(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, relay.ErrSubscriberExists) {
			writeError(w, http.StatusConflict, "session already has a subscriber")
			return
		}
		s.logger.Warn("upstream stream open failed",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		writeError(w, http.StatusBadGateway, "upstream connection failed")
		return
	}
	// Closing the subscription cancels the upstream connection; the deferred
	// call makes teardown unconditional, including on client disconnect.
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for frame := range sub.Frames() {
		if err := writeFrame(w, frame); err != nil {
			s.logger.Debug("downstream write failed",
				zap.String("session_id", sessionID),
				zap.Error(err),
			)
			return
		}
		flusher.Flush()
	}

	if err := sub.Err(); err != nil {
		// Headers are long gone; an error frame is all that can be said.
		if werr := writeFrame(w, relay.Frame{Event: "error", Data: err.Error()}); werr == nil {
			flusher.Flush()
		}
	}
}

func writeFrame(w http.ResponseWriter, frame relay.Frame) error {
	var payload []byte
	switch data := frame.Data.(type) {
	case string:
		payload = []byte(data)
	default:
		encoded, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("encode frame payload: %w", err)
		}
		payload = encoded
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", frame.Event, payload); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}
