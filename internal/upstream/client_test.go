package upstream

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/newsdesk/crawlrelay/internal/relay"
	"github.com/newsdesk/crawlrelay/internal/session"
)

func newEngine(t *testing.T, register func(r chi.Router)) *Client {
	t.Helper()
	r := chi.NewRouter()
	register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, time.Second, nil)
}

func TestOpenStatusStreamReadsFrames(t *testing.T) {
	t.Parallel()

	c := newEngine(t, func(r chi.Router) {
		r.Get("/status-stream/{session_id}", func(w http.ResponseWriter, req *http.Request) {
			require.Equal(t, "s1", chi.URLParam(req, "session_id"))
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, "event: progress\ndata: {\"total_saved\":2}\n\n")
		})
	})

	body, err := c.OpenStatusStream(context.Background(), "s1")
	require.NoError(t, err)
	defer body.Close()

	re := relay.NewReassembler(relay.ResidualDiscard)
	buf := make([]byte, 256)
	var frames []relay.Frame
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			frames = append(frames, re.Feed(buf[:n])...)
		}
		if readErr != nil {
			break
		}
	}
	require.Len(t, frames, 1)
	require.Equal(t, "progress", frames[0].Event)
}

// TestOpenStatusStreamContextCancel verifies a canceled context fails
// pending reads, the contract the relay's cancellation path depends on.
func TestOpenStatusStreamContextCancel(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	c := newEngine(t, func(r chi.Router) {
		r.Get("/status-stream/{session_id}", func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			w.(http.Flusher).Flush()
			close(started)
			<-req.Context().Done()
		})
	})

	ctx, cancel := context.WithCancel(context.Background())
	body, err := c.OpenStatusStream(ctx, "s1")
	require.NoError(t, err)
	defer body.Close()

	<-started
	cancel()

	buf := make([]byte, 16)
	_, err = body.Read(buf)
	require.Error(t, err)
}

func TestOpenStatusStreamNotFound(t *testing.T) {
	t.Parallel()

	c := newEngine(t, func(r chi.Router) {
		r.Get("/status-stream/{session_id}", func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "no such session", http.StatusNotFound)
		})
	})

	_, err := c.OpenStatusStream(context.Background(), "missing")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestGetStatusDecodesSnapshot(t *testing.T) {
	t.Parallel()

	c := newEngine(t, func(r chi.Router) {
		r.Get("/status/{session_id}", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"session_id":"s1","status":"completed","total_saved":12,"updated_at":"2026-03-01T10:00:00Z"}`)
		})
	})

	snap, err := c.GetStatus(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, "s1", snap.SessionID)
	require.Equal(t, session.StatusCompleted, snap.Status)
	require.Equal(t, int64(12), snap.TotalSaved)
	require.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), snap.UpdatedAt)
}

// TestGetStatusIdempotent polls a completed session repeatedly and requires
// the same terminal answer every time.
func TestGetStatusIdempotent(t *testing.T) {
	t.Parallel()

	c := newEngine(t, func(r chi.Router) {
		r.Get("/status/{session_id}", func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprint(w, `{"session_id":"s1","status":"completed","total_saved":4,"updated_at":1767261600}`)
		})
	})

	var prev session.Snapshot
	for i := 0; i < 3; i++ {
		snap, err := c.GetStatus(context.Background(), "s1")
		require.NoError(t, err)
		if i > 0 {
			require.Equal(t, prev, snap)
		}
		require.Equal(t, session.StatusCompleted, snap.Status)
		prev = snap
	}
}

func TestGetStatusNotFound(t *testing.T) {
	t.Parallel()

	c := newEngine(t, func(r chi.Router) {
		r.Get("/status/{session_id}", func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "unknown", http.StatusNotFound)
		})
	})

	_, err := c.GetStatus(context.Background(), "missing")
	require.ErrorIs(t, err, ErrSessionNotFound)
}
