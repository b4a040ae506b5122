// Package upstream is the HTTP client for the external crawl engine: the
// long-lived per-session status stream and the point-in-time status snapshot.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/newsdesk/crawlrelay/internal/session"
)

// ErrSessionNotFound is returned when the engine does not know the session.
var ErrSessionNotFound = errors.New("session not found upstream")

const defaultSnapshotTimeout = 5 * time.Second

// Client talks to the crawl engine. Snapshot calls carry a short timeout;
// stream calls have none, since a session legitimately stays open for as long
// as the crawl job runs.
type Client struct {
	baseURL  string
	snapshot *http.Client
	stream   *http.Client
	logger   *zap.Logger
}

// NewClient constructs a Client for the engine at baseURL.
func NewClient(baseURL string, snapshotTimeout time.Duration, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if snapshotTimeout <= 0 {
		snapshotTimeout = defaultSnapshotTimeout
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		snapshot: &http.Client{Timeout: snapshotTimeout},
		stream:   &http.Client{},
		logger:   logger,
	}
}

// OpenStatusStream dials GET /status-stream/{session_id} and returns the
// response body. The body honors ctx: canceling it fails any pending read,
// which is what lets the relay propagate downstream disconnects upstream.
func (c *Client) OpenStatusStream(ctx context.Context, sessionID string) (io.ReadCloser, error) {
	endpoint := fmt.Sprintf("%s/status-stream/%s", c.baseURL, url.PathEscape(sessionID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dial status stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		drainAndClose(resp.Body)
		if resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("status stream for %s: %w", sessionID, ErrSessionNotFound)
		}
		return nil, fmt.Errorf("status stream for %s: unexpected status %d", sessionID, resp.StatusCode)
	}
	return resp.Body, nil
}

type statusResponse struct {
	SessionID  string  `json:"session_id"`
	Status     string  `json:"status"`
	TotalSaved int64   `json:"total_saved"`
	UpdatedAt  updated `json:"updated_at"`
}

// updated tolerates both RFC3339 strings and epoch seconds, which the engine
// has been observed to mix across versions.
type updated struct {
	time.Time
}

func (u *updated) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		t, perr := time.Parse(time.RFC3339, s)
		if perr != nil {
			return fmt.Errorf("parse updated_at %q: %w", s, perr)
		}
		u.Time = t
		return nil
	}
	var epoch int64
	if err := json.Unmarshal(data, &epoch); err != nil {
		return fmt.Errorf("parse updated_at: %w", err)
	}
	u.Time = time.Unix(epoch, 0).UTC()
	return nil
}

// GetStatus fetches GET /status/{session_id}, used by the polling fallback
// and to seed the session registry.
func (c *Client) GetStatus(ctx context.Context, sessionID string) (session.Snapshot, error) {
	endpoint := fmt.Sprintf("%s/status/%s", c.baseURL, url.PathEscape(sessionID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return session.Snapshot{}, fmt.Errorf("build status request: %w", err)
	}

	resp, err := c.snapshot.Do(req)
	if err != nil {
		return session.Snapshot{}, fmt.Errorf("fetch status for %s: %w", sessionID, err)
	}
	defer drainAndClose(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return session.Snapshot{}, fmt.Errorf("status for %s: %w", sessionID, ErrSessionNotFound)
	default:
		return session.Snapshot{}, fmt.Errorf("status for %s: unexpected status %d", sessionID, resp.StatusCode)
	}

	var body statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return session.Snapshot{}, fmt.Errorf("decode status for %s: %w", sessionID, err)
	}
	snap := session.Snapshot{
		SessionID:  sessionID,
		Status:     session.ParseStatus(body.Status),
		TotalSaved: body.TotalSaved,
		UpdatedAt:  body.UpdatedAt.Time,
	}
	if body.SessionID != "" {
		snap.SessionID = body.SessionID
	}
	return snap, nil
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 1<<16))
	_ = body.Close()
}
