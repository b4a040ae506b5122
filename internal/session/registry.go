// Package session tracks crawl-session identity and terminal state. The
// registry is the single source of truth for "is this session still live."
package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status is the lifecycle state of a crawl session. Once terminal it never
// reverts to processing.
type Status string

// Session statuses.
const (
	StatusUnknown    Status = "unknown"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the session will produce no further frames or
// writes.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ParseStatus maps an upstream status string onto a Status, defaulting to
// processing for unrecognized live states.
func ParseStatus(s string) Status {
	switch s {
	case string(StatusCompleted), "complete", "success":
		return StatusCompleted
	case string(StatusFailed), "error", "failure":
		return StatusFailed
	case "":
		return StatusUnknown
	default:
		return StatusProcessing
	}
}

// Snapshot is a point-in-time view of a session's state.
type Snapshot struct {
	SessionID  string    `json:"session_id"`
	Status     Status    `json:"status"`
	TotalSaved int64     `json:"total_saved"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Notifier receives terminal-transition announcements. The registry publishes
// at most one per session, guarded by the status compare-and-set.
type Notifier interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Registry is an in-memory session state table supporting concurrent reads
// and serialized per-write updates. Lookups for unknown ids answer
// StatusUnknown rather than erroring; "never crawled" and "not yet seen" are
// indistinguishable here on purpose.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]Snapshot

	notifier Notifier
	topic    string
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithNotifier announces terminal transitions on the given topic.
func WithNotifier(n Notifier, topic string) Option {
	return func(r *Registry) {
		r.notifier = n
		r.topic = topic
	}
}

// WithClock overrides the registry's time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry constructs an empty Registry.
func NewRegistry(logger *zap.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		sessions: make(map[string]Snapshot),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Lookup returns the current snapshot for a session. Unknown ids yield a
// snapshot with StatusUnknown.
func (r *Registry) Lookup(sessionID string) Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap, ok := r.sessions[sessionID]
	if !ok {
		return Snapshot{SessionID: sessionID, Status: StatusUnknown}
	}
	return snap
}

// Track records a session as processing if it is not already known. Terminal
// entries are left untouched.
func (r *Registry) Track(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[sessionID]; ok {
		return
	}
	r.sessions[sessionID] = Snapshot{
		SessionID: sessionID,
		Status:    StatusProcessing,
		UpdatedAt: r.now(),
	}
}

// Seed applies an upstream status snapshot. Status is monotonic: a terminal
// entry never reverts to processing, but totals and timestamps may advance.
func (r *Registry) Seed(snap Snapshot) {
	if snap.SessionID == "" {
		return
	}
	r.mu.Lock()
	existing, ok := r.sessions[snap.SessionID]
	if ok && existing.Status.Terminal() && !snap.Status.Terminal() {
		snap.Status = existing.Status
	}
	if snap.TotalSaved < existing.TotalSaved {
		snap.TotalSaved = existing.TotalSaved
	}
	becameTerminal := snap.Status.Terminal() && !existing.Status.Terminal()
	r.sessions[snap.SessionID] = snap
	r.mu.Unlock()

	if becameTerminal {
		r.announce(snap)
	}
}

// MarkTerminal performs the processing-to-terminal compare-and-set. It
// returns true when this call performed the transition; repeat calls and
// already-terminal sessions return false. Unknown sessions transition
// directly, since the relay may observe a terminal frame before any tracking.
func (r *Registry) MarkTerminal(sessionID string, status Status, totalSaved int64) bool {
	if !status.Terminal() {
		return false
	}
	r.mu.Lock()
	existing := r.sessions[sessionID]
	if existing.Status.Terminal() {
		r.mu.Unlock()
		return false
	}
	if totalSaved < existing.TotalSaved {
		totalSaved = existing.TotalSaved
	}
	snap := Snapshot{
		SessionID:  sessionID,
		Status:     status,
		TotalSaved: totalSaved,
		UpdatedAt:  r.now(),
	}
	r.sessions[sessionID] = snap
	r.mu.Unlock()

	r.announce(snap)
	return true
}

func (r *Registry) announce(snap Snapshot) {
	if r.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := r.notifier.Publish(ctx, r.topic, snap); err != nil {
		r.logger.Warn("terminal transition publish failed",
			zap.String("session_id", snap.SessionID),
			zap.Error(err),
		)
	}
}
