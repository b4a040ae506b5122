package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/newsdesk/crawlrelay/internal/session"
)

// ErrSubscriberExists is returned when a session already has an active
// downstream subscriber. Multiplexing is deliberately not supported; a late
// joiner reconstructs state from the result reader instead.
var ErrSubscriberExists = errors.New("session already has an active subscriber")

// StreamOpener dials the crawl engine's per-session status stream. The
// returned body must unblock pending reads when ctx is canceled.
type StreamOpener interface {
	OpenStatusStream(ctx context.Context, sessionID string) (io.ReadCloser, error)
}

// Metrics receives relay activity counters. All methods must be safe for
// concurrent use.
type Metrics interface {
	SessionOpened()
	SessionClosed()
	FrameForwarded(event string)
	UpstreamError()
}

type nopMetrics struct{}

func (nopMetrics) SessionOpened()        {}
func (nopMetrics) SessionClosed()        {}
func (nopMetrics) FrameForwarded(string) {}
func (nopMetrics) UpstreamError()        {}

// Relay owns one upstream connection and one forwarding goroutine per active
// session. Sessions are fully independent; no state is shared across them
// beyond the active-subscriber set.
type Relay struct {
	opener   StreamOpener
	registry *session.Registry
	policy   ResidualPolicy
	metrics  Metrics
	logger   *zap.Logger

	mu     sync.Mutex
	active map[string]struct{}
}

// Config adjusts relay behavior.
type Config struct {
	// ResidualPolicy governs unflushed bytes at upstream close.
	ResidualPolicy ResidualPolicy
	// Metrics is optional.
	Metrics Metrics
}

// New constructs a Relay. The registry is updated when a terminal frame is
// observed; it may be nil.
func New(opener StreamOpener, registry *session.Registry, cfg Config, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Relay{
		opener:   opener,
		registry: registry,
		policy:   cfg.ResidualPolicy,
		metrics:  metrics,
		logger:   logger,
		active:   make(map[string]struct{}),
	}
}

// Subscription is the downstream end of one session stream. Frames is closed
// when the stream terminates for any reason; Err reports what ended it.
type Subscription struct {
	frames chan Frame
	cancel context.CancelFunc

	mu  sync.Mutex
	err error

	closeOnce sync.Once
}

// Frames returns the ordered frame stream. The channel is unbuffered: a slow
// consumer applies backpressure all the way to the upstream socket.
func (s *Subscription) Frames() <-chan Frame {
	return s.frames
}

// Err reports the terminating error, if any. It is meaningful only after
// Frames is closed. A clean terminal frame and a downstream cancellation
// both leave Err nil.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close cancels the subscription. Cancellation propagates to the upstream
// connection immediately; it is always safe to call, repeatedly, from any
// goroutine.
func (s *Subscription) Close() {
	s.closeOnce.Do(s.cancel)
}

func (s *Subscription) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Open establishes the upstream connection for sessionID and starts the
// forwarding goroutine. The dial happens synchronously so that a connection
// failure before any frame is surfaced here rather than mid-stream. Exactly
// one subscriber per session is permitted.
func (r *Relay) Open(ctx context.Context, sessionID string) (*Subscription, error) {
	r.mu.Lock()
	if _, busy := r.active[sessionID]; busy {
		r.mu.Unlock()
		return nil, ErrSubscriberExists
	}
	r.active[sessionID] = struct{}{}
	r.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	body, err := r.opener.OpenStatusStream(ctx, sessionID)
	if err != nil {
		cancel()
		r.release(sessionID)
		r.metrics.UpstreamError()
		return nil, fmt.Errorf("open status stream for %s: %w", sessionID, err)
	}

	if r.registry != nil {
		r.registry.Track(sessionID)
	}

	sub := &Subscription{
		frames: make(chan Frame),
		cancel: cancel,
	}
	r.metrics.SessionOpened()
	go r.forward(ctx, sessionID, body, sub)
	return sub, nil
}

// forward pumps upstream bytes through the reassembler and into the
// subscriber until the stream ends. Cleanup is unconditional: the upstream
// body is closed and the session slot released on every exit path.
func (r *Relay) forward(ctx context.Context, sessionID string, body io.ReadCloser, sub *Subscription) {
	defer r.metrics.SessionClosed()
	defer r.release(sessionID)
	defer close(sub.frames)
	defer func() {
		if err := body.Close(); err != nil {
			r.logger.Debug("upstream body close", zap.String("session_id", sessionID), zap.Error(err))
		}
	}()

	reassembler := NewReassembler(r.policy)
	buf := make([]byte, 4096)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			for _, frame := range reassembler.Feed(buf[:n]) {
				select {
				case sub.frames <- frame:
					r.metrics.FrameForwarded(frame.Event)
				case <-ctx.Done():
					return
				}
				if frame.Event == TerminalEvent {
					// Forward the terminal frame, then close the downstream
					// without waiting for the upstream to hang up.
					r.observeTerminal(sessionID, frame)
					return
				}
			}
		}
		if readErr != nil {
			if ctx.Err() != nil {
				// Downstream cancellation is a normal teardown, not an error.
				return
			}
			if errors.Is(readErr, io.EOF) {
				if err := reassembler.Close(); err != nil {
					sub.setErr(fmt.Errorf("session %s: %w", sessionID, err))
					r.metrics.UpstreamError()
				}
				return
			}
			sub.setErr(fmt.Errorf("upstream stream for %s: %w", sessionID, readErr))
			r.metrics.UpstreamError()
			return
		}
	}
}

func (r *Relay) observeTerminal(sessionID string, frame Frame) {
	if r.registry == nil {
		return
	}
	status := session.StatusCompleted
	var total int64
	if p, ok := frame.Progress(); ok {
		total = p.TotalSaved
		if session.ParseStatus(p.Status) == session.StatusFailed {
			status = session.StatusFailed
		}
	}
	r.registry.MarkTerminal(sessionID, status, total)
}

func (r *Relay) release(sessionID string) {
	r.mu.Lock()
	delete(r.active, sessionID)
	r.mu.Unlock()
}
