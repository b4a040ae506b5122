// Package watcher implements the conforming consumer of the crawl-session
// protocol: subscribe to the relay, merge advertised progress, page the
// result reader when the advertised total outruns local state, and fall back
// to status polling whenever the relay is silent or gone. The relay is a
// hint; the result reader is ground truth.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/newsdesk/crawlrelay/internal/relay"
	"github.com/newsdesk/crawlrelay/internal/results"
	"github.com/newsdesk/crawlrelay/internal/session"
)

// Stream is the downstream end of a relay subscription.
type Stream interface {
	Frames() <-chan relay.Frame
	Err() error
	Close()
}

// Subscriber opens per-session streams.
type Subscriber interface {
	Open(ctx context.Context, sessionID string) (Stream, error)
}

// StatusFetcher serves point-in-time session snapshots, used while polling.
type StatusFetcher interface {
	GetStatus(ctx context.Context, sessionID string) (session.Snapshot, error)
}

// relaySubscriber adapts *relay.Relay to the Subscriber interface.
type relaySubscriber struct {
	relay *relay.Relay
}

func (s relaySubscriber) Open(ctx context.Context, sessionID string) (Stream, error) {
	sub, err := s.relay.Open(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// NewRelaySubscriber wraps an in-process relay.
func NewRelaySubscriber(r *relay.Relay) Subscriber {
	return relaySubscriber{relay: r}
}

// Config tunes watcher timing.
type Config struct {
	// PollInterval is the cadence of the status-poll fallback (default 2s).
	PollInterval time.Duration
	// SilenceTimeout is how long the watcher waits on a quiet relay before
	// switching to polling (default 30s).
	SilenceTimeout time.Duration
	// PageSize used for result reader requests (default results.DefaultPageSize).
	PageSize int
}

// Result is the watcher's final state for a session.
type Result struct {
	Status     session.Status
	TotalSaved int64
	Records    []results.Record
}

// Watcher follows one session at a time to completion. It holds no state
// between Run calls.
type Watcher struct {
	subs   Subscriber
	reader results.Reader
	status StatusFetcher
	cfg    Config
	logger *zap.Logger
}

// New constructs a Watcher. The subscriber may be nil, in which case Run goes
// straight to polling.
func New(subs Subscriber, reader results.Reader, status StatusFetcher, cfg Config, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.SilenceTimeout <= 0 {
		cfg.SilenceTimeout = 30 * time.Second
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = results.DefaultPageSize
	}
	return &Watcher{
		subs:   subs,
		reader: reader,
		status: status,
		cfg:    cfg,
		logger: logger,
	}
}

// run-local merge state.
type state struct {
	sessionID string
	records   map[string]results.Record
	order     []string
	total     int64
}

func newState(sessionID string) *state {
	return &state{sessionID: sessionID, records: make(map[string]results.Record)}
}

func (st *state) merge(page results.Page) {
	for _, rec := range page.Data {
		if _, seen := st.records[rec.URL]; !seen {
			st.order = append(st.order, rec.URL)
		}
		st.records[rec.URL] = rec
	}
	if int64(page.Total) > st.total {
		st.total = int64(page.Total)
	}
}

func (st *state) result(status session.Status) Result {
	out := Result{Status: status, TotalSaved: st.total}
	for _, url := range st.order {
		out.Records = append(out.Records, st.records[url])
	}
	return out
}

// Run follows sessionID until a terminal status is observed or ctx ends. A
// lost relay is not a crawl failure: the watcher reports failure only when
// the status snapshot itself says failed.
func (w *Watcher) Run(ctx context.Context, sessionID string) (Result, error) {
	st := newState(sessionID)

	if w.subs != nil {
		stream, err := w.subs.Open(ctx, sessionID)
		if err == nil {
			if res, done, ferr := w.follow(ctx, stream, st); done {
				return res, ferr
			}
		} else {
			w.logger.Warn("relay subscription failed, polling instead",
				zap.String("session_id", sessionID),
				zap.Error(err),
			)
		}
	}
	return w.poll(ctx, st)
}

// follow consumes the relay stream. It returns done=false when the watcher
// should continue by polling (relay error, silence, or close without a
// terminal frame).
func (w *Watcher) follow(ctx context.Context, stream Stream, st *state) (Result, bool, error) {
	defer stream.Close()

	silence := time.NewTimer(w.cfg.SilenceTimeout)
	defer silence.Stop()

	for {
		select {
		case <-ctx.Done():
			return Result{}, true, fmt.Errorf("watch session %s: %w", st.sessionID, ctx.Err())
		case <-silence.C:
			w.logger.Debug("relay silent, switching to polling", zap.String("session_id", st.sessionID))
			return Result{}, false, nil
		case frame, open := <-stream.Frames():
			if !open {
				if err := stream.Err(); err != nil {
					w.logger.Warn("relay stream failed, polling instead",
						zap.String("session_id", st.sessionID),
						zap.Error(err),
					)
				}
				return Result{}, false, nil
			}
			if !silence.Stop() {
				<-silence.C
			}
			silence.Reset(w.cfg.SilenceTimeout)

			progress, ok := frame.Progress()
			if ok && progress.TotalSaved > int64(len(st.records)) {
				if err := w.catchUp(ctx, st, progress.TotalSaved); err != nil {
					return Result{}, true, err
				}
			}
			if frame.Event == relay.TerminalEvent {
				status := session.StatusCompleted
				if ok && session.ParseStatus(progress.Status) == session.StatusFailed {
					status = session.StatusFailed
				}
				if err := w.catchUp(ctx, st, -1); err != nil {
					return Result{}, true, err
				}
				return st.result(status), true, nil
			}
		}
	}
}

// poll is the fallback loop: status snapshot plus result pages until the
// snapshot reports a terminal status.
func (w *Watcher) poll(ctx context.Context, st *state) (Result, error) {
	if w.status == nil {
		return Result{}, errors.New("no status fetcher configured for polling fallback")
	}
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		snap, err := w.status.GetStatus(ctx, st.sessionID)
		if err != nil {
			w.logger.Warn("status poll failed",
				zap.String("session_id", st.sessionID),
				zap.Error(err),
			)
		} else {
			if snap.TotalSaved > int64(len(st.records)) || snap.Status.Terminal() {
				if err := w.catchUp(ctx, st, -1); err != nil {
					return Result{}, err
				}
			}
			if snap.Status.Terminal() {
				res := st.result(snap.Status)
				if snap.TotalSaved > res.TotalSaved {
					res.TotalSaved = snap.TotalSaved
				}
				return res, nil
			}
		}

		select {
		case <-ctx.Done():
			return Result{}, fmt.Errorf("poll session %s: %w", st.sessionID, ctx.Err())
		case <-ticker.C:
		}
	}
}

// catchUp pages the reader until local state covers the advertised total, or
// the whole set when target < 0. Page boundaries may shift under concurrent
// inserts, so pages are requested monotonically and merged by URL.
func (w *Watcher) catchUp(ctx context.Context, st *state, target int64) error {
	page := len(st.records)/w.cfg.PageSize + 1
	if target < 0 {
		// Final sweep: late records sort anywhere under publish-time order,
		// so reread from the first page.
		page = 1
	}
	for {
		result, err := w.reader.Page(ctx, st.sessionID, page, w.cfg.PageSize)
		if err != nil {
			return fmt.Errorf("fetch result page %d for %s: %w", page, st.sessionID, err)
		}
		st.merge(result)
		if len(result.Data) < result.PageSize {
			return nil
		}
		if target >= 0 && int64(len(st.records)) >= target {
			return nil
		}
		if len(st.records) >= result.Total {
			return nil
		}
		page++
	}
}
