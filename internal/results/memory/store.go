// Package memory provides an in-memory result store for development and
// tests. It doubles as the writer the external crawl job would otherwise be.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/newsdesk/crawlrelay/internal/results"
)

// Store holds records per session. Reads take a point-in-time copy under the
// read lock, so a page is consistent regardless of concurrent inserts.
type Store struct {
	mu      sync.RWMutex
	nextID  int64
	records map[string][]results.Record
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{records: make(map[string][]results.Record)}
}

// Insert appends a record, assigning the next insertion id. The returned
// record carries the assigned id.
func (s *Store) Insert(_ context.Context, rec results.Record) (results.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	rec.ID = s.nextID
	s.records[rec.SessionID] = append(s.records[rec.SessionID], rec)
	return rec, nil
}

// Page returns the deduplicated, ordered page for a session. Dedup keeps the
// record that sorts first under (publish timestamp desc, insertion id desc),
// so the result is deterministic even when the crawl job writes
// near-duplicates.
func (s *Store) Page(_ context.Context, sessionID string, page, pageSize int) (results.Page, error) {
	page, pageSize, err := results.NormalizePageRequest(page, pageSize)
	if err != nil {
		return results.Page{}, err
	}

	s.mu.RLock()
	snapshot := make([]results.Record, len(s.records[sessionID]))
	copy(snapshot, s.records[sessionID])
	s.mu.RUnlock()

	kept := make(map[string]results.Record, len(snapshot))
	for _, rec := range snapshot {
		best, ok := kept[rec.URL]
		if !ok || rec.Before(best) {
			kept[rec.URL] = rec
		}
	}

	deduped := make([]results.Record, 0, len(kept))
	for _, rec := range kept {
		deduped = append(deduped, rec)
	}
	sort.Slice(deduped, func(i, j int) bool { return deduped[i].Before(deduped[j]) })

	out := results.Page{
		Data:     []results.Record{},
		Total:    len(deduped),
		Page:     page,
		PageSize: pageSize,
	}
	skip := (page - 1) * pageSize
	if skip < len(deduped) {
		end := skip + pageSize
		if end > len(deduped) {
			end = len(deduped)
		}
		out.Data = append(out.Data, deduped[skip:end]...)
	}
	return out, nil
}
