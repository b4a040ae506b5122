// Package results defines the incremental result reader: stable,
// deduplicated, paginated pages over a result set that grows while it is
// being read.
package results

import (
	"context"
	"fmt"
	"time"
)

// Pagination limits shared by every Reader implementation.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Record is one article saved by a crawl job. The URL is the dedup key; the
// publish timestamp plus the store-assigned insertion id define the total
// order pagination relies on. Records are written by the external crawl job
// and never mutated here.
type Record struct {
	ID          int64     `json:"id"`
	SessionID   string    `json:"session_id"`
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	Source      string    `json:"source"`
	Summary     string    `json:"summary,omitempty"`
	PublishedAt time.Time `json:"published_at"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// Before reports whether a sorts ahead of b under the reader's total order:
// publish timestamp descending, insertion id descending as the tie-breaker.
func (a Record) Before(b Record) bool {
	if !a.PublishedAt.Equal(b.PublishedAt) {
		return a.PublishedAt.After(b.PublishedAt)
	}
	return a.ID > b.ID
}

// Page is one paginated slice of a session's deduplicated results plus the
// total deduplicated count at the instant of the read.
type Page struct {
	Data     []Record `json:"data"`
	Total    int      `json:"total"`
	Page     int      `json:"page"`
	PageSize int      `json:"page_size"`
}

// Reader serves pages for a session. A session with no records yields an
// empty page with total 0, never an error; store failures surface as errors.
type Reader interface {
	Page(ctx context.Context, sessionID string, page, pageSize int) (Page, error)
}

// NormalizePageRequest applies defaults and caps. Page numbers start at 1.
func NormalizePageRequest(page, pageSize int) (int, int, error) {
	if page == 0 {
		page = 1
	}
	if page < 1 {
		return 0, 0, fmt.Errorf("page must be >= 1, got %d", page)
	}
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}
	if pageSize < 1 {
		return 0, 0, fmt.Errorf("page_size must be >= 1, got %d", pageSize)
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	return page, pageSize, nil
}
