package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/newsdesk/crawlrelay/internal/results"
)

func insert(t *testing.T, s *Store, sessionID, url string, published time.Time) results.Record {
	t.Helper()
	rec, err := s.Insert(context.Background(), results.Record{
		SessionID:   sessionID,
		URL:         url,
		Title:       url,
		Source:      "example.com",
		PublishedAt: published,
		FetchedAt:   time.Now().UTC(),
	})
	require.NoError(t, err)
	return rec
}

// TestStoreDedupKeepsFirstUnderOrder covers the {A,A,B} case: the total
// counts the duplicate group once and the page carries the copy of A that
// sorts first (the later publish timestamp).
func TestStoreDedupKeepsFirstUnderOrder(t *testing.T) {
	t.Parallel()

	s := NewStore()
	t1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	insert(t, s, "s1", "https://news.example/a", t1)
	later := insert(t, s, "s1", "https://news.example/a", t2)
	insert(t, s, "s1", "https://news.example/b", t1.Add(-time.Hour))

	page, err := s.Page(context.Background(), "s1", 1, 10)
	require.NoError(t, err)
	require.Equal(t, 2, page.Total)
	require.Len(t, page.Data, 2)
	require.Equal(t, later.ID, page.Data[0].ID)
	require.Equal(t, "https://news.example/b", page.Data[1].URL)
}

// TestStoreDedupTieBreaker checks equal publish timestamps fall back to the
// insertion id, descending.
func TestStoreDedupTieBreaker(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	insert(t, s, "s1", "https://news.example/a", ts)
	second := insert(t, s, "s1", "https://news.example/a", ts)

	page, err := s.Page(context.Background(), "s1", 1, 10)
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	require.Equal(t, second.ID, page.Data[0].ID)
}

// TestStorePaginationStable runs the same page request twice against static
// data and requires identical results.
func TestStorePaginationStable(t *testing.T) {
	t.Parallel()

	s := NewStore()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 7; i++ {
		insert(t, s, "s1", "https://news.example/"+string(rune('a'+i)), base.Add(time.Duration(i)*time.Minute))
	}

	first, err := s.Page(context.Background(), "s1", 2, 3)
	require.NoError(t, err)
	second, err := s.Page(context.Background(), "s1", 2, 3)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, 7, first.Total)
	require.Len(t, first.Data, 3)
}

// TestStoreUnknownSession requires an empty page with total 0 rather than an
// error: "warming up" and "never existed" look identical here.
func TestStoreUnknownSession(t *testing.T) {
	t.Parallel()

	s := NewStore()
	page, err := s.Page(context.Background(), "missing", 1, 20)
	require.NoError(t, err)
	require.Equal(t, 0, page.Total)
	require.Empty(t, page.Data)
}

func TestStorePageBeyondEnd(t *testing.T) {
	t.Parallel()

	s := NewStore()
	insert(t, s, "s1", "https://news.example/a", time.Now().UTC())

	page, err := s.Page(context.Background(), "s1", 5, 20)
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	require.Empty(t, page.Data)
}

func TestStoreInvalidPageRequest(t *testing.T) {
	t.Parallel()

	s := NewStore()
	_, err := s.Page(context.Background(), "s1", -1, 20)
	require.Error(t, err)
	_, err = s.Page(context.Background(), "s1", 1, -5)
	require.Error(t, err)

	page, err := s.Page(context.Background(), "s1", 0, 0)
	require.NoError(t, err)
	require.Equal(t, 1, page.Page)
	require.Equal(t, results.DefaultPageSize, page.PageSize)
}

// TestStoreConcurrentInsertAndRead checks a page read is internally
// consistent while inserts are in flight: the total never decreases across
// sequential reads.
func TestStoreConcurrentInsertAndRead(t *testing.T) {
	t.Parallel()

	s := NewStore()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			_, _ = s.Insert(context.Background(), results.Record{
				SessionID:   "s1",
				URL:         "https://news.example/" + string(rune('a'+i%26)),
				PublishedAt: base.Add(time.Duration(i) * time.Second),
			})
		}
	}()

	prev := 0
	for i := 0; i < 20; i++ {
		page, err := s.Page(context.Background(), "s1", 1, 10)
		require.NoError(t, err)
		require.GreaterOrEqual(t, page.Total, prev)
		prev = page.Total
	}
	wg.Wait()
}
