// Package postgres implements the incremental result reader on the shared
// Postgres store written by the external crawl job.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/newsdesk/crawlrelay/internal/results"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the connection pool used for result reads.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type queryCloser interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close()
}

// Store serves deduplicated result pages. The whole read is one SQL
// statement, so the page and its total come from the same snapshot; the
// store's statement-level consistency is the only isolation relied upon.
type Store struct {
	pool  queryCloser
	query string
}

// NewStore connects a pool using the provided config.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	return NewStoreWithPool(pool, cfg.Table)
}

// NewStoreWithPool wraps an existing pool; tests inject a mock here.
func NewStoreWithPool(pool queryCloser, table string) (*Store, error) {
	if table == "" {
		table = "crawl_results"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Store{pool: pool, query: pageQuery(table)}, nil
}

// Close closes the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// pageQuery builds the single-statement read: dedup by url keeping the row
// that sorts first under (published_at desc, id desc), then count and slice
// the deduplicated set. The count row survives an empty page via the lateral
// left join.
func pageQuery(table string) string {
	return fmt.Sprintf(`
		WITH deduped AS (
			SELECT DISTINCT ON (url)
				id, session_id, url, title, source, summary, published_at, fetched_at
			FROM %s
			WHERE session_id = $1
			ORDER BY url, published_at DESC, id DESC
		)
		SELECT t.total, p.id, p.session_id, p.url, p.title, p.source, p.summary, p.published_at, p.fetched_at
		FROM (SELECT count(*) AS total FROM deduped) t
		LEFT JOIN LATERAL (
			SELECT * FROM deduped
			ORDER BY published_at DESC, id DESC
			LIMIT $2 OFFSET $3
		) p ON true
		ORDER BY p.published_at DESC, p.id DESC;`, table)
}

// Page implements results.Reader. Unknown sessions return an empty page with
// total 0; store failures are returned as errors, never as empty pages.
func (s *Store) Page(ctx context.Context, sessionID string, page, pageSize int) (results.Page, error) {
	page, pageSize, err := results.NormalizePageRequest(page, pageSize)
	if err != nil {
		return results.Page{}, err
	}

	rows, err := s.pool.Query(ctx, s.query, sessionID, pageSize, (page-1)*pageSize)
	if err != nil {
		return results.Page{}, fmt.Errorf("query result page: %w", err)
	}
	defer rows.Close()

	out := results.Page{
		Data:     []results.Record{},
		Page:     page,
		PageSize: pageSize,
	}
	for rows.Next() {
		var (
			total       int
			id          *int64
			sid         *string
			url         *string
			title       *string
			source      *string
			summary     *string
			publishedAt *time.Time
			fetchedAt   *time.Time
		)
		if err := rows.Scan(&total, &id, &sid, &url, &title, &source, &summary, &publishedAt, &fetchedAt); err != nil {
			return results.Page{}, fmt.Errorf("scan result row: %w", err)
		}
		out.Total = total
		if id == nil {
			// Count-only row: the requested page is past the end.
			continue
		}
		rec := results.Record{
			ID:        *id,
			SessionID: derefString(sid),
			URL:       derefString(url),
			Title:     derefString(title),
			Source:    derefString(source),
			Summary:   derefString(summary),
		}
		if publishedAt != nil {
			rec.PublishedAt = *publishedAt
		}
		if fetchedAt != nil {
			rec.FetchedAt = *fetchedAt
		}
		out.Data = append(out.Data, rec)
	}
	if err := rows.Err(); err != nil {
		return results.Page{}, fmt.Errorf("read result rows: %w", err)
	}
	return out, nil
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
