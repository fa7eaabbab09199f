package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Processed states for a NewsItem. Transitions only move forward:
// pending items become done or failed, never pending again.
const (
	ProcessedPending = 0
	ProcessedDone    = 1
	ProcessedFailed  = 2
)

// NewsItem is one persisted collected item.
type NewsItem struct {
	ID             string
	SourceType     string
	SourceName     string
	SourceURL      string
	Title          string
	Content        string
	Summary        string
	URL            string
	PublishedAt    time.Time
	CollectedAt    time.Time
	Author         string
	Categories     []string
	Processed      int
	RelevanceScore float64
	ContentHash    string
	EmbeddingRef   string
	Metadata       map[string]any
}

// BodyText returns the best available body for scoring and embedding:
// content, else summary, else title.
func (n *NewsItem) BodyText() string {
	if n.Content != "" {
		return n.Content
	}
	if n.Summary != "" {
		return n.Summary
	}
	return n.Title
}

// SaveItems persists a batch of items inside one transaction, applying
// two-step deduplication: an item is a duplicate when its URL already
// exists, or failing that when its non-empty content hash already
// exists. Duplicates are counted, never errors. On commit failure the
// whole batch rolls back.
func (s *Store) SaveItems(ctx context.Context, items []*NewsItem) (newCount, dupCount int, err error) {
	if len(items) == 0 {
		return 0, 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("begin save: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, item := range items {
		var exists bool
		if err = tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM news_items WHERE url = $1)`, item.URL,
		).Scan(&exists); err != nil {
			return 0, 0, fmt.Errorf("check url: %w", err)
		}
		if !exists && item.ContentHash != "" {
			if err = tx.QueryRowContext(ctx,
				`SELECT EXISTS (SELECT 1 FROM news_items WHERE content_hash = $1)`, item.ContentHash,
			).Scan(&exists); err != nil {
				return 0, 0, fmt.Errorf("check content hash: %w", err)
			}
		}
		if exists {
			dupCount++
			continue
		}

		if item.ID == "" {
			item.ID = uuid.New().String()
		}
		if item.CollectedAt.IsZero() {
			item.CollectedAt = time.Now().UTC()
		}
		meta, merr := json.Marshal(orEmptyMap(item.Metadata))
		if merr != nil {
			err = fmt.Errorf("marshal metadata: %w", merr)
			return 0, 0, err
		}

		// ON CONFLICT DO NOTHING rather than a bare insert: a raised
		// unique violation would abort the whole transaction, and a
		// concurrent writer can land the same URL between the EXISTS
		// check and the insert. The race loser sees zero rows affected
		// and counts a duplicate.
		var res sql.Result
		res, err = tx.ExecContext(ctx, `
			INSERT INTO news_items
				(id, source_type, source_name, source_url, title, content, summary, url,
				 published_at, collected_at, author, categories, processed,
				 relevance_score, content_hash, metadata)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
			ON CONFLICT (url) DO NOTHING`,
			item.ID, item.SourceType, item.SourceName, item.SourceURL,
			item.Title, item.Content, item.Summary, item.URL,
			nullTime(item.PublishedAt), item.CollectedAt, item.Author,
			pq.Array(item.Categories), item.Processed,
			item.RelevanceScore, item.ContentHash, meta,
		)
		if err != nil {
			return 0, 0, fmt.Errorf("insert item: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			dupCount++
			continue
		}
		newCount++
	}

	if err = tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit save: %w", err)
	}
	return newCount, dupCount, nil
}

// GetItem fetches one item by id. Missing rows return (nil, nil).
func (s *Store) GetItem(ctx context.Context, id string) (*NewsItem, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, source_type, source_name, source_url, title, content, summary, url,
		       published_at, collected_at, author, categories, processed,
		       relevance_score, content_hash, embedding_ref, metadata
		FROM news_items WHERE id = $1`, id)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return item, err
}

// GetUnprocessed returns up to limit pending items, oldest first.
func (s *Store) GetUnprocessed(ctx context.Context, limit int) ([]*NewsItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_type, source_name, source_url, title, content, summary, url,
		       published_at, collected_at, author, categories, processed,
		       relevance_score, content_hash, embedding_ref, metadata
		FROM news_items
		WHERE processed = 0
		ORDER BY collected_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query unprocessed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []*NewsItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// CountUnprocessed reports how many items await the pipeline.
func (s *Store) CountUnprocessed(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM news_items WHERE processed = 0`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unprocessed: %w", err)
	}
	return n, nil
}

// RecentItems returns the newest items by collection time.
func (s *Store) RecentItems(ctx context.Context, limit int) ([]*NewsItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_type, source_name, source_url, title, content, summary, url,
		       published_at, collected_at, author, categories, processed,
		       relevance_score, content_hash, embedding_ref, metadata
		FROM news_items
		ORDER BY collected_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []*NewsItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ApplyScores writes relevance scores back onto items in one batch.
func (s *Store) ApplyScores(ctx context.Context, scores map[string]float64) error {
	if len(scores) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin score update: %w", err)
	}
	for id, score := range scores {
		if _, err := tx.ExecContext(ctx,
			`UPDATE news_items SET relevance_score = $2 WHERE id = $1`, id, score); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply score: %w", err)
		}
	}
	return tx.Commit()
}

// MarkProcessed transitions items to a terminal processed state.
func (s *Store) MarkProcessed(ctx context.Context, ids []string, state int) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE news_items SET processed = $2 WHERE id = ANY($1) AND processed = 0`,
		pq.Array(ids), state)
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

// SetEmbeddingRef records the vector id produced for an item.
func (s *Store) SetEmbeddingRef(ctx context.Context, itemID, vectorID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE news_items SET embedding_ref = $2 WHERE id = $1`, itemID, vectorID)
	if err != nil {
		return fmt.Errorf("set embedding ref: %w", err)
	}
	return nil
}

// DeleteItem removes an item. Mentions and vectors referencing it are
// removed by FK cascade, keeping the ownership invariant.
func (s *Store) DeleteItem(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM news_items WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete item: %w", err)
	}
	return nil
}

// CountItemsSince counts items collected at or after since whose
// categories overlap cats, or whose source type is one of types. Empty
// filters count everything in the window.
func (s *Store) CountItemsSince(ctx context.Context, since time.Time, cats, types []string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM news_items
		WHERE collected_at >= $1
		  AND (
			(cardinality($2::text[]) = 0 AND cardinality($3::text[]) = 0)
			OR categories && $2::text[]
			OR source_type = ANY($3::text[])
		  )`,
		since, pq.Array(cats), pq.Array(types)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count items: %w", err)
	}
	return n, nil
}

// DailyItemCounts returns per-day item counts for the same filter,
// keyed by UTC date in YYYY-MM-DD form. Days with no items are absent;
// callers zero-fill.
func (s *Store) DailyItemCounts(ctx context.Context, since time.Time, cats, types []string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT to_char(date_trunc('day', collected_at AT TIME ZONE 'UTC'), 'YYYY-MM-DD') AS day, count(*)
		FROM news_items
		WHERE collected_at >= $1
		  AND (
			(cardinality($2::text[]) = 0 AND cardinality($3::text[]) = 0)
			OR categories && $2::text[]
			OR source_type = ANY($3::text[])
		  )
		GROUP BY day`,
		since, pq.Array(cats), pq.Array(types))
	if err != nil {
		return nil, fmt.Errorf("daily counts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int)
	for rows.Next() {
		var day string
		var n int
		if err := rows.Scan(&day, &n); err != nil {
			return nil, err
		}
		counts[day] = n
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*NewsItem, error) {
	var (
		item      NewsItem
		published sql.NullTime
		embedRef  sql.NullString
		cats      pq.StringArray
		meta      []byte
	)
	err := row.Scan(
		&item.ID, &item.SourceType, &item.SourceName, &item.SourceURL,
		&item.Title, &item.Content, &item.Summary, &item.URL,
		&published, &item.CollectedAt, &item.Author, &cats, &item.Processed,
		&item.RelevanceScore, &item.ContentHash, &embedRef, &meta,
	)
	if err != nil {
		return nil, err
	}
	if published.Valid {
		item.PublishedAt = published.Time
	}
	if embedRef.Valid {
		item.EmbeddingRef = embedRef.String
	}
	item.Categories = []string(cats)
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &item.Metadata)
	}
	return &item, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
