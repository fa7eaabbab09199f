package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewWithDB(db, nil), mock
}

const (
	urlExistsQuery  = `SELECT EXISTS (SELECT 1 FROM news_items WHERE url = $1)`
	hashExistsQuery = `SELECT EXISTS (SELECT 1 FROM news_items WHERE content_hash = $1)`
)

func existsRow(v bool) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"exists"}).AddRow(v)
}

func itemColumns() []string {
	return []string{
		"id", "source_type", "source_name", "source_url", "title", "content",
		"summary", "url", "published_at", "collected_at", "author", "categories",
		"processed", "relevance_score", "content_hash", "embedding_ref", "metadata",
	}
}

func TestSaveItemsDeduplication(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	items := []*NewsItem{
		{Title: "seen url", URL: "https://example.com/a", ContentHash: "ha"},
		{Title: "seen body", URL: "https://example.com/b", ContentHash: "hb"},
		{Title: "fresh", URL: "https://example.com/c", ContentHash: "hc"},
	}

	mock.ExpectBegin()
	// First item: URL already present.
	mock.ExpectQuery(regexp.QuoteMeta(urlExistsQuery)).
		WithArgs("https://example.com/a").WillReturnRows(existsRow(true))
	// Second item: new URL but the same body was collected elsewhere.
	mock.ExpectQuery(regexp.QuoteMeta(urlExistsQuery)).
		WithArgs("https://example.com/b").WillReturnRows(existsRow(false))
	mock.ExpectQuery(regexp.QuoteMeta(hashExistsQuery)).
		WithArgs("hb").WillReturnRows(existsRow(true))
	// Third item: genuinely new.
	mock.ExpectQuery(regexp.QuoteMeta(urlExistsQuery)).
		WithArgs("https://example.com/c").WillReturnRows(existsRow(false))
	mock.ExpectQuery(regexp.QuoteMeta(hashExistsQuery)).
		WithArgs("hc").WillReturnRows(existsRow(false))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO news_items")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	newCount, dupCount, err := s.SaveItems(ctx, items)
	require.NoError(t, err)
	assert.Equal(t, 1, newCount)
	assert.Equal(t, 2, dupCount)

	assert.NotEmpty(t, items[2].ID, "fresh items get an id assigned")
	assert.False(t, items[2].CollectedAt.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveItemsSkipsHashCheckWithoutHash(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(urlExistsQuery)).
		WithArgs("https://example.com/x").WillReturnRows(existsRow(false))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO news_items")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	newCount, dupCount, err := s.SaveItems(context.Background(),
		[]*NewsItem{{Title: "no hash", URL: "https://example.com/x"}})
	require.NoError(t, err)
	assert.Equal(t, 1, newCount)
	assert.Equal(t, 0, dupCount)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveItemsUniqueRaceCountsAsDuplicate(t *testing.T) {
	s, mock := newMockStore(t)

	// Both pre-checks miss, then a concurrent writer wins the insert
	// race on the URL unique index. ON CONFLICT DO NOTHING swallows the
	// collision without aborting the transaction; zero rows affected
	// classifies the item as a duplicate.
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(urlExistsQuery)).
		WithArgs("https://example.com/r").WillReturnRows(existsRow(false))
	mock.ExpectQuery(regexp.QuoteMeta(hashExistsQuery)).
		WithArgs("hr").WillReturnRows(existsRow(false))
	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (url) DO NOTHING")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	newCount, dupCount, err := s.SaveItems(context.Background(),
		[]*NewsItem{{Title: "raced", URL: "https://example.com/r", ContentHash: "hr"}})
	require.NoError(t, err)
	assert.Equal(t, 0, newCount)
	assert.Equal(t, 1, dupCount)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveItemsEmptyBatch(t *testing.T) {
	s, mock := newMockStore(t)

	newCount, dupCount, err := s.SaveItems(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, newCount)
	assert.Zero(t, dupCount)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveItemsRollsBackOnInsertError(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(urlExistsQuery)).
		WithArgs("https://example.com/x").WillReturnRows(existsRow(false))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO news_items")).
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	_, _, err := s.SaveItems(context.Background(),
		[]*NewsItem{{Title: "boom", URL: "https://example.com/x"}})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetItemMissingReturnsNil(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT (.+) FROM news_items WHERE id =").
		WithArgs("absent").
		WillReturnRows(sqlmock.NewRows(itemColumns()))

	item, err := s.GetItem(context.Background(), "absent")
	require.NoError(t, err)
	assert.Nil(t, item)
}

func TestGetUnprocessedScansFullRow(t *testing.T) {
	s, mock := newMockStore(t)

	published := time.Date(2025, 4, 7, 9, 0, 0, 0, time.UTC)
	collected := time.Date(2025, 4, 7, 10, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows(itemColumns()).AddRow(
		"item-1", "rss", "BBC World", "https://feeds.bbci.co.uk/news/world/rss.xml",
		"Ceasefire talks resume", "Long body", "Short summary", "https://example.com/a",
		published, collected, "Desk", "{geopolitics,conflict}",
		0, 0.0, "hash-1", nil, []byte(`{"feed":"bbc"}`),
	)
	mock.ExpectQuery("SELECT (.+) FROM news_items WHERE processed = 0").
		WithArgs(10).WillReturnRows(rows)

	items, err := s.GetUnprocessed(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, items, 1)

	got := items[0]
	assert.Equal(t, "item-1", got.ID)
	assert.Equal(t, "rss", got.SourceType)
	assert.Equal(t, published, got.PublishedAt.UTC())
	assert.Equal(t, []string{"geopolitics", "conflict"}, got.Categories)
	assert.Empty(t, got.EmbeddingRef, "null embedding_ref scans as empty")
	assert.Equal(t, map[string]any{"feed": "bbc"}, got.Metadata)
}

func TestApplyScores(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE news_items SET relevance_score = $2 WHERE id = $1`)).
		WithArgs("item-1", 0.73).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.ApplyScores(context.Background(), map[string]float64{"item-1": 0.73})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkProcessedOnlyTouchesPending(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(
		`UPDATE news_items SET processed = $2 WHERE id = ANY($1) AND processed = 0`)).
		WithArgs(pq.Array([]string{"a", "b"}), ProcessedDone).
		WillReturnResult(sqlmock.NewResult(0, 2))

	err := s.MarkProcessed(context.Background(), []string{"a", "b"}, ProcessedDone)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkProcessedEmptyIsNoop(t *testing.T) {
	s, mock := newMockStore(t)

	require.NoError(t, s.MarkProcessed(context.Background(), nil, ProcessedDone))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountItemsSincePassesFilters(t *testing.T) {
	s, mock := newMockStore(t)

	since := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT count(*) FROM news_items")).
		WithArgs(since, pq.Array([]string{"conflict"}), pq.Array([]string{"acled"})).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	n, err := s.CountItemsSince(context.Background(), since, []string{"conflict"}, []string{"acled"})
	require.NoError(t, err)
	assert.Equal(t, 7, n)
}

func TestDailyItemCounts(t *testing.T) {
	s, mock := newMockStore(t)

	since := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"day", "count"}).
		AddRow("2025-04-01", 3).
		AddRow("2025-04-03", 5)
	mock.ExpectQuery("SELECT to_char").
		WithArgs(since, pq.Array([]string(nil)), pq.Array([]string(nil))).
		WillReturnRows(rows)

	counts, err := s.DailyItemCounts(context.Background(), since, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"2025-04-01": 3, "2025-04-03": 5}, counts)
}

func TestBodyTextFallback(t *testing.T) {
	assert.Equal(t, "body", (&NewsItem{Title: "t", Summary: "s", Content: "body"}).BodyText())
	assert.Equal(t, "s", (&NewsItem{Title: "t", Summary: "s"}).BodyText())
	assert.Equal(t, "t", (&NewsItem{Title: "t"}).BodyText())
}
