package pipeline_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/christiancopeland/The-Pulse-sub000/pkg/pipeline"
	"github.com/christiancopeland/The-Pulse-sub000/pkg/store"
)

type storedVector struct {
	itemID  string
	vec     store.Embedding
	payload map[string]any
}

type fakeVectorStore struct {
	mu        sync.Mutex
	vectors   map[string]storedVector
	failStore bool

	lastLimit   int
	lastFilters store.SearchFilters
	results     []store.SearchResult
}

func newFakeVectorStore() *fakeVectorStore {
	return &fakeVectorStore{vectors: make(map[string]storedVector)}
}

func (f *fakeVectorStore) Store(_ context.Context, vectorID, newsItemID string, vec store.Embedding, payload map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failStore {
		return errors.New("vector backend down")
	}
	f.vectors[vectorID] = storedVector{itemID: newsItemID, vec: vec, payload: payload}
	return nil
}

func (f *fakeVectorStore) Search(_ context.Context, _ store.Embedding, limit int, filters store.SearchFilters) ([]store.SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastLimit = limit
	f.lastFilters = filters
	return f.results, nil
}

func (f *fakeVectorStore) DeleteByItem(_ context.Context, newsItemID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	removed := false
	for id, sv := range f.vectors {
		if sv.itemID == newsItemID {
			delete(f.vectors, id)
			removed = true
		}
	}
	return removed, nil
}

type failingEmbedder struct{}

func (failingEmbedder) Embed(context.Context, string) (store.Embedding, error) {
	return nil, store.ErrModelUnavailable
}

func (failingEmbedder) Available(context.Context) bool { return false }

func TestEmbedItemPersistsVectorAndRef(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE news_items SET embedding_ref").
		WithArgs("item-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	vectors := newFakeVectorStore()
	ie := pipeline.NewItemEmbedder(&store.MemoryEmbedder{}, vectors, store.NewWithDB(db, nil), nil)

	res := ie.EmbedItem(context.Background(), &store.NewsItem{
		ID:      "item-1",
		Title:   "Pipeline sabotage suspected after pressure drop",
		Content: "Operators reported a sudden loss of pressure on both lines.",
	})

	require.True(t, res.Success, "embed failed: %s", res.Error)
	require.NotEmpty(t, res.VectorID)

	sv, ok := vectors.vectors[res.VectorID]
	require.True(t, ok)
	assert.Equal(t, "item-1", sv.itemID)
	assert.Len(t, sv.vec, store.EmbeddingDim)
	assert.Equal(t, "Pipeline sabotage suspected after pressure drop", sv.payload["title"])

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEmbedItemContainsFailures(t *testing.T) {
	t.Run("model failure", func(t *testing.T) {
		ie := pipeline.NewItemEmbedder(failingEmbedder{}, newFakeVectorStore(), nil, nil)
		res := ie.EmbedItem(context.Background(), &store.NewsItem{ID: "item-1", Title: "t"})
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "embed:")
	})

	t.Run("vector store failure", func(t *testing.T) {
		vectors := newFakeVectorStore()
		vectors.failStore = true
		ie := pipeline.NewItemEmbedder(&store.MemoryEmbedder{}, vectors, nil, nil)
		res := ie.EmbedItem(context.Background(), &store.NewsItem{ID: "item-1", Title: "t"})
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "store vector")
	})
}

func TestEmbedBatchPreservesOrder(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mock.MatchExpectationsInOrder(false)

	items := make([]*store.NewsItem, 5)
	for i := range items {
		id := string(rune('a' + i))
		items[i] = &store.NewsItem{ID: id, Title: "headline " + id, Content: "body " + id}
		mock.ExpectExec("UPDATE news_items SET embedding_ref").
			WithArgs(id, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}

	ie := pipeline.NewItemEmbedder(&store.MemoryEmbedder{}, newFakeVectorStore(), store.NewWithDB(db, nil), nil)
	results := ie.EmbedBatch(context.Background(), items, 3)

	require.Len(t, results, len(items))
	for i, res := range results {
		assert.Equal(t, items[i].ID, res.ItemID, "results must keep input order")
		assert.True(t, res.Success)
	}
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSearchSimilar(t *testing.T) {
	vectors := newFakeVectorStore()
	vectors.results = []store.SearchResult{{NewsItemID: "item-9", Score: 0.91}}
	ie := pipeline.NewItemEmbedder(&store.MemoryEmbedder{}, vectors, nil, nil)

	t.Run("empty query rejected", func(t *testing.T) {
		_, err := ie.SearchSimilar(context.Background(), "   ", 5, store.SearchFilters{})
		require.Error(t, err)
	})

	t.Run("defaults and filter passthrough", func(t *testing.T) {
		got, err := ie.SearchSimilar(context.Background(), "pipeline attack", 0, store.SearchFilters{SourceType: "rss"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "item-9", got[0].NewsItemID)
		assert.Equal(t, 10, vectors.lastLimit, "zero limit falls back to 10")
		assert.Equal(t, "rss", vectors.lastFilters.SourceType)
	})
}

func TestDeleteEmbedding(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectExec("UPDATE news_items SET embedding_ref").
		WithArgs("item-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	vectors := newFakeVectorStore()
	ie := pipeline.NewItemEmbedder(&store.MemoryEmbedder{}, vectors, store.NewWithDB(db, nil), nil)

	res := ie.EmbedItem(context.Background(), &store.NewsItem{ID: "item-1", Title: "t", Content: "c"})
	require.True(t, res.Success)

	removed, err := ie.DeleteEmbedding(context.Background(), "item-1")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = ie.DeleteEmbedding(context.Background(), "item-1")
	require.NoError(t, err)
	assert.False(t, removed, "second delete is a no-op")
}

func TestPrepareEmbeddingText(t *testing.T) {
	t.Run("canonical layout", func(t *testing.T) {
		got := pipeline.PrepareEmbeddingText(&store.NewsItem{
			Title:      "Refinery fire contained",
			SourceName: "Reuters",
			Categories: []string{"energy", "markets"},
			Content:    "The blaze was extinguished overnight.",
		})
		want := "Title: Refinery fire contained\n\n" +
			"Source: Reuters\n\n" +
			"Categories: energy, markets\n\n" +
			"Content: The blaze was extinguished overnight."
		assert.Equal(t, want, got)
	})

	t.Run("body truncated to 8000 runes", func(t *testing.T) {
		got := pipeline.PrepareEmbeddingText(&store.NewsItem{
			Title:   "Long read",
			Content: strings.Repeat("x", 9000),
		})
		_, body, ok := strings.Cut(got, "Content: ")
		require.True(t, ok)
		assert.Equal(t, 8000, utf8.RuneCountInString(body))
	})

	t.Run("control characters stripped", func(t *testing.T) {
		got := pipeline.PrepareEmbeddingText(&store.NewsItem{
			Title:   "Null\x00 byte\x07 title",
			Content: "line one\nline two\ttabbed",
		})
		assert.NotContains(t, got, "\x00")
		assert.NotContains(t, got, "\x07")
		assert.Contains(t, got, "Null byte title")
		assert.Contains(t, got, "line one\nline two\ttabbed")
	})

	t.Run("summary stands in for content", func(t *testing.T) {
		got := pipeline.PrepareEmbeddingText(&store.NewsItem{Title: "t", Summary: "summary body"})
		assert.Contains(t, got, "Content: summary body")
	})
}
