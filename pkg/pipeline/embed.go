package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/christiancopeland/The-Pulse-sub000/pkg/store"
)

const (
	maxEmbedContent         = 8000
	defaultEmbedConcurrency = 3
)

// EmbedResult is the outcome of embedding one item.
type EmbedResult struct {
	ItemID     string `json:"item_id"`
	VectorID   string `json:"vector_id,omitempty"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// ItemEmbedder generates vectors for items and persists them to the
// vector store, recording the vector id back onto the item row.
type ItemEmbedder struct {
	model   store.Embedder
	vectors store.VectorStore
	store   *store.Store
	logger  *slog.Logger
}

// NewItemEmbedder wires the embedding model, the vector store, and the
// item store together.
func NewItemEmbedder(model store.Embedder, vectors store.VectorStore, st *store.Store, logger *slog.Logger) *ItemEmbedder {
	if logger == nil {
		logger = slog.Default()
	}
	return &ItemEmbedder{
		model:   model,
		vectors: vectors,
		store:   st,
		logger:  logger.With("component", "embedder"),
	}
}

// Available reports whether the embedding model is reachable. Callers
// must not assume it is up at startup.
func (ie *ItemEmbedder) Available(ctx context.Context) bool {
	return ie.model.Available(ctx)
}

// EmbedItem embeds one item and persists vector and reference. The
// result carries the failure instead of an error: embedding failures
// are contained, never fatal to a batch.
func (ie *ItemEmbedder) EmbedItem(ctx context.Context, item *store.NewsItem) EmbedResult {
	start := time.Now()
	res := EmbedResult{ItemID: item.ID}
	fail := func(err error) EmbedResult {
		res.Error = err.Error()
		res.DurationMS = time.Since(start).Milliseconds()
		return res
	}

	vec, err := ie.model.Embed(ctx, PrepareEmbeddingText(item))
	if err != nil {
		return fail(fmt.Errorf("embed: %w", err))
	}

	vectorID := uuid.New().String()
	if err := ie.vectors.Store(ctx, vectorID, item.ID, vec, vectorPayload(item)); err != nil {
		return fail(fmt.Errorf("store vector: %w", err))
	}
	if err := ie.store.SetEmbeddingRef(ctx, item.ID, vectorID); err != nil {
		return fail(fmt.Errorf("record vector id: %w", err))
	}

	res.VectorID = vectorID
	res.Success = true
	res.DurationMS = time.Since(start).Milliseconds()
	return res
}

// EmbedBatch embeds items with bounded concurrency, preserving input
// order in the results.
func (ie *ItemEmbedder) EmbedBatch(ctx context.Context, items []*store.NewsItem, concurrency int) []EmbedResult {
	if concurrency <= 0 {
		concurrency = defaultEmbedConcurrency
	}

	results := make([]EmbedResult, len(items))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, item := range items {
		g.Go(func() error {
			results[i] = ie.EmbedItem(ctx, item)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// SearchSimilar embeds the query with the same model and runs a
// cosine search over stored vectors.
func (ie *ItemEmbedder) SearchSimilar(ctx context.Context, query string, limit int, filters store.SearchFilters) ([]store.SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("empty query")
	}
	if limit <= 0 {
		limit = 10
	}

	vec, err := ie.model.Embed(ctx, sanitizeForModel(query))
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return ie.vectors.Search(ctx, vec, limit, filters)
}

// DeleteEmbedding removes an item's vectors. Idempotent: reports
// whether anything was removed.
func (ie *ItemEmbedder) DeleteEmbedding(ctx context.Context, itemID string) (bool, error) {
	return ie.vectors.DeleteByItem(ctx, itemID)
}

// PrepareEmbeddingText builds the canonical text fed to the model:
// title, source, categories, then the body truncated to 8000 runes.
func PrepareEmbeddingText(item *store.NewsItem) string {
	content := itemContent(item)
	if utf8.RuneCountInString(content) > maxEmbedContent {
		runes := []rune(content)
		content = string(runes[:maxEmbedContent])
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\n\n", item.Title)
	fmt.Fprintf(&b, "Source: %s\n\n", item.SourceName)
	fmt.Fprintf(&b, "Categories: %s\n\n", strings.Join(item.Categories, ", "))
	fmt.Fprintf(&b, "Content: %s", content)
	return sanitizeForModel(b.String())
}

// sanitizeForModel strips null bytes and control characters other
// than newline, carriage return, and tab, and re-validates UTF-8.
func sanitizeForModel(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == 0 || (unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t') {
			continue
		}
		b.WriteRune(r)
	}
	return strings.ToValidUTF8(b.String(), "")
}

// vectorPayload is the flat metadata stored beside a vector. The
// database row remains the source of truth; the payload only feeds
// search filtering and result display.
func vectorPayload(item *store.NewsItem) map[string]any {
	return map[string]any{
		"news_item_id": item.ID,
		"title":        item.Title,
		"source_type":  item.SourceType,
		"source_name":  item.SourceName,
		"url":          item.URL,
		"categories":   item.Categories,
		"published_at": timeOrEmpty(item.PublishedAt),
		"collected_at": timeOrEmpty(item.CollectedAt),
		"embedded_at":  time.Now().UTC().Format(time.RFC3339),
	}
}

func timeOrEmpty(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
