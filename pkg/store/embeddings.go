package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
)

// EmbeddingDim is the fixed dimensionality of item vectors.
const EmbeddingDim = 768

// ErrModelUnavailable reports that the embedding backend cannot be
// reached. Callers fall back to skipping the embed stage.
var ErrModelUnavailable = errors.New("embedding model unavailable")

// Embedding represents a dense vector.
type Embedding []float32

// Embedder generates vectors from text. Available probes the backend;
// callers must not assume the model is up at startup.
type Embedder interface {
	Embed(ctx context.Context, text string) (Embedding, error)
	Available(ctx context.Context) bool
}

// SearchFilters narrows semantic search by payload fields.
type SearchFilters struct {
	SourceType string
	Categories []string
}

// SearchResult is one semantic search hit.
type SearchResult struct {
	VectorID   string
	NewsItemID string
	Score      float32
	Payload    map[string]any
}

// VectorStore stores and searches item vectors. The database rows
// remain the source of truth; the payload is denormalized display
// data only.
type VectorStore interface {
	Store(ctx context.Context, vectorID, newsItemID string, vec Embedding, payload map[string]any) error
	Search(ctx context.Context, vec Embedding, limit int, filters SearchFilters) ([]SearchResult, error)
	DeleteByItem(ctx context.Context, newsItemID string) (bool, error)
}

// OpenAIEmbedder calls a locally hosted OpenAI-compatible embeddings
// endpoint. The service is not assumed to be up at startup.
type OpenAIEmbedder struct {
	url    string
	model  string
	client *http.Client
}

func NewOpenAIEmbedder(url, model string) *OpenAIEmbedder {
	return &OpenAIEmbedder{
		url:    url,
		model:  model,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Embed requests one vector for text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) (Embedding, error) {
	reqBody := map[string]any{
		"input": text,
		"model": e.model,
	}
	jsonBody, _ := json.Marshal(reqBody)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding service error: %d", resp.StatusCode)
	}

	var result struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}
	if len(result.Data) == 0 {
		return nil, errors.New("no embedding returned")
	}
	return result.Data[0].Embedding, nil
}

// Available probes the endpoint with a minimal request.
func (e *OpenAIEmbedder) Available(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := e.Embed(probeCtx, "ping")
	return err == nil
}

// PGVectorStore persists vectors in the item_embeddings pgvector table.
type PGVectorStore struct {
	db *sql.DB
}

func NewPGVectorStore(db *sql.DB) *PGVectorStore {
	return &PGVectorStore{db: db}
}

func (p *PGVectorStore) Store(ctx context.Context, vectorID, newsItemID string, vec Embedding, payload map[string]any) error {
	if len(vec) != EmbeddingDim {
		return fmt.Errorf("vector has %d dimensions, want %d", len(vec), EmbeddingDim)
	}
	payloadBytes, err := json.Marshal(orEmptyMap(payload))
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO item_embeddings (vector_id, news_item_id, embedding, payload)
		VALUES ($1, $2, $3::vector, $4)
		ON CONFLICT (vector_id) DO UPDATE SET
			embedding = EXCLUDED.embedding,
			payload = EXCLUDED.payload`,
		vectorID, newsItemID, vecString(vec), payloadBytes)
	if err != nil {
		return fmt.Errorf("store vector: %w", err)
	}
	return nil
}

func (p *PGVectorStore) Search(ctx context.Context, vec Embedding, limit int, filters SearchFilters) ([]SearchResult, error) {
	// lib/pq encodes a nil slice as SQL NULL, and NULL poisons the
	// cardinality() guard below. Bind an empty array instead.
	categories := filters.Categories
	if categories == nil {
		categories = []string{}
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT vector_id, news_item_id, payload, 1 - (embedding <=> $1::vector) AS score
		FROM item_embeddings
		WHERE ($2 = '' OR payload->>'source_type' = $2)
		  AND (cardinality($3::text[]) = 0 OR payload->'categories' ?| $3::text[])
		ORDER BY embedding <=> $1::vector
		LIMIT $4`,
		vecString(vec), filters.SourceType, pq.Array(categories), limit)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		var (
			r       SearchResult
			payload []byte
		)
		if err := rows.Scan(&r.VectorID, &r.NewsItemID, &payload, &r.Score); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(payload, &r.Payload)
		results = append(results, r)
	}
	return results, rows.Err()
}

// DeleteByItem removes every vector for a news item. Idempotent:
// reports whether anything was removed.
func (p *PGVectorStore) DeleteByItem(ctx context.Context, newsItemID string) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM item_embeddings WHERE news_item_id = $1`, newsItemID)
	if err != nil {
		return false, fmt.Errorf("delete vectors: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// vecString renders a vector in pgvector text form: "[0.1,0.2,...]".
func vecString(vec Embedding) string {
	var b strings.Builder
	b.Grow(len(vec)*10 + 2)
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

// MemoryEmbedder produces deterministic pseudo-vectors from a text
// hash. Test double for the real service: identical text yields an
// identical unit vector.
type MemoryEmbedder struct{}

func (m *MemoryEmbedder) Embed(ctx context.Context, text string) (Embedding, error) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum64()

	vec := make(Embedding, EmbeddingDim)
	var sum float64
	for i := range vec {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], seed+uint64(i)*0x9e3779b97f4a7c15)
		h2 := fnv.New64a()
		_, _ = h2.Write(buf[:])
		v := float32(h2.Sum64()%2000)/1000 - 1
		vec[i] = v
		sum += float64(v) * float64(v)
	}
	if sum > 0 {
		n := float32(math.Sqrt(sum))
		for i := range vec {
			vec[i] /= n
		}
	}
	return vec, nil
}

func (m *MemoryEmbedder) Available(ctx context.Context) bool { return true }
