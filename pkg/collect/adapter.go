// Package collect implements the collection engine: source adapters
// that fetch normalized items from external feeds and APIs, and the
// scheduler that drives them on per-source intervals.
package collect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrRateLimited signals a 429 from the upstream. The scheduler treats
// it as a run failure but stretches the next wait.
var ErrRateLimited = errors.New("rate limited by upstream")

// NetworkError is a transport-level failure: DNS, dial, TLS, timeout.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error fetching %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// UpstreamError is a non-2xx response from an upstream that was
// reachable. 401/403 mean the adapter's credentials were rejected.
type UpstreamError struct {
	URL    string
	Status int
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s returned %d", e.URL, e.Status)
}

// AuthRejected reports whether the upstream refused our credentials.
func (e *UpstreamError) AuthRejected() bool {
	return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
}

// ParseError is a malformed payload from an upstream.
type ParseError struct {
	Source string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error from %s: %v", e.Source, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// CollectedItem is the normalized adapter output before persistence.
type CollectedItem struct {
	Title      string
	Summary    string
	URL        string
	SourceName string // display name; empty means the adapter name
	SourceURL  string
	Published  time.Time
	Author     string
	Categories []string
	Metadata   map[string]any
	RawContent string
}

// Hash computes the item's content hash over the best available body
// text: raw content, else summary, else title.
func (c *CollectedItem) Hash() string {
	return ContentHash(c.RawContent, c.Summary, c.Title)
}

// SourceAdapter fetches items from one external source. Adapters are
// stateless; run bookkeeping lives with the scheduler.
type SourceAdapter interface {
	// Name is the unique registry key, e.g. "gdelt_cyber_attacks".
	Name() string

	// SourceType is the short source tag, e.g. "gdelt".
	SourceType() string

	// Collect fetches and normalizes the source's current items.
	Collect(ctx context.Context) ([]CollectedItem, error)
}

const fetchTimeout = 30 * time.Second

// BaseAdapter carries the identity and HTTP client shared by the
// concrete adapters.
type BaseAdapter struct {
	name       string
	sourceType string
	client     *http.Client
}

func newBase(name, sourceType string) BaseAdapter {
	return BaseAdapter{
		name:       name,
		sourceType: sourceType,
		client:     &http.Client{Timeout: fetchTimeout},
	}
}

// Name returns the registry key.
func (b *BaseAdapter) Name() string { return b.name }

// SourceType returns the short source tag.
func (b *BaseAdapter) SourceType() string { return b.sourceType }

// get fetches a URL and classifies failures into the adapter error
// kinds. Bodies are capped at 8 MiB.
func (b *BaseAdapter) get(ctx context.Context, url string, header http.Header) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, &NetworkError{URL: url, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%s: %w", url, ErrRateLimited)
	case resp.StatusCode >= 400:
		return nil, &UpstreamError{URL: url, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, &NetworkError{URL: url, Err: err}
	}
	return body, nil
}
