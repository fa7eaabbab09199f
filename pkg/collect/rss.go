package collect

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/christiancopeland/The-Pulse-sub000/pkg/config"
)

// RSSAdapter polls a configured list of RSS/Atom feeds. One feed's
// failure never poisons the rest; the run fails only when every feed
// fails.
type RSSAdapter struct {
	BaseAdapter
	feeds  []config.Feed
	parser *gofeed.Parser
	logger *slog.Logger
}

func NewRSSAdapter(feeds []config.Feed, logger *slog.Logger) *RSSAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RSSAdapter{
		BaseAdapter: newBase("rss", "rss"),
		feeds:       feeds,
		parser:      gofeed.NewParser(),
		logger:      logger.With("adapter", "rss"),
	}
}

func (a *RSSAdapter) Collect(ctx context.Context) ([]CollectedItem, error) {
	now := time.Now().UTC()

	var (
		items   []CollectedItem
		lastErr error
		failed  int
	)
	for _, feed := range a.feeds {
		parsed, err := a.fetchFeed(ctx, feed.URL)
		if err != nil {
			failed++
			lastErr = err
			a.logger.Warn("feed fetch failed", "feed", feed.Name, "error", err)
			continue
		}

		for _, entry := range parsed.Items {
			if entry.Link == "" {
				continue
			}
			item := CollectedItem{
				Title:      CleanText(entry.Title),
				Summary:    Summarize(entry.Description),
				URL:        entry.Link,
				SourceName: feed.Name,
				SourceURL:  feed.URL,
				Published:  now,
				Categories: []string{feed.Category},
				Metadata: map[string]any{
					"feed_name": feed.Name,
					"feed_url":  feed.URL,
				},
				RawContent: CleanText(entry.Content),
			}
			if entry.PublishedParsed != nil {
				item.Published = NormalizeTime(*entry.PublishedParsed, now)
			} else if entry.UpdatedParsed != nil {
				item.Published = NormalizeTime(*entry.UpdatedParsed, now)
			}
			if entry.Author != nil {
				item.Author = entry.Author.Name
			}
			items = append(items, item)
		}
	}

	if failed == len(a.feeds) && lastErr != nil {
		return nil, lastErr
	}
	return items, nil
}

func (a *RSSAdapter) fetchFeed(ctx context.Context, url string) (*gofeed.Feed, error) {
	body, err := a.get(ctx, url, http.Header{"User-Agent": {"ThePulse/1.0 feed reader"}})
	if err != nil {
		return nil, err
	}
	feed, err := a.parser.ParseString(string(body))
	if err != nil {
		return nil, &ParseError{Source: url, Err: err}
	}
	return feed, nil
}
