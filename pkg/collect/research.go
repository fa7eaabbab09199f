package collect

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
)

const arxivEndpoint = "http://export.arxiv.org/api/query"

// ArxivAdapter polls the arXiv Atom API for new preprints in the
// configured categories.
type ArxivAdapter struct {
	BaseAdapter
	categories []string
	maxResults int
	parser     *gofeed.Parser
}

func NewArxivAdapter(categories []string) *ArxivAdapter {
	if len(categories) == 0 {
		categories = []string{"cs.CR", "cs.AI"}
	}
	return &ArxivAdapter{
		BaseAdapter: newBase("arxiv", "arxiv"),
		categories:  categories,
		maxResults:  25,
		parser:      gofeed.NewParser(),
	}
}

func (a *ArxivAdapter) Collect(ctx context.Context) ([]CollectedItem, error) {
	terms := make([]string, len(a.categories))
	for i, c := range a.categories {
		terms[i] = "cat:" + c
	}

	q := url.Values{}
	q.Set("search_query", strings.Join(terms, " OR "))
	q.Set("sortBy", "submittedDate")
	q.Set("sortOrder", "descending")
	q.Set("max_results", "25")

	body, err := a.get(ctx, arxivEndpoint+"?"+q.Encode(), http.Header{"User-Agent": {"ThePulse/1.0 feed reader"}})
	if err != nil {
		return nil, err
	}

	feed, err := a.parser.ParseString(string(body))
	if err != nil {
		return nil, &ParseError{Source: a.Name(), Err: err}
	}

	now := time.Now().UTC()
	items := make([]CollectedItem, 0, len(feed.Items))
	for _, entry := range feed.Items {
		if entry.Link == "" {
			continue
		}
		item := CollectedItem{
			Title:      CleanText(entry.Title),
			Summary:    Summarize(entry.Description),
			URL:        entry.Link,
			SourceName: "arXiv",
			SourceURL:  "https://arxiv.org",
			Published:  now,
			Categories: []string{"research"},
			Metadata: map[string]any{
				"arxiv_categories": a.categories,
			},
			RawContent: CleanText(entry.Description),
		}
		if entry.PublishedParsed != nil {
			item.Published = NormalizeTime(*entry.PublishedParsed, now)
		}
		var authors []string
		for _, au := range entry.Authors {
			if au != nil && au.Name != "" {
				authors = append(authors, au.Name)
			}
		}
		item.Author = strings.Join(authors, ", ")
		items = append(items, item)
	}
	return items, nil
}
