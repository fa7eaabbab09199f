package collect

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const edgarEndpoint = "https://efts.sec.gov/LATEST/search-index"

// EDGARAdapter runs a full-text search over recent SEC filings. SEC
// policy requires a User-Agent identifying a contact email; the
// adapter is not registered without one.
type EDGARAdapter struct {
	BaseAdapter
	contact string
	query   string
	forms   string
}

func NewEDGARAdapter(contact, query, forms string) *EDGARAdapter {
	return &EDGARAdapter{
		BaseAdapter: newBase("sec_edgar", "edgar"),
		contact:     contact,
		query:       query,
		forms:       forms,
	}
}

func (a *EDGARAdapter) Collect(ctx context.Context) ([]CollectedItem, error) {
	q := url.Values{}
	q.Set("q", a.query)
	if a.forms != "" {
		q.Set("forms", a.forms)
	}

	header := http.Header{"User-Agent": {fmt.Sprintf("ThePulse/1.0 (%s)", a.contact)}}
	body, err := a.get(ctx, edgarEndpoint+"?"+q.Encode(), header)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Hits struct {
			Hits []struct {
				ID     string `json:"_id"`
				Source struct {
					CIKs         []string `json:"ciks"`
					DisplayNames []string `json:"display_names"`
					FileDate     string   `json:"file_date"`
					FileType     string   `json:"file_type"`
					Accession    string   `json:"adsh"`
				} `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &ParseError{Source: a.Name(), Err: err}
	}

	now := time.Now().UTC()
	items := make([]CollectedItem, 0, len(payload.Hits.Hits))
	for _, hit := range payload.Hits.Hits {
		src := hit.Source
		if src.Accession == "" || len(src.CIKs) == 0 {
			continue
		}
		published := now
		if t, err := time.Parse("2006-01-02", src.FileDate); err == nil {
			published = t.UTC()
		}

		filer := "unknown filer"
		if len(src.DisplayNames) > 0 {
			filer = src.DisplayNames[0]
		}
		cik := strings.TrimLeft(src.CIKs[0], "0")
		accession := strings.ReplaceAll(src.Accession, "-", "")

		items = append(items, CollectedItem{
			Title:      CleanText(fmt.Sprintf("%s filing: %s", src.FileType, filer)),
			Summary:    Summarize(fmt.Sprintf("%s filed a %s matching %q on %s", filer, src.FileType, a.query, src.FileDate)),
			URL:        fmt.Sprintf("https://www.sec.gov/Archives/edgar/data/%s/%s", cik, accession),
			SourceName: "SEC EDGAR",
			SourceURL:  "https://www.sec.gov",
			Published:  published,
			Categories: []string{"corporate", "markets"},
			Metadata: map[string]any{
				"cik":       cik,
				"accession": src.Accession,
				"form":      src.FileType,
				"query":     a.query,
			},
		})
	}
	return items, nil
}
