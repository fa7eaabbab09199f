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

const openSanctionsEndpoint = "https://api.opensanctions.org/search/sanctions"

// SanctionsAdapter polls OpenSanctions for recently changed sanction
// targets. The API key is optional; 401 and 429 are per-run failures,
// never fatal to the process.
type SanctionsAdapter struct {
	BaseAdapter
	apiKey string
}

func NewSanctionsAdapter(apiKey string) *SanctionsAdapter {
	return &SanctionsAdapter{
		BaseAdapter: newBase("opensanctions", "sanctions"),
		apiKey:      apiKey,
	}
}

func (a *SanctionsAdapter) Collect(ctx context.Context) ([]CollectedItem, error) {
	q := url.Values{}
	q.Set("sort", "first_seen:desc")
	q.Set("limit", "50")

	header := http.Header{}
	if a.apiKey != "" {
		header.Set("Authorization", "ApiKey "+a.apiKey)
	}

	body, err := a.get(ctx, openSanctionsEndpoint+"?"+q.Encode(), header)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Results []struct {
			ID         string   `json:"id"`
			Caption    string   `json:"caption"`
			Schema     string   `json:"schema"`
			Datasets   []string `json:"datasets"`
			FirstSeen  string   `json:"first_seen"`
			Properties struct {
				Topics  []string `json:"topics"`
				Country []string `json:"country"`
			} `json:"properties"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &ParseError{Source: a.Name(), Err: err}
	}

	now := time.Now().UTC()
	items := make([]CollectedItem, 0, len(payload.Results))
	for _, r := range payload.Results {
		if r.ID == "" || r.Caption == "" {
			continue
		}
		published := now
		if t, err := time.Parse(time.RFC3339, r.FirstSeen); err == nil {
			published = t.UTC()
		} else if t, err := time.Parse("2006-01-02", r.FirstSeen); err == nil {
			published = t.UTC()
		}

		summary := fmt.Sprintf("%s (%s) listed in %s",
			r.Caption, r.Schema, strings.Join(r.Datasets, ", "))

		items = append(items, CollectedItem{
			Title:      CleanText(fmt.Sprintf("Sanctions listing: %s", r.Caption)),
			Summary:    Summarize(summary),
			URL:        "https://www.opensanctions.org/entities/" + r.ID + "/",
			SourceName: "OpenSanctions",
			SourceURL:  "https://www.opensanctions.org",
			Published:  published,
			Categories: []string{"sanctions"},
			Metadata: map[string]any{
				"entity_id": r.ID,
				"schema":    r.Schema,
				"datasets":  r.Datasets,
				"topics":    r.Properties.Topics,
				"countries": r.Properties.Country,
			},
		})
	}
	return items, nil
}
