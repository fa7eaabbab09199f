package collect

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

const otxEndpoint = "https://otx.alienvault.com/api/v1/pulses/subscribed?limit=20"

// OTXAdapter pulls subscribed threat-intelligence pulses from
// AlienVault OTX.
type OTXAdapter struct {
	BaseAdapter
	apiKey string
}

func NewOTXAdapter(apiKey string) *OTXAdapter {
	return &OTXAdapter{
		BaseAdapter: newBase("otx", "otx"),
		apiKey:      apiKey,
	}
}

func (a *OTXAdapter) Collect(ctx context.Context) ([]CollectedItem, error) {
	header := http.Header{"X-OTX-API-KEY": {a.apiKey}}
	body, err := a.get(ctx, otxEndpoint, header)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Results []struct {
			ID                string   `json:"id"`
			Name              string   `json:"name"`
			Description       string   `json:"description"`
			Created           string   `json:"created"`
			AuthorName        string   `json:"author_name"`
			Tags              []string `json:"tags"`
			TargetedCountries []string `json:"targeted_countries"`
			Indicators        []struct {
				Type string `json:"type"`
			} `json:"indicators"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &ParseError{Source: a.Name(), Err: err}
	}

	now := time.Now().UTC()
	items := make([]CollectedItem, 0, len(payload.Results))
	for _, pulse := range payload.Results {
		if pulse.ID == "" || pulse.Name == "" {
			continue
		}
		published := now
		for _, layout := range []string{"2006-01-02T15:04:05.999999", time.RFC3339} {
			if t, err := time.Parse(layout, pulse.Created); err == nil {
				published = t.UTC()
				break
			}
		}

		summary := pulse.Description
		if summary == "" {
			summary = "Threat pulse: " + strings.Join(pulse.Tags, ", ")
		}

		items = append(items, CollectedItem{
			Title:      CleanText(pulse.Name),
			Summary:    Summarize(summary),
			URL:        "https://otx.alienvault.com/pulse/" + pulse.ID,
			SourceName: "AlienVault OTX",
			SourceURL:  "https://otx.alienvault.com",
			Published:  published,
			Author:     pulse.AuthorName,
			Categories: []string{"threat_intel", "cybersecurity"},
			Metadata: map[string]any{
				"tags":               pulse.Tags,
				"targeted_countries": pulse.TargetedCountries,
				"indicator_count":    len(pulse.Indicators),
			},
			RawContent: CleanText(pulse.Description),
		})
	}
	return items, nil
}
