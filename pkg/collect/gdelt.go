package collect

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"
)

// QueryTemplate is one named GDELT query. Templates are data, not
// code: adding a monitored topic is a table entry, not a new adapter.
type QueryTemplate struct {
	Query       string
	Category    string
	Description string
}

// DefaultGDELTTemplates is the built-in monitored-topic table. Each
// template registers as its own collector named "gdelt_<key>".
var DefaultGDELTTemplates = map[string]QueryTemplate{
	"ukraine_conflict": {
		Query:       `(ukraine OR ukrainian) (military OR offensive OR strike OR drone)`,
		Category:    "conflict",
		Description: "Ukraine war military developments",
	},
	"middle_east": {
		Query:       `(israel OR gaza OR lebanon OR iran) (strike OR conflict OR ceasefire)`,
		Category:    "conflict",
		Description: "Middle East conflict coverage",
	},
	"china_tensions": {
		Query:       `(china OR taiwan) (military OR blockade OR sanctions OR semiconductor)`,
		Category:    "geopolitics",
		Description: "China-Taiwan and trade tensions",
	},
	"cyber_attacks": {
		Query:       `(ransomware OR "cyber attack" OR "data breach" OR apt)`,
		Category:    "cybersecurity",
		Description: "Major cyber incidents",
	},
	"sanctions_trade": {
		Query:       `(sanctions OR "export controls" OR embargo) (imposed OR announced)`,
		Category:    "sanctions",
		Description: "Sanctions and export-control actions",
	},
	"energy_security": {
		Query:       `(pipeline OR lng OR opec OR "oil price") (supply OR disruption OR output)`,
		Category:    "energy",
		Description: "Energy supply and price shocks",
	},
	"defense_industry": {
		Query:       `("defense contract" OR "arms deal" OR procurement) (missile OR aircraft OR munitions)`,
		Category:    "military",
		Description: "Defense industry and procurement",
	},
	"political_instability": {
		Query:       `(coup OR "state of emergency" OR "mass protest" OR insurgency)`,
		Category:    "politics",
		Description: "Political instability signals",
	},
}

const gdeltEndpoint = "https://api.gdeltproject.org/api/v2/doc/doc"

// gdeltTimeLayout parses GDELT's compact seendate format.
const gdeltTimeLayout = "20060102T150405Z"

// GDELTAdapter queries the GDELT DOC 2.0 API with one template over a
// recency window ("24h", "48h", "7d").
type GDELTAdapter struct {
	BaseAdapter
	template QueryTemplate
	timespan string
}

func NewGDELTAdapter(templateName string, template QueryTemplate, timespan string) *GDELTAdapter {
	if timespan == "" {
		timespan = "24h"
	}
	return &GDELTAdapter{
		BaseAdapter: newBase("gdelt_"+templateName, "gdelt"),
		template:    template,
		timespan:    timespan,
	}
}

func (a *GDELTAdapter) Collect(ctx context.Context) ([]CollectedItem, error) {
	q := url.Values{}
	q.Set("query", a.template.Query)
	q.Set("mode", "artlist")
	q.Set("format", "json")
	q.Set("maxrecords", "75")
	q.Set("timespan", a.timespan)

	body, err := a.get(ctx, gdeltEndpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Articles []struct {
			URL           string `json:"url"`
			Title         string `json:"title"`
			SeenDate      string `json:"seendate"`
			Domain        string `json:"domain"`
			Language      string `json:"language"`
			SourceCountry string `json:"sourcecountry"`
		} `json:"articles"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &ParseError{Source: a.Name(), Err: err}
	}

	now := time.Now().UTC()
	items := make([]CollectedItem, 0, len(payload.Articles))
	for _, art := range payload.Articles {
		if art.URL == "" || art.Title == "" {
			continue
		}
		published := now
		if t, err := time.Parse(gdeltTimeLayout, art.SeenDate); err == nil {
			published = t.UTC()
		}
		items = append(items, CollectedItem{
			Title:      CleanText(art.Title),
			URL:        art.URL,
			SourceName: art.Domain,
			SourceURL:  fmt.Sprintf("https://%s", art.Domain),
			Published:  published,
			Categories: []string{a.template.Category},
			Metadata: map[string]any{
				"template":       a.Name(),
				"domain":         art.Domain,
				"language":       art.Language,
				"source_country": art.SourceCountry,
			},
		})
	}
	return items, nil
}
