package collect

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const acledEndpoint = "https://api.acleddata.com/acled/read"

// Event-type weights for severity classification. Fatalities add a
// bucket on top: 0 adds nothing, 1-9 adds one, 10+ adds two.
var acledEventWeights = map[string]int{
	"Battles":                    3,
	"Explosions/Remote violence": 3,
	"Violence against civilians": 3,
	"Riots":                      2,
	"Protests":                   1,
	"Strategic developments":     1,
}

// ACLEDAdapter pulls recent armed-conflict events. The upstream
// requires key and email query parameters on every request.
type ACLEDAdapter struct {
	BaseAdapter
	key      string
	email    string
	lookback time.Duration
}

func NewACLEDAdapter(key, email string) *ACLEDAdapter {
	return &ACLEDAdapter{
		BaseAdapter: newBase("acled", "acled"),
		key:         key,
		email:       email,
		lookback:    72 * time.Hour,
	}
}

func (a *ACLEDAdapter) Collect(ctx context.Context) ([]CollectedItem, error) {
	since := time.Now().UTC().Add(-a.lookback).Format("2006-01-02")

	q := url.Values{}
	q.Set("key", a.key)
	q.Set("email", a.email)
	q.Set("event_date", since)
	q.Set("event_date_where", ">=")
	q.Set("limit", "200")

	body, err := a.get(ctx, acledEndpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Success bool `json:"success"`
		Data    []struct {
			EventID      string `json:"event_id_cnty"`
			EventDate    string `json:"event_date"`
			EventType    string `json:"event_type"`
			SubEventType string `json:"sub_event_type"`
			Actor1       string `json:"actor1"`
			Actor2       string `json:"actor2"`
			Country      string `json:"country"`
			Location     string `json:"location"`
			Notes        string `json:"notes"`
			Fatalities   int    `json:"fatalities,string"`
			Source       string `json:"source"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &ParseError{Source: a.Name(), Err: err}
	}
	if !payload.Success {
		return nil, &UpstreamError{URL: acledEndpoint, Status: 200}
	}

	now := time.Now().UTC()
	items := make([]CollectedItem, 0, len(payload.Data))
	for _, ev := range payload.Data {
		if ev.EventID == "" {
			continue
		}
		published := now
		if t, err := time.Parse("2006-01-02", ev.EventDate); err == nil {
			published = t.UTC()
		}

		title := fmt.Sprintf("%s in %s: %s", ev.EventType, ev.Country, ev.Location)
		if ev.SubEventType != "" {
			title = fmt.Sprintf("%s in %s: %s (%s)", ev.EventType, ev.Country, ev.Location, ev.SubEventType)
		}

		items = append(items, CollectedItem{
			Title:      CleanText(title),
			Summary:    Summarize(ev.Notes),
			URL:        "https://acleddata.com/data/#event/" + ev.EventID,
			SourceName: "ACLED",
			SourceURL:  "https://acleddata.com",
			Published:  published,
			Categories: []string{"conflict", acledSeverity(ev.EventType, ev.Fatalities)},
			Metadata: map[string]any{
				"event_type":     ev.EventType,
				"sub_event_type": ev.SubEventType,
				"actors":         strings.TrimSpace(strings.Join([]string{ev.Actor1, ev.Actor2}, " / ")),
				"country":        ev.Country,
				"fatalities":     ev.Fatalities,
				"reported_by":    ev.Source,
			},
			RawContent: CleanText(ev.Notes),
		})
	}
	return items, nil
}

// acledSeverity combines the event-type weight with a fatality bucket.
func acledSeverity(eventType string, fatalities int) string {
	score := acledEventWeights[eventType]
	switch {
	case fatalities >= 10:
		score += 2
	case fatalities >= 1:
		score++
	}
	switch {
	case score >= 4:
		return "severity_high"
	case score >= 2:
		return "severity_medium"
	default:
		return "severity_low"
	}
}
