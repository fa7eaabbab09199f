package pipeline

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/christiancopeland/The-Pulse-sub000/pkg/config"
	"github.com/christiancopeland/The-Pulse-sub000/pkg/store"
)

var rankNow = time.Date(2025, 4, 7, 12, 0, 0, 0, time.UTC)

func newTestRanker(t *testing.T, sources *config.Sources) *Ranker {
	t.Helper()
	r := NewRanker(sources)
	r.now = func() time.Time { return rankNow }
	return r
}

// threeParagraphBody lands in the 500-1000 rune band with three
// paragraphs, the plateau of the content component.
func threeParagraphBody() string {
	para := strings.TrimSpace(strings.Repeat("alpha beta gamma delta epsilon ", 7))
	return strings.Join([]string{para, para, para}, "\n\n")
}

func TestRecencyDecay(t *testing.T) {
	r := newTestRanker(t, nil)

	cases := []struct {
		name string
		item *store.NewsItem
		want float64
	}{
		{"published now", &store.NewsItem{PublishedAt: rankNow}, 1.0},
		{"one day old", &store.NewsItem{PublishedAt: rankNow.Add(-24 * time.Hour)}, 0.5},
		{"two days old", &store.NewsItem{PublishedAt: rankNow.Add(-48 * time.Hour)}, 0.25},
		{"one week old", &store.NewsItem{PublishedAt: rankNow.Add(-168 * time.Hour)}, 0.0},
		{"beyond one week", &store.NewsItem{PublishedAt: rankNow.Add(-300 * time.Hour)}, 0.0},
		{"future timestamp clamps to fresh", &store.NewsItem{PublishedAt: rankNow.Add(time.Hour)}, 1.0},
		{"collected_at fallback", &store.NewsItem{CollectedAt: rankNow.Add(-24 * time.Hour)}, 0.5},
		{"no timestamp is neutral", &store.NewsItem{}, 0.5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, r.recencyScore(tc.item), 1e-12)
		})
	}

	t.Run("just inside the window stays positive", func(t *testing.T) {
		got := r.recencyScore(&store.NewsItem{PublishedAt: rankNow.Add(-167 * time.Hour)})
		assert.Greater(t, got, 0.0)
	})
}

func TestRankRecencyOrdersOtherwiseEqualItems(t *testing.T) {
	r := newTestRanker(t, nil)

	mk := func(age time.Duration) *store.NewsItem {
		return &store.NewsItem{
			Title:       "Ceasefire monitors report renewed shelling near the border",
			Content:     threeParagraphBody(),
			URL:         "https://example.com/news/shelling",
			SourceName:  "BBC World",
			Categories:  []string{"conflict"},
			PublishedAt: rankNow.Add(-age),
		}
	}

	fresh := r.Rank(mk(0), nil)
	dayOld := r.Rank(mk(24*time.Hour), nil)
	weekOld := r.Rank(mk(168*time.Hour), nil)

	require.InDelta(t, 1.0, fresh.Components.Recency, 1e-12)
	require.InDelta(t, 0.5, dayOld.Components.Recency, 1e-12)
	require.InDelta(t, 0.0, weekOld.Components.Recency, 1e-12)

	assert.Greater(t, fresh.Score, dayOld.Score)
	assert.Greater(t, dayOld.Score, weekOld.Score)
}

func TestSourceScore(t *testing.T) {
	r := newTestRanker(t, nil)

	cases := []struct {
		source string
		want   float64
	}{
		{"BBC World", 0.90},
		{"bbc", 0.90},
		{"Reuters Top News", 0.95},
		{"US-CERT Advisories", 0.92}, // longest table key wins, not "rt"
		{"ZeroHedge", 0.30},
		{"Random Blog", 0.5},
		{"", 0.5},
	}
	for _, tc := range cases {
		assert.InDelta(t, tc.want, r.sourceScore(tc.source), 1e-12, "source %q", tc.source)
	}
}

func TestCategoryScore(t *testing.T) {
	r := newTestRanker(t, nil)

	cases := []struct {
		name       string
		categories []string
		want       float64
	}{
		{"high importance", []string{"conflict"}, 0.9},
		{"low importance", []string{"sports"}, 0.1},
		{"best of several", []string{"sports", "conflict"}, 0.9},
		{"case folded", []string{"CONFLICT"}, 0.9},
		{"only unknown tags", []string{"mystery_tag"}, 0.5},
		{"no categories", nil, 0.5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, r.categoryScore(tc.categories), 1e-12)
		})
	}
}

func TestEntityPresenceBands(t *testing.T) {
	item := &store.NewsItem{
		Title:   "Putin met Xi in Moscow",
		Content: "The two leaders discussed trade with Modi and Erdogan.",
	}

	cases := []struct {
		name    string
		tracked []string
		want    float64
	}{
		{"no tracked entities", nil, 0.3},
		{"none present", []string{"zelensky"}, 0.3},
		{"one present", []string{"putin"}, 0.6},
		{"two present", []string{"putin", "xi"}, 0.75},
		{"three present", []string{"putin", "xi", "moscow"}, 0.85},
		{"four present", []string{"putin", "xi", "moscow", "modi"}, 0.95},
		{"band caps at four", []string{"putin", "xi", "moscow", "modi", "erdogan"}, 0.95},
		{"empty name ignored", []string{""}, 0.3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, entityPresenceScore(item, tc.tracked), 1e-12)
		})
	}
}

func TestContentLengthScore(t *testing.T) {
	cases := []struct {
		name string
		item *store.NewsItem
		want float64
	}{
		{"empty body", &store.NewsItem{}, 0.21},
		{"single short paragraph", &store.NewsItem{Content: "A brief update."}, 0.31},
		{"full article", &store.NewsItem{Content: threeParagraphBody()}, 0.79},
		{"summary stands in", &store.NewsItem{Summary: "A brief update."}, 0.31},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, contentLengthScore(tc.item), 1e-9)
		})
	}
}

func TestRankWeightedComposite(t *testing.T) {
	r := newTestRanker(t, nil)

	item := &store.NewsItem{
		Title:       "Sanctions package targets shipping insurers",
		Content:     threeParagraphBody(),
		URL:         "https://example.com/news/sanctions",
		SourceName:  "Reuters",
		Categories:  []string{"conflict"},
		PublishedAt: rankNow,
	}

	res := r.Rank(item, nil)

	assert.InDelta(t, 0.95, res.Components.Source, 1e-12)
	assert.InDelta(t, 1.0, res.Components.Recency, 1e-12)
	assert.InDelta(t, 0.9, res.Components.Category, 1e-12)
	assert.InDelta(t, 0.3, res.Components.Entity, 1e-12)
	assert.InDelta(t, 0.79, res.Components.Content, 1e-9)
	assert.InDelta(t, 0.8415, res.Score, 1e-9)
}

func TestRankAllKeysByID(t *testing.T) {
	r := newTestRanker(t, nil)

	items := []*store.NewsItem{
		{ID: "item-a", Title: "First headline", PublishedAt: rankNow},
		{ID: "item-b", Title: "Second headline", PublishedAt: rankNow.Add(-24 * time.Hour)},
	}

	out := r.RankAll(items, nil)
	require.Len(t, out, 2)
	assert.Greater(t, out["item-a"].Score, out["item-b"].Score)
}

func TestRankerCustomSources(t *testing.T) {
	r := newTestRanker(t, &config.Sources{
		Credibility:        map[string]float64{"My Custom Feed": 0.66},
		CategoryImportance: map[string]float64{"widgets": 10, "overweight": 15},
	})

	assert.InDelta(t, 0.66, r.sourceScore("my custom feed"), 1e-12)
	assert.InDelta(t, 1.0, r.categoryScore([]string{"widgets"}), 1e-12)
	assert.InDelta(t, 1.0, r.categoryScore([]string{"overweight"}), 1e-12, "importance above 10 clamps")
}
