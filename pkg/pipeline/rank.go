package pipeline

import (
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/christiancopeland/The-Pulse-sub000/pkg/config"
	"github.com/christiancopeland/The-Pulse-sub000/pkg/store"
)

// Relevance component weights.
const (
	weightSourceCred = 0.25
	weightRecency    = 0.30
	weightCategory   = 0.20
	weightEntity     = 0.15
	weightLength     = 0.10
)

// maxItemAgeHours is where the recency component reaches zero.
const maxItemAgeHours = 168

// neutralScore is used when a component has nothing to go on.
const neutralScore = 0.5

// RankingComponents are the individual relevance signals.
type RankingComponents struct {
	Source   float64 `json:"source"`
	Recency  float64 `json:"recency"`
	Category float64 `json:"category"`
	Entity   float64 `json:"entity"`
	Content  float64 `json:"content"`
}

// RankingResult is the weighted relevance score with its components.
type RankingResult struct {
	Score      float64           `json:"score"`
	Components RankingComponents `json:"components"`
}

// Ranker computes weighted relevance scores. It is pure over its
// inputs; persisting scores is the caller's concern.
type Ranker struct {
	credibility map[string]float64
	importance  map[string]float64
	now         func() time.Time
}

// NewRanker builds a ranker from the source registry's credibility and
// category importance tables.
func NewRanker(sources *config.Sources) *Ranker {
	if sources == nil {
		sources = config.DefaultSources()
	}
	cred := make(map[string]float64, len(sources.Credibility))
	for name, v := range sources.Credibility {
		cred[strings.ToLower(name)] = v
	}
	imp := make(map[string]float64, len(sources.CategoryImportance))
	for cat, v := range sources.CategoryImportance {
		imp[strings.ToLower(cat)] = v
	}
	return &Ranker{credibility: cred, importance: imp, now: time.Now}
}

// Rank scores one item against the tracked entity name set.
func (r *Ranker) Rank(item *store.NewsItem, trackedLower []string) RankingResult {
	c := RankingComponents{
		Source:   r.sourceScore(item.SourceName),
		Recency:  r.recencyScore(item),
		Category: r.categoryScore(item.Categories),
		Entity:   entityPresenceScore(item, trackedLower),
		Content:  contentLengthScore(item),
	}
	score := weightSourceCred*c.Source +
		weightRecency*c.Recency +
		weightCategory*c.Category +
		weightEntity*c.Entity +
		weightLength*c.Content
	return RankingResult{Score: clamp01(score), Components: c}
}

// RankAll scores a batch, keyed by item id.
func (r *Ranker) RankAll(items []*store.NewsItem, trackedLower []string) map[string]RankingResult {
	out := make(map[string]RankingResult, len(items))
	for _, item := range items {
		out[item.ID] = r.Rank(item, trackedLower)
	}
	return out
}

// sourceScore looks the source up in the credibility table; an exact
// match wins, then the longest table key contained in the name.
// Unknown sources are neutral.
func (r *Ranker) sourceScore(sourceName string) float64 {
	name := strings.ToLower(strings.TrimSpace(sourceName))
	if name == "" {
		return neutralScore
	}
	if v, ok := r.credibility[name]; ok {
		return v
	}

	bestLen := 0
	best := neutralScore
	for key, v := range r.credibility {
		if len(key) > bestLen && strings.Contains(name, key) {
			bestLen = len(key)
			best = v
		}
	}
	return best
}

// recencyScore decays by half per day of age and bottoms out at one
// week: exactly 1 at age zero, exactly 0 at 168 hours or older.
func (r *Ranker) recencyScore(item *store.NewsItem) float64 {
	ts := item.PublishedAt
	if ts.IsZero() {
		ts = item.CollectedAt
	}
	if ts.IsZero() {
		return neutralScore
	}

	age := r.now().Sub(ts).Hours()
	if age < 0 {
		age = 0
	}
	if age >= maxItemAgeHours {
		return 0
	}
	return math.Pow(0.5, age/24)
}

// categoryScore takes the item's best category importance on the 0-10
// scale, normalized. Items with only unknown categories are neutral.
func (r *Ranker) categoryScore(categories []string) float64 {
	if len(categories) == 0 {
		return neutralScore
	}

	best := 0.0
	known := false
	for _, cat := range categories {
		v, ok := r.importance[strings.ToLower(cat)]
		if !ok {
			continue
		}
		known = true
		if v/10 > best {
			best = v / 10
		}
	}
	if !known {
		return neutralScore
	}
	return clamp01(best)
}

// entityPresenceScore counts how many tracked entities appear in the
// item text and maps the count onto a band.
func entityPresenceScore(item *store.NewsItem, trackedLower []string) float64 {
	count := 0
	if len(trackedLower) > 0 {
		text := strings.ToLower(item.Title + " " + item.Content + " " + item.Summary)
		for _, name := range trackedLower {
			if name != "" && strings.Contains(text, name) {
				count++
			}
		}
	}

	switch {
	case count == 0:
		return 0.3
	case count == 1:
		return 0.6
	case count == 2:
		return 0.75
	case count == 3:
		return 0.85
	default:
		return 0.95
	}
}

// contentLengthScore blends the length band with paragraph structure:
// three or more paragraphs read as a full article.
func contentLengthScore(item *store.NewsItem) float64 {
	body := itemContent(item)

	paragraphs := 0
	for _, p := range strings.Split(body, "\n\n") {
		if strings.TrimSpace(p) != "" {
			paragraphs++
		}
	}
	parScore := float64(paragraphs) / 3
	if parScore > 1 {
		parScore = 1
	}

	return clamp01(lengthBand(utf8.RuneCountInString(body))*0.7 + parScore*0.3)
}
