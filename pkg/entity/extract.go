// Package entity implements named-entity extraction, linking against
// the Wikidata knowledge base, relationship detection, and the
// single-slot extraction queue.
package entity

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/christiancopeland/The-Pulse-sub000/pkg/store"
)

// Extraction sources.
const (
	SourceGLiNER = "gliner"
	SourceRegex  = "regex"
)

const (
	defaultThreshold = 0.5
	contextRadius    = 50
	memoSize         = 256
	memoPrefixLen    = 256
)

// DefaultTypes is the full entity type set requested when the caller
// does not narrow it.
var DefaultTypes = []string{
	store.EntityPerson,
	store.EntityOrganization,
	store.EntityGovernmentAgency,
	store.EntityMilitaryUnit,
	store.EntityLocation,
	store.EntityPoliticalParty,
	store.EntityEvent,
}

// ExtractedEntity is one recognized span. Start and End are byte
// offsets into the input text.
type ExtractedEntity struct {
	Text       string  `json:"text"`
	EntityType string  `json:"entity_type"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source"`
	Normalized string  `json:"normalized"`
	Context    string  `json:"context,omitempty"`
}

// ExtractOptions narrows an extraction request.
type ExtractOptions struct {
	Types          []string
	Threshold      float64
	IncludeContext bool
}

// Extractor recognizes entities with a zero-shot NER model, falling
// back to regex patterns when the model is unavailable or silent.
type Extractor struct {
	model  *glinerClient
	memo   *lru.Cache[string, []ExtractedEntity]
	logger *slog.Logger
}

// NewExtractor creates an extractor backed by a GLiNER service at
// modelURL. An empty modelURL leaves only the regex fallback.
func NewExtractor(modelURL string, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	memo, _ := lru.New[string, []ExtractedEntity](memoSize)
	e := &Extractor{
		memo:   memo,
		logger: logger.With("component", "extractor"),
	}
	if modelURL != "" {
		e.model = newGLiNERClient(modelURL)
	}
	return e
}

// ModelAvailable reports whether the NER model responded to the
// availability probe. The probe runs once and is shared by all calls.
func (e *Extractor) ModelAvailable(ctx context.Context) bool {
	return e.model != nil && e.model.available(ctx)
}

// Extract recognizes entities in text. Results are sorted by start
// offset and never overlap: of two overlapping spans the higher
// confidence wins, then the longer.
func (e *Extractor) Extract(ctx context.Context, text string, opts ExtractOptions) ([]ExtractedEntity, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	if len(opts.Types) == 0 {
		opts.Types = DefaultTypes
	}
	if opts.Threshold <= 0 {
		opts.Threshold = defaultThreshold
	}

	key := memoKey(text, opts)
	if cached, ok := e.memo.Get(key); ok {
		out := make([]ExtractedEntity, len(cached))
		copy(out, cached)
		return out, nil
	}

	var ents []ExtractedEntity
	if e.ModelAvailable(ctx) {
		raw, err := e.model.extract(ctx, text, opts.Types, opts.Threshold)
		if err != nil {
			e.logger.Warn("model extraction failed, using regex fallback", "error", err)
		} else {
			ents = fromModel(raw, opts.Threshold)
		}
	}
	if len(ents) == 0 {
		ents = regexExtract(text, opts.Types)
	}

	for i := range ents {
		ents[i].Normalized = NormalizeEntityText(ents[i].Text)
	}
	ents = resolveOverlaps(ents)
	if opts.IncludeContext {
		for i := range ents {
			ents[i].Context = contextWindow(text, ents[i].Start, ents[i].End, contextRadius)
		}
	}

	stored := make([]ExtractedEntity, len(ents))
	copy(stored, ents)
	e.memo.Add(key, stored)
	return ents, nil
}

// ExtractBatch extracts from several texts concurrently, preserving
// input order. Model inference stays off the caller's goroutine.
func (e *Extractor) ExtractBatch(ctx context.Context, texts []string, opts ExtractOptions) ([][]ExtractedEntity, error) {
	results := make([][]ExtractedEntity, len(texts))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, text := range texts {
		g.Go(func() error {
			ents, err := e.Extract(ctx, text, opts)
			if err != nil {
				return err
			}
			results[i] = ents
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// MemoLen reports how many inputs are memoized.
func (e *Extractor) MemoLen() int {
	return e.memo.Len()
}

func memoKey(text string, opts ExtractOptions) string {
	prefix := text
	if len(prefix) > memoPrefixLen {
		prefix = prefix[:memoPrefixLen]
	}
	types := make([]string, len(opts.Types))
	copy(types, opts.Types)
	sort.Strings(types)
	h := md5.Sum([]byte(fmt.Sprintf("%s|%.2f|%v|%s", prefix, opts.Threshold, opts.IncludeContext, strings.Join(types, ","))))
	return hex.EncodeToString(h[:])
}

// NormalizeEntityText strips surrounding punctuation and collapses
// inner whitespace, preserving case.
func NormalizeEntityText(s string) string {
	s = strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSymbol(r) || unicode.IsSpace(r)
	})
	return strings.Join(strings.Fields(s), " ")
}

// resolveOverlaps deduplicates overlapping spans: higher confidence
// wins, ties go to the longer span. Output is sorted by start.
func resolveOverlaps(ents []ExtractedEntity) []ExtractedEntity {
	if len(ents) < 2 {
		return ents
	}

	ranked := make([]ExtractedEntity, len(ents))
	copy(ranked, ents)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Confidence != ranked[j].Confidence {
			return ranked[i].Confidence > ranked[j].Confidence
		}
		return ranked[i].End-ranked[i].Start > ranked[j].End-ranked[j].Start
	})

	var kept []ExtractedEntity
	for _, cand := range ranked {
		overlaps := false
		for _, k := range kept {
			if cand.Start < k.End && k.Start < cand.End {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, cand)
		}
	}

	sort.Slice(kept, func(i, j int) bool { return kept[i].Start < kept[j].Start })
	return kept
}

// contextWindow returns up to radius bytes of surrounding text on each
// side of [start, end), adjusted to rune boundaries, with ellipses
// marking truncation.
func contextWindow(text string, start, end, radius int) string {
	lo := start - radius
	if lo < 0 {
		lo = 0
	}
	hi := end + radius
	if hi > len(text) {
		hi = len(text)
	}
	for lo > 0 && !utf8.RuneStart(text[lo]) {
		lo--
	}
	for hi < len(text) && !utf8.RuneStart(text[hi]) {
		hi++
	}

	out := text[lo:hi]
	if lo > 0 {
		out = "..." + out
	}
	if hi < len(text) {
		out += "..."
	}
	return out
}

// --- GLiNER model client ---

type glinerClient struct {
	url    string
	client *http.Client

	probeOnce sync.Once
	alive     bool
}

func newGLiNERClient(url string) *glinerClient {
	return &glinerClient{
		url:    strings.TrimRight(url, "/"),
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

// available probes the model service once per process lifetime.
func (g *glinerClient) available(ctx context.Context) bool {
	g.probeOnce.Do(func() {
		probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, g.url+"/health", nil)
		if err != nil {
			return
		}
		resp, err := g.client.Do(req)
		if err != nil {
			return
		}
		defer func() { _ = resp.Body.Close() }()
		g.alive = resp.StatusCode == http.StatusOK
	})
	return g.alive
}

type modelEntity struct {
	Text  string  `json:"text"`
	Label string  `json:"label"`
	Start int     `json:"start"`
	End   int     `json:"end"`
	Score float64 `json:"score"`
}

func (g *glinerClient) extract(ctx context.Context, text string, types []string, threshold float64) ([]modelEntity, error) {
	body, err := json.Marshal(map[string]any{
		"text":      text,
		"labels":    types,
		"threshold": threshold,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url+"/extract", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("model request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("model returned %d", resp.StatusCode)
	}

	var out struct {
		Entities []modelEntity `json:"entities"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode model response: %w", err)
	}
	return out.Entities, nil
}

func fromModel(raw []modelEntity, threshold float64) []ExtractedEntity {
	var ents []ExtractedEntity
	for _, m := range raw {
		if m.Score < threshold || m.Text == "" {
			continue
		}
		ents = append(ents, ExtractedEntity{
			Text:       m.Text,
			EntityType: strings.ToUpper(m.Label),
			Start:      m.Start,
			End:        m.End,
			Confidence: m.Score,
			Source:     SourceGLiNER,
		})
	}
	return ents
}

// --- regex fallback ---

// regexConfidence is the fixed confidence of fallback matches.
const regexConfidence = 0.7

// honorific prefixes stripped from fallback PERSON matches.
var titlePrefix = regexp.MustCompile(`^(?:President|Prime Minister|Minister|Chancellor|Senator|Secretary|Ambassador|Governor|General|Admiral|Colonel|Dr\.?|Mr\.?|Ms\.?|Mrs\.?)\s+`)

var fallbackPatterns = map[string][]*regexp.Regexp{
	store.EntityPerson: {
		regexp.MustCompile(`(?:President|Prime Minister|Minister|Chancellor|Senator|Secretary|Ambassador|Governor|General|Admiral|Colonel)\s+([A-Z][a-z]+(?:\s+[A-Z][a-z]+)+)`),
		regexp.MustCompile(`\b[A-Z][a-z]+\s+[A-Z][a-z]+\b`),
	},
	store.EntityOrganization: {
		regexp.MustCompile(`\b(?:NATO|UN|EU|IMF|WHO|OPEC|ASEAN|OSCE|World Bank|United Nations|European Union|Red Cross)\b`),
		regexp.MustCompile(`\b[A-Z][A-Za-z]+\s+(?:Corporation|Corp|Inc|Ltd|Company|Group|Bank|University|Institute|Foundation)\b`),
	},
	store.EntityGovernmentAgency: {
		regexp.MustCompile(`\b(?:CIA|FBI|NSA|DHS|FSB|GRU|Mossad|MI6|Pentagon|Kremlin|White House|State Department|Treasury Department|Foreign Ministry|Defense Ministry)\b`),
		regexp.MustCompile(`\b(?:Ministry|Department)\s+of\s+[A-Z][a-z]+\b`),
	},
	store.EntityMilitaryUnit: {
		regexp.MustCompile(`\b\d+(?:st|nd|rd|th)\s+(?:Army|Brigade|Division|Regiment|Battalion|Fleet|Corps)\b`),
		regexp.MustCompile(`\b[A-Z][a-z]+\s+(?:Brigade|Division|Fleet|Command|Battalion)\b`),
	},
	store.EntityLocation: {
		regexp.MustCompile(`\b(?:Moscow|Washington|Beijing|Kyiv|Kiev|London|Paris|Berlin|Brussels|Tehran|Jerusalem|Taipei|Tokyo|Seoul|Pyongyang|Damascus|Baghdad|Kabul|Gaza|Crimea|Donbas|Ukraine|Russia|China|Iran|Israel|Taiwan|Syria|Yemen|Sudan|Belarus|Poland|Germany|France|Turkey|India|Pakistan)\b`),
		regexp.MustCompile(`\b[A-Z][a-z]+\s+(?:Province|Oblast|Region|Strait|Sea|Peninsula|Island)\b`),
	},
	store.EntityPoliticalParty: {
		regexp.MustCompile(`\b[A-Z][a-z]+(?:\s+[A-Z][a-z]+)?\s+Party\b`),
		regexp.MustCompile(`\b(?:Democrats|Republicans|Tories|Labour|Likud|CDU|SPD)\b`),
	},
	store.EntityEvent: {
		regexp.MustCompile(`\bOperation\s+[A-Z][a-z]+(?:\s+[A-Z][a-z]+)?\b`),
		regexp.MustCompile(`\b[A-Z][a-z]+\s+(?:Summit|Conference|Treaty|Accords|Offensive|Ceasefire)\b`),
		regexp.MustCompile(`\b(?:G7|G20|COP\d+)\s+[Ss]ummit\b`),
	},
}

// regexExtract runs the fallback patterns for the requested types.
// PERSON matches are stripped of leading honorifics so "President
// Vladimir Putin" yields the span "Vladimir Putin".
func regexExtract(text string, types []string) []ExtractedEntity {
	var ents []ExtractedEntity
	for _, typ := range types {
		for _, re := range fallbackPatterns[typ] {
			for _, loc := range re.FindAllStringSubmatchIndex(text, -1) {
				start, end := loc[0], loc[1]
				// A capture group, when present, is the entity proper.
				if len(loc) >= 4 && loc[2] >= 0 {
					start, end = loc[2], loc[3]
				}
				if typ == store.EntityPerson {
					if m := titlePrefix.FindString(text[start:end]); m != "" {
						start += len(m)
					}
				}
				if start >= end {
					continue
				}
				ents = append(ents, ExtractedEntity{
					Text:       text[start:end],
					EntityType: typ,
					Start:      start,
					End:        end,
					Confidence: regexConfidence,
					Source:     SourceRegex,
				})
			}
		}
	}
	return ents
}
