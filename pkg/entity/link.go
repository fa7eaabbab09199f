package entity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/christiancopeland/The-Pulse-sub000/pkg/observability"
)

const (
	defaultWikidataEndpoint = "https://www.wikidata.org/w/api.php"

	// Minimum spacing between outbound knowledge base calls.
	wikidataInterval = 500 * time.Millisecond

	// Retries after the first 429, waiting 500ms, 1s, 2s.
	wikidataMaxRetries = 3

	searchLimit        = 10
	typeCheckLimit     = 3
	redisKeyPrefix     = "entitylink:"
	defaultMinLinkConf = 0.5
)

var errRateLimited = errors.New("knowledge base rate limited")

// LinkedEntity is a resolved knowledge base record for an entity
// string.
type LinkedEntity struct {
	OriginalText string            `json:"original_text"`
	CanonicalID  string            `json:"canonical_id"`
	Label        string            `json:"label"`
	Description  string            `json:"description"`
	EntityType   string            `json:"entity_type,omitempty"`
	Aliases      []string          `json:"aliases,omitempty"`
	Properties   map[string]string `json:"properties,omitempty"`
	Confidence   float64           `json:"confidence"`
	ExternalURL  string            `json:"external_url,omitempty"`
	LinkedAt     time.Time         `json:"linked_at"`
}

// propertyWhitelist maps the Wikidata properties we keep to their
// stored names.
var propertyWhitelist = map[string]string{
	"P31":  "instance_of",
	"P17":  "country",
	"P625": "coordinates",
	"P571": "inception",
	"P856": "official_website",
	"P159": "headquarters",
}

// typeKeywords is the cheap description filter per entity type.
var typeKeywords = map[string][]string{
	"PERSON":            {"politician", "president", "minister", "diplomat", "general", "officer", "journalist", "economist", "scientist", "activist", "leader", "businessman", "human", "person"},
	"ORGANIZATION":      {"organization", "organisation", "company", "corporation", "alliance", "institution", "manufacturer", "bank", "university", "group", "union"},
	"GOVERNMENT_AGENCY": {"agency", "ministry", "department", "government", "intelligence", "bureau"},
	"MILITARY_UNIT":     {"military", "army", "brigade", "division", "regiment", "fleet", "battalion", "corps", "forces"},
	"LOCATION":          {"country", "city", "capital", "region", "state", "province", "territory", "island", "sea", "strait", "oblast"},
	"POLITICAL_PARTY":   {"political party", "party"},
	"EVENT":             {"war", "conflict", "battle", "summit", "treaty", "operation", "election", "crisis", "event"},
}

// typeInstanceOf is the expensive P31 filter per entity type. A
// candidate is excluded only on a definite mismatch: no P31 claims
// means indeterminate and the candidate survives.
var typeInstanceOf = map[string][]string{
	"PERSON":            {"Q5"},
	"ORGANIZATION":      {"Q43229", "Q4830453", "Q891723", "Q484652"},
	"GOVERNMENT_AGENCY": {"Q327333", "Q2659904", "Q7188", "Q43229"},
	"MILITARY_UNIT":     {"Q176799", "Q17149090"},
	"LOCATION":          {"Q515", "Q6256", "Q3624078", "Q82794", "Q1048835", "Q35657"},
	"POLITICAL_PARTY":   {"Q7278"},
	"EVENT":             {"Q1656682", "Q198", "Q180684"},
}

// Linker resolves entity strings to Wikidata identifiers behind a
// two-tier cache, a politeness rate limit, and a circuit breaker.
type Linker struct {
	endpoint  string
	userAgent string
	client    *http.Client
	limiter   *rate.Limiter
	breaker   *gobreaker.CircuitBreaker
	rdb       *redis.Client
	l1        *linkCache
	obs       *observability.Provider
	logger    *slog.Logger
}

// LinkerOptions configures a Linker. Redis and Obs may be nil.
type LinkerOptions struct {
	Endpoint  string
	UserAgent string
	Redis     *redis.Client
	Obs       *observability.Provider
	Logger    *slog.Logger
}

// NewLinker creates a linker with an empty L1 cache.
func NewLinker(opts LinkerOptions) *Linker {
	if opts.Endpoint == "" {
		opts.Endpoint = defaultWikidataEndpoint
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "ThePulse/1.0 (personal research aggregator)"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Linker{
		endpoint:  opts.Endpoint,
		userAgent: opts.UserAgent,
		client:    &http.Client{Timeout: 30 * time.Second},
		limiter:   rate.NewLimiter(rate.Every(wikidataInterval), 1),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "wikidata",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		rdb:    opts.Redis,
		l1:     newLinkCache(linkCacheCap, linkCacheTTL),
		obs:    opts.Obs,
		logger: logger.With("component", "linker"),
	}
}

// L1Len reports the in-process cache size.
func (l *Linker) L1Len() int {
	return l.l1.len()
}

// Link resolves text to a knowledge base record. A nil result with a
// nil error is a miss: no candidate met minConfidence, or the upstream
// declined to answer. Cached hits never touch the network.
func (l *Linker) Link(ctx context.Context, text, expectedType string, minConfidence float64) (*LinkedEntity, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	if minConfidence <= 0 {
		minConfidence = defaultMinLinkConf
	}

	key := cacheKey(text, expectedType)
	if hit, ok := l.l1.get(key); ok {
		l.record(ctx, "cache_hit")
		return hit, nil
	}
	if hit := l.l2Get(ctx, key); hit != nil {
		l.l1.put(key, hit)
		l.record(ctx, "cache_hit")
		return hit, nil
	}

	candidates, err := l.search(ctx, text)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		l.record(ctx, "error")
		l.logger.Warn("knowledge base search failed", "text", text, "error", err)
		return nil, nil
	}
	if len(candidates) == 0 {
		l.record(ctx, "miss")
		return nil, nil
	}

	top, detail := l.pickCandidate(ctx, candidates, expectedType)
	if top == nil {
		l.record(ctx, "miss")
		return nil, nil
	}

	conf := matchConfidence(text, top.Label)
	if conf < minConfidence {
		l.record(ctx, "miss")
		return nil, nil
	}

	if detail == nil {
		detail, err = l.fetchEntity(ctx, top.ID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			l.record(ctx, "error")
			l.logger.Warn("knowledge base detail fetch failed", "id", top.ID, "error", err)
			return nil, nil
		}
	}

	linked := buildLinked(text, top, detail, expectedType, conf)
	l.l1.put(key, linked)
	l.l2Put(ctx, key, linked)
	l.record(ctx, "linked")
	return linked, nil
}

func (l *Linker) record(ctx context.Context, outcome string) {
	if l.obs != nil {
		l.obs.RecordLinkerRequest(ctx, outcome)
	}
}

func (l *Linker) l2Get(ctx context.Context, key string) *LinkedEntity {
	if l.rdb == nil {
		return nil
	}
	data, err := l.rdb.Get(ctx, redisKeyPrefix+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			l.logger.Warn("link cache read failed", "error", err)
		}
		return nil
	}
	var linked LinkedEntity
	if err := json.Unmarshal(data, &linked); err != nil {
		return nil
	}
	return &linked
}

func (l *Linker) l2Put(ctx context.Context, key string, linked *LinkedEntity) {
	if l.rdb == nil {
		return
	}
	data, err := json.Marshal(linked)
	if err != nil {
		return
	}
	if err := l.rdb.Set(ctx, redisKeyPrefix+key, data, linkCacheTTL).Err(); err != nil {
		l.logger.Warn("link cache write failed", "error", err)
	}
}

// pickCandidate applies the cheap description filter, then the
// expensive instance-of check on up to three survivors. It returns the
// winning candidate and, when the type check already fetched it, the
// candidate's detail record.
func (l *Linker) pickCandidate(ctx context.Context, candidates []wbSearchHit, expectedType string) (*wbSearchHit, *wbEntity) {
	if expectedType == "" {
		return &candidates[0], nil
	}

	keywords := typeKeywords[expectedType]
	var survivors []wbSearchHit
	for _, c := range candidates {
		if c.Description == "" || containsAny(strings.ToLower(c.Description), keywords) {
			survivors = append(survivors, c)
		}
	}
	if len(survivors) == 0 {
		return nil, nil
	}
	if len(survivors) > typeCheckLimit {
		survivors = survivors[:typeCheckLimit]
	}

	wanted := typeInstanceOf[expectedType]
	for i := range survivors {
		detail, err := l.fetchEntity(ctx, survivors[i].ID)
		if err != nil {
			l.logger.Warn("type check fetch failed", "id", survivors[i].ID, "error", err)
			continue
		}
		if instanceOfMatches(detail, wanted) {
			return &survivors[i], detail
		}
	}
	return nil, nil
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// instanceOfMatches reports whether the entity's P31 claims intersect
// the wanted set. Entities without P31 claims pass: absence is
// indeterminate, not a mismatch.
func instanceOfMatches(e *wbEntity, wanted []string) bool {
	claims := e.Claims["P31"]
	if len(claims) == 0 {
		return true
	}
	for _, c := range claims {
		id := claimEntityID(c)
		for _, w := range wanted {
			if id == w {
				return true
			}
		}
	}
	return false
}

// matchConfidence scores how well the candidate label matches the
// query: exact 0.95, containment 0.85, else Jaccard word overlap
// mapped onto [0.5, 0.9].
func matchConfidence(text, label string) float64 {
	a := strings.ToLower(strings.TrimSpace(text))
	b := strings.ToLower(strings.TrimSpace(label))
	if a == b {
		return 0.95
	}
	if strings.Contains(a, b) || strings.Contains(b, a) {
		return 0.85
	}
	return 0.5 + 0.4*jaccard(strings.Fields(a), strings.Fields(b))
}

func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	set := make(map[string]int, len(a))
	for _, w := range a {
		set[w] |= 1
	}
	for _, w := range b {
		set[w] |= 2
	}
	var inter, union int
	for _, bits := range set {
		union++
		if bits == 3 {
			inter++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func buildLinked(text string, hit *wbSearchHit, detail *wbEntity, expectedType string, conf float64) *LinkedEntity {
	linked := &LinkedEntity{
		OriginalText: text,
		CanonicalID:  hit.ID,
		Label:        hit.Label,
		Description:  hit.Description,
		EntityType:   expectedType,
		Confidence:   conf,
		ExternalURL:  "https://www.wikidata.org/wiki/" + hit.ID,
		LinkedAt:     time.Now().UTC(),
	}
	if detail == nil {
		return linked
	}

	if linked.Label == "" {
		linked.Label = detail.Labels["en"].Value
	}
	if linked.Description == "" {
		linked.Description = detail.Descriptions["en"].Value
	}
	for _, alias := range detail.Aliases["en"] {
		linked.Aliases = append(linked.Aliases, alias.Value)
		if len(linked.Aliases) == 10 {
			break
		}
	}
	if sl, ok := detail.Sitelinks["enwiki"]; ok && sl.URL != "" {
		linked.ExternalURL = sl.URL
	}

	props := make(map[string]string)
	for pid, name := range propertyWhitelist {
		claims := detail.Claims[pid]
		if len(claims) == 0 {
			continue
		}
		if v := claimValueString(claims[0]); v != "" {
			props[name] = v
		}
	}
	if len(props) > 0 {
		linked.Properties = props
	}
	return linked
}

// --- Wikidata wire types ---

type wbSearchHit struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description"`
}

type wbText struct {
	Value string `json:"value"`
}

type wbSitelink struct {
	URL string `json:"url"`
}

type wbSnakValue struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

type wbClaim struct {
	Mainsnak struct {
		Datavalue wbSnakValue `json:"datavalue"`
	} `json:"mainsnak"`
}

type wbEntity struct {
	Claims       map[string][]wbClaim  `json:"claims"`
	Labels       map[string]wbText     `json:"labels"`
	Descriptions map[string]wbText     `json:"descriptions"`
	Aliases      map[string][]wbText   `json:"aliases"`
	Sitelinks    map[string]wbSitelink `json:"sitelinks"`
}

func claimEntityID(c wbClaim) string {
	if c.Mainsnak.Datavalue.Type != "wikibase-entityid" {
		return ""
	}
	var v struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(c.Mainsnak.Datavalue.Value, &v); err != nil {
		return ""
	}
	return v.ID
}

func claimValueString(c wbClaim) string {
	dv := c.Mainsnak.Datavalue
	switch dv.Type {
	case "wikibase-entityid":
		return claimEntityID(c)
	case "time":
		var v struct {
			Time string `json:"time"`
		}
		if json.Unmarshal(dv.Value, &v) == nil {
			return v.Time
		}
	case "globecoordinate":
		var v struct {
			Latitude  float64 `json:"latitude"`
			Longitude float64 `json:"longitude"`
		}
		if json.Unmarshal(dv.Value, &v) == nil {
			return fmt.Sprintf("%.4f,%.4f", v.Latitude, v.Longitude)
		}
	case "string":
		var s string
		if json.Unmarshal(dv.Value, &s) == nil {
			return s
		}
	}
	return ""
}

// --- outbound calls ---

func (l *Linker) search(ctx context.Context, text string) ([]wbSearchHit, error) {
	q := url.Values{
		"action":   {"wbsearchentities"},
		"format":   {"json"},
		"language": {"en"},
		"type":     {"item"},
		"limit":    {fmt.Sprint(searchLimit)},
		"search":   {text},
	}
	body, err := l.fetch(ctx, q)
	if err != nil {
		return nil, err
	}
	var out struct {
		Search []wbSearchHit `json:"search"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	return out.Search, nil
}

func (l *Linker) fetchEntity(ctx context.Context, id string) (*wbEntity, error) {
	q := url.Values{
		"action":    {"wbgetentities"},
		"format":    {"json"},
		"ids":       {id},
		"languages": {"en"},
		"props":     {"claims|labels|descriptions|aliases|sitelinks/urls"},
	}
	body, err := l.fetch(ctx, q)
	if err != nil {
		return nil, err
	}
	var out struct {
		Entities map[string]wbEntity `json:"entities"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode entity response: %w", err)
	}
	e, ok := out.Entities[id]
	if !ok {
		return nil, fmt.Errorf("entity %s absent from response", id)
	}
	return &e, nil
}

// fetch performs one rate-limited GET through the circuit breaker,
// retrying 429s with exponential backoff. Any other non-2xx status is
// a terminal error for the call.
func (l *Linker) fetch(ctx context.Context, q url.Values) ([]byte, error) {
	op := func() ([]byte, error) {
		if err := l.limiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(err)
		}

		res, err := l.breaker.Execute(func() (any, error) {
			return l.doGet(ctx, q)
		})
		if err != nil {
			if errors.Is(err, errRateLimited) {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return res.([]byte), nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = wikidataInterval
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0

	var body []byte
	err := backoff.Retry(func() error {
		var opErr error
		body, opErr = op()
		return opErr
	}, backoff.WithContext(backoff.WithMaxRetries(bo, wikidataMaxRetries), ctx))
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (l *Linker) doGet(ctx context.Context, q url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", l.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, errRateLimited
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("knowledge base returned %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 4<<20))
}
