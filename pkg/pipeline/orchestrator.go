package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/christiancopeland/The-Pulse-sub000/pkg/bus"
	"github.com/christiancopeland/The-Pulse-sub000/pkg/config"
	"github.com/christiancopeland/The-Pulse-sub000/pkg/entity"
	"github.com/christiancopeland/The-Pulse-sub000/pkg/observability"
	"github.com/christiancopeland/The-Pulse-sub000/pkg/store"
)

// mentionRadius is the context captured on each side of a mention.
const mentionRadius = 200

const defaultBatchLimit = 50

// Options controls one pipeline run.
type Options struct {
	Limit          int
	SkipValidation bool
	SkipEmbedding  bool
	Strict         bool
	UserID         string
}

// ProcessingStats summarizes one pipeline run.
type ProcessingStats struct {
	Total             int   `json:"total"`
	Validated         int   `json:"validated"`
	ValidationFailed  int   `json:"validation_failed"`
	Ranked            int   `json:"ranked"`
	MentionsCreated   int   `json:"mentions_created"`
	ItemsWithEntities int   `json:"items_with_entities"`
	Relationships     int   `json:"relationships"`
	Embedded          int   `json:"embedded"`
	EmbedFailed       int   `json:"embed_failed"`
	Failed            int   `json:"failed"`
	ElapsedMS         int64 `json:"elapsed_ms"`
}

// Orchestrator drives the five stages over batches of unprocessed
// items. Stage failures are contained per item: one bad item never
// stops the batch.
type Orchestrator struct {
	store    *store.Store
	bus      *bus.Bus
	ranker   *Ranker
	detector *entity.RelationshipDetector
	embedder *ItemEmbedder
	obs      *observability.Provider
	logger   *slog.Logger

	embedConcurrency int
	userID           string
}

// OrchestratorConfig wires an Orchestrator. Embedder and Obs may be
// nil; a nil Sources falls back to the built-in registry.
type OrchestratorConfig struct {
	Store            *store.Store
	Bus              *bus.Bus
	Sources          *config.Sources
	Embedder         *ItemEmbedder
	Obs              *observability.Provider
	Logger           *slog.Logger
	EmbedConcurrency int
	UserID           string
}

// NewOrchestrator creates the pipeline driver.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	concurrency := cfg.EmbedConcurrency
	if concurrency <= 0 {
		concurrency = defaultEmbedConcurrency
	}
	return &Orchestrator{
		store:            cfg.Store,
		bus:              cfg.Bus,
		ranker:           NewRanker(cfg.Sources),
		detector:         entity.NewRelationshipDetector(),
		embedder:         cfg.Embedder,
		obs:              cfg.Obs,
		logger:           logger.With("component", "pipeline"),
		embedConcurrency: concurrency,
		userID:           cfg.UserID,
	}
}

// Process runs the five stages over up to Limit pending items and
// returns the batch statistics. An error is returned only for
// conditions that invalidate the whole batch, such as the store being
// unreachable.
func (o *Orchestrator) Process(ctx context.Context, opts Options) (stats *ProcessingStats, err error) {
	if opts.Limit <= 0 {
		opts.Limit = defaultBatchLimit
	}
	userID := opts.UserID
	if userID == "" {
		userID = o.userID
	}

	if o.obs != nil {
		var done func(error)
		ctx, done = o.obs.TrackOperation(ctx, "process_batch")
		defer func() { done(err) }()
	}

	start := time.Now()
	stats = &ProcessingStats{}

	items, err := o.store.GetUnprocessed(ctx, opts.Limit)
	if err != nil {
		return nil, fmt.Errorf("load pending items: %w", err)
	}
	stats.Total = len(items)

	o.bus.Emit(bus.ProcessingStarted, "pipeline", map[string]any{"items": len(items)})
	if len(items) == 0 {
		o.bus.Emit(bus.ProcessingCompleted, "pipeline", map[string]any{"items": 0})
		return stats, nil
	}

	// Stage 1: validation.
	valid := items
	if !opts.SkipValidation {
		validator := NewValidator(opts.Strict)
		valid = make([]*store.NewsItem, 0, len(items))
		var rejected []string
		for _, item := range items {
			res := validator.Validate(item)
			if !res.Valid {
				stats.ValidationFailed++
				rejected = append(rejected, item.ID)
				o.logger.Debug("item failed validation",
					"item", item.ID, "score", res.Score, "issues", len(res.Issues))
				continue
			}
			valid = append(valid, item)
		}
		if len(rejected) > 0 {
			if merr := o.store.MarkProcessed(ctx, rejected, store.ProcessedFailed); merr != nil {
				o.logger.Error("failed to mark rejected items", "error", merr)
			}
		}
	}
	stats.Validated = len(valid)
	o.progress("validate", map[string]any{
		"passed": stats.Validated, "failed": stats.ValidationFailed,
	})

	tracked, err := o.store.ListEntities(ctx, userID)
	if err != nil {
		o.logger.Warn("could not load tracked entities", "error", err)
		tracked = nil
	}
	names := make([]string, 0, len(tracked))
	for _, e := range tracked {
		names = append(names, e.NameLower)
	}

	// Stage 2: ranking.
	scores := make(map[string]float64, len(valid))
	for _, item := range valid {
		res := o.ranker.Rank(item, names)
		item.RelevanceScore = res.Score
		scores[item.ID] = res.Score
	}
	if serr := o.store.ApplyScores(ctx, scores); serr != nil {
		o.logger.Error("failed to persist relevance scores", "error", serr)
	} else {
		stats.Ranked = len(scores)
	}
	o.progress("rank", map[string]any{"ranked": stats.Ranked})

	// Stage 3: mention extraction.
	failed := make(map[string]bool)
	matchers := buildMatchers(tracked)
	itemEntities := make(map[string][]*store.TrackedEntity)
	for _, item := range valid {
		count, matched, merr := o.extractMentions(ctx, item, tracked, matchers, userID)
		stats.MentionsCreated += count
		if merr != nil {
			stats.Failed++
			failed[item.ID] = true
			o.logger.Warn("mention extraction failed", "item", item.ID, "error", merr)
			continue
		}
		if len(matched) > 0 {
			itemEntities[item.ID] = matched
			stats.ItemsWithEntities++
		}
	}
	o.progress("extract", map[string]any{
		"mentions": stats.MentionsCreated, "items_with_entities": stats.ItemsWithEntities,
	})

	// Stage 4: relationship detection.
	for _, item := range valid {
		if failed[item.ID] {
			continue
		}
		matched := itemEntities[item.ID]
		if len(matched) < 2 {
			continue
		}
		n, rerr := o.detectRelationships(ctx, item, matched, userID)
		stats.Relationships += n
		if rerr != nil {
			o.logger.Warn("relationship detection failed", "item", item.ID, "error", rerr)
		}
	}
	o.progress("relate", map[string]any{"relationships": stats.Relationships})

	// Stage 5: embedding.
	if !opts.SkipEmbedding && o.embedder != nil {
		if !o.embedder.Available(ctx) {
			o.logger.Warn("embedding model unavailable, skipping embed stage")
		} else {
			var candidates []*store.NewsItem
			for _, item := range valid {
				if !failed[item.ID] && item.BodyText() != "" {
					candidates = append(candidates, item)
				}
			}
			for _, res := range o.embedder.EmbedBatch(ctx, candidates, o.embedConcurrency) {
				if res.Success {
					stats.Embedded++
				} else {
					stats.EmbedFailed++
					o.logger.Warn("embedding failed", "item", res.ItemID, "error", res.Error)
				}
			}
		}
	}
	o.progress("embed", map[string]any{
		"embedded": stats.Embedded, "failed": stats.EmbedFailed,
	})

	// Terminal states.
	var doneIDs, failedIDs []string
	for _, item := range valid {
		if failed[item.ID] {
			failedIDs = append(failedIDs, item.ID)
		} else {
			doneIDs = append(doneIDs, item.ID)
		}
	}
	if merr := o.store.MarkProcessed(ctx, failedIDs, store.ProcessedFailed); merr != nil {
		o.logger.Error("failed to mark failed items", "error", merr)
	}
	if merr := o.store.MarkProcessed(ctx, doneIDs, store.ProcessedDone); merr != nil {
		return stats, fmt.Errorf("mark processed: %w", merr)
	}

	stats.ElapsedMS = time.Since(start).Milliseconds()
	if o.obs != nil {
		o.obs.RecordPipelineBatch(ctx, len(doneIDs), stats.Failed+stats.ValidationFailed)
	}
	o.bus.Emit(bus.ProcessingCompleted, "pipeline", map[string]any{
		"total":             stats.Total,
		"validated":         stats.Validated,
		"validation_failed": stats.ValidationFailed,
		"mentions":          stats.MentionsCreated,
		"relationships":     stats.Relationships,
		"embedded":          stats.Embedded,
		"failed":            stats.Failed,
		"elapsed_ms":        stats.ElapsedMS,
	})
	o.logger.Info("pipeline batch completed",
		"total", stats.Total, "validated", stats.Validated,
		"mentions", stats.MentionsCreated, "relationships", stats.Relationships,
		"embedded", stats.Embedded, "elapsed_ms", stats.ElapsedMS)
	return stats, nil
}

func (o *Orchestrator) progress(stage string, payload map[string]any) {
	payload["stage"] = stage
	o.bus.Emit(bus.ProcessingProgress, "pipeline", payload)
}

// extractMentions records one mention per occurrence of each tracked
// entity in the item text, with surrounding context.
func (o *Orchestrator) extractMentions(
	ctx context.Context,
	item *store.NewsItem,
	tracked []*store.TrackedEntity,
	matchers map[string]*regexp.Regexp,
	userID string,
) (int, []*store.TrackedEntity, error) {
	text := item.Title + "\n" + item.Content + "\n" + item.Summary

	seenAt := item.PublishedAt
	if seenAt.IsZero() {
		seenAt = item.CollectedAt
	}

	count := 0
	var matched []*store.TrackedEntity
	for _, ent := range tracked {
		re := matchers[ent.EntityID]
		if re == nil {
			continue
		}
		locs := re.FindAllStringIndex(text, -1)
		if len(locs) == 0 {
			continue
		}
		matched = append(matched, ent)

		for _, loc := range locs {
			m := &store.EntityMention{
				EntityID:   ent.EntityID,
				NewsItemID: item.ID,
				UserID:     userID,
				Context:    surrounding(text, loc[0], loc[1], mentionRadius),
				Timestamp:  seenAt,
			}
			if err := o.store.InsertMention(ctx, m); err != nil {
				return count, matched, err
			}
			count++
		}

		if err := o.store.TouchEntitySeen(ctx, ent.EntityID, seenAt); err != nil {
			o.logger.Debug("could not update entity seen window", "entity", ent.EntityID, "error", err)
		}
	}

	if len(matched) > 0 {
		o.bus.Emit(bus.EntityMention, "pipeline", map[string]any{
			"item_id":  item.ID,
			"entities": len(matched),
			"mentions": count,
		})
	}
	return count, matched, nil
}

// detectRelationships runs the detector over the item text and
// upserts an edge per candidate pair.
func (o *Orchestrator) detectRelationships(
	ctx context.Context,
	item *store.NewsItem,
	matched []*store.TrackedEntity,
	userID string,
) (int, error) {
	text := item.Title + ". " + item.Content + " " + item.Summary

	byName := make(map[string]string, len(matched))
	ents := make([]entity.ExtractedEntity, 0, len(matched))
	for _, e := range matched {
		byName[e.NameLower] = e.EntityID
		ents = append(ents, entity.ExtractedEntity{
			Text:       e.Name,
			Normalized: e.NameLower,
			EntityType: e.EntityType,
			Confidence: 1.0,
		})
	}

	count := 0
	for _, cand := range o.detector.Detect(text, ents) {
		srcID := byName[strings.ToLower(cand.Source.Normalized)]
		tgtID := byName[strings.ToLower(cand.Target.Normalized)]
		if srcID == "" || tgtID == "" || srcID == tgtID {
			continue
		}
		rel := &store.EntityRelationship{
			SourceEntityID:   srcID,
			TargetEntityID:   tgtID,
			RelationshipType: cand.Type,
			Description:      cand.Sentence,
			Confidence:       cand.Confidence,
			UserID:           userID,
		}
		if err := o.store.UpsertRelationship(ctx, rel); err != nil {
			if errors.Is(err, store.ErrSelfRelationship) {
				continue
			}
			return count, err
		}
		count++
	}
	return count, nil
}

// buildMatchers compiles one case-insensitive matcher per tracked
// entity name. The \b assertion only fires at an ASCII \w↔\W
// transition, so it is applied per edge: names ending in symbols
// ("C++", ".NET") or written in non-Latin scripts would otherwise
// never match.
func buildMatchers(tracked []*store.TrackedEntity) map[string]*regexp.Regexp {
	matchers := make(map[string]*regexp.Regexp, len(tracked))
	for _, e := range tracked {
		if e.NameLower == "" {
			continue
		}
		pat := `(?i)`
		if isWordRune(firstRune(e.NameLower)) {
			pat += `\b`
		}
		pat += regexp.QuoteMeta(e.NameLower)
		if isWordRune(lastRune(e.NameLower)) {
			pat += `\b`
		}
		re, err := regexp.Compile(pat)
		if err != nil {
			continue
		}
		matchers[e.EntityID] = re
	}
	return matchers
}

// isWordRune mirrors the regexp \w class: [0-9A-Za-z_].
func isWordRune(r rune) bool {
	return r == '_' ||
		(r >= '0' && r <= '9') ||
		(r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z')
}

func firstRune(s string) rune {
	r, _ := utf8.DecodeRuneInString(s)
	return r
}

func lastRune(s string) rune {
	r, _ := utf8.DecodeLastRuneInString(s)
	return r
}

// surrounding returns up to radius bytes of context on each side of
// the span, adjusted to rune boundaries.
func surrounding(text string, start, end, radius int) string {
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
	return text[lo:hi]
}
