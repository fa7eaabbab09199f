// Package service is the ingress facade: every operation an API layer
// or the CLI can invoke goes through App, which owns references to the
// scheduler, pipeline, extraction queue, and stores. Components are
// constructed once at startup and passed in explicitly.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/christiancopeland/The-Pulse-sub000/pkg/bus"
	"github.com/christiancopeland/The-Pulse-sub000/pkg/collect"
	"github.com/christiancopeland/The-Pulse-sub000/pkg/entity"
	"github.com/christiancopeland/The-Pulse-sub000/pkg/observability"
	"github.com/christiancopeland/The-Pulse-sub000/pkg/pipeline"
	"github.com/christiancopeland/The-Pulse-sub000/pkg/store"
	"github.com/christiancopeland/The-Pulse-sub000/pkg/trend"
)

const (
	defaultExtractionLimit  = 20
	defaultLinkConfidence   = 0.5
	queuedExtractionTimeout = 10 * time.Minute
	statusActivityWindow    = 24 * time.Hour
)

// App exposes the platform's ingress operations.
type App struct {
	store     *store.Store
	bus       *bus.Bus
	scheduler *collect.Scheduler
	orch      *pipeline.Orchestrator
	embedder  *pipeline.ItemEmbedder
	extractor *entity.Extractor
	linker    *entity.Linker
	queue     *entity.QueueManager
	trends    *trend.Service
	obs       *observability.Provider
	logger    *slog.Logger
	userID    string
}

// AppConfig wires an App. Embedder, Extractor, Linker, Trends, and Obs
// are optional; the corresponding operations degrade or report
// unavailable.
type AppConfig struct {
	Store     *store.Store
	Bus       *bus.Bus
	Scheduler *collect.Scheduler
	Orch      *pipeline.Orchestrator
	Embedder  *pipeline.ItemEmbedder
	Extractor *entity.Extractor
	Linker    *entity.Linker
	Queue     *entity.QueueManager
	Trends    *trend.Service
	Obs       *observability.Provider
	Logger    *slog.Logger
	UserID    string
}

func New(cfg AppConfig) *App {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	queue := cfg.Queue
	if queue == nil {
		queue = entity.NewQueueManager(0)
	}
	return &App{
		store:     cfg.Store,
		bus:       cfg.Bus,
		scheduler: cfg.Scheduler,
		orch:      cfg.Orch,
		embedder:  cfg.Embedder,
		extractor: cfg.Extractor,
		linker:    cfg.Linker,
		queue:     queue,
		trends:    cfg.Trends,
		obs:       cfg.Obs,
		logger:    logger.With("component", "service"),
		userID:    cfg.UserID,
	}
}

// CollectionTrigger describes a manual collection request's outcome.
type CollectionTrigger struct {
	Triggered []string             `json:"triggered"`
	Run       *store.CollectionRun `json:"run,omitempty"`
	Summary   *collect.RunSummary  `json:"summary,omitempty"`
}

// TriggerCollection runs one named collector, or all of them when name
// is empty.
func (a *App) TriggerCollection(ctx context.Context, name string) (*CollectionTrigger, error) {
	if name != "" {
		run, err := a.scheduler.RunCollectorNow(ctx, name)
		if err != nil {
			return nil, err
		}
		return &CollectionTrigger{Triggered: []string{name}, Run: run}, nil
	}

	status := a.scheduler.Status()
	names := make([]string, 0, len(status))
	for n := range status {
		names = append(names, n)
	}
	summary := a.scheduler.RunAllNow(ctx)
	return &CollectionTrigger{Triggered: names, Summary: &summary}, nil
}

// TriggerProcessing runs the pipeline over pending items.
func (a *App) TriggerProcessing(ctx context.Context, opts pipeline.Options) (*pipeline.ProcessingStats, error) {
	if opts.UserID == "" {
		opts.UserID = a.userID
	}
	return a.orch.Process(ctx, opts)
}

// SearchSimilar performs semantic search across embedded items.
func (a *App) SearchSimilar(ctx context.Context, query string, limit int, sourceType string) ([]store.SearchResult, error) {
	if a.embedder == nil {
		return nil, errors.New("semantic search unavailable: no embedder configured")
	}
	return a.embedder.SearchSimilar(ctx, query, limit, store.SearchFilters{SourceType: sourceType})
}

// Trends evaluates the indicator snapshot over the default windows.
func (a *App) Trends(ctx context.Context, periodDays, baselineDays int) (*trend.Snapshot, error) {
	if a.trends == nil {
		return nil, errors.New("trend service not configured")
	}
	return a.trends.Snapshot(ctx, periodDays, baselineDays)
}

// SystemStatus is the full telemetry snapshot.
type SystemStatus struct {
	Time             time.Time                          `json:"time"`
	SchedulerRunning bool                               `json:"scheduler_running"`
	Collectors       map[string]collect.CollectorStatus `json:"collectors"`
	ExtractionQueue  entity.QueueStatus                 `json:"extraction_queue"`
	BusSubscribers   int                                `json:"bus_subscribers"`
	ItemsLast24h     int                                `json:"items_last_24h"`
	PendingItems     int                                `json:"pending_items"`
}

// Status reports scheduler, queue, and ingestion telemetry.
func (a *App) Status(ctx context.Context) (*SystemStatus, error) {
	st := &SystemStatus{
		Time:             time.Now().UTC(),
		SchedulerRunning: a.scheduler.Running(),
		Collectors:       a.scheduler.Status(),
		ExtractionQueue:  a.queue.Status(),
		BusSubscribers:   a.bus.SubscriberCount(),
	}

	if n, err := a.store.CountItemsSince(ctx, st.Time.Add(-statusActivityWindow), nil, nil); err != nil {
		a.logger.Warn("item count query failed", "error", err)
	} else {
		st.ItemsLast24h = n
	}
	if pending, err := a.store.CountUnprocessed(ctx); err != nil {
		a.logger.Warn("pending count query failed", "error", err)
	} else {
		st.PendingItems = pending
	}
	return st, nil
}

// HealthReport is the condensed liveness view.
type HealthReport struct {
	Status     string            `json:"status"`
	Database   string            `json:"database"`
	NERModel   string            `json:"ner_model"`
	Embeddings string            `json:"embeddings"`
	Collectors map[string]string `json:"collectors"`
}

// Health probes the database and model backends and rolls collector
// health into one overall verdict.
func (a *App) Health(ctx context.Context) *HealthReport {
	rep := &HealthReport{
		Status:     collect.HealthHealthy,
		Database:   "ok",
		NERModel:   "unavailable",
		Embeddings: "unavailable",
		Collectors: make(map[string]string),
	}

	if err := a.store.DB().PingContext(ctx); err != nil {
		rep.Database = "error: " + err.Error()
		rep.Status = collect.HealthUnhealthy
	}

	if a.extractor != nil && a.extractor.ModelAvailable(ctx) {
		rep.NERModel = "ok"
	}
	if a.embedder != nil && a.embedder.Available(ctx) {
		rep.Embeddings = "ok"
	}

	degraded := false
	for name, cs := range a.scheduler.Status() {
		rep.Collectors[name] = cs.Health
		if cs.Health != collect.HealthHealthy {
			degraded = true
		}
	}
	if degraded && rep.Status == collect.HealthHealthy {
		rep.Status = collect.HealthDegraded
	}
	return rep
}

// ExtractionRequest selects items for a heavyweight NER and linking
// batch. Explicit ItemIDs win over Limit; with neither, the most
// recently collected items are used.
type ExtractionRequest struct {
	ItemIDs       []string `json:"item_ids,omitempty"`
	Limit         int      `json:"limit,omitempty"`
	Types         []string `json:"types,omitempty"`
	LinkEntities  bool     `json:"link_entities"`
	MinConfidence float64  `json:"min_confidence,omitempty"`
	UserID        string   `json:"user_id,omitempty"`
}

func (r ExtractionRequest) validate() error {
	if r.Limit < 0 {
		return errors.New("limit must be non-negative")
	}
	if r.MinConfidence < 0 || r.MinConfidence > 1 {
		return errors.New("min_confidence must be within [0,1]")
	}
	for _, id := range r.ItemIDs {
		if strings.TrimSpace(id) == "" {
			return errors.New("item_ids must not contain empty ids")
		}
	}
	return nil
}

// ExtractionStats summarizes one extraction batch.
type ExtractionStats struct {
	Items    int `json:"items"`
	Entities int `json:"entities"`
	Mentions int `json:"mentions"`
	Linked   int `json:"linked"`
	Merged   int `json:"merged"`
}

// ExtractionResponse carries an HTTP-equivalent code: 200 completed,
// 202 queued behind the active task, 400 invalid input, 500 failure.
type ExtractionResponse struct {
	Code          int              `json:"code"`
	RequestID     string           `json:"request_id,omitempty"`
	QueuePosition int              `json:"queue_position,omitempty"`
	Stats         *ExtractionStats `json:"stats,omitempty"`
	Error         string           `json:"error,omitempty"`
}

// SubmitExtraction validates and runs an extraction batch. When the
// slot is free the batch runs inline and the response reports its
// stats; when another batch holds the slot, the work is queued on a
// background goroutine and the response reports the queue position.
func (a *App) SubmitExtraction(ctx context.Context, req ExtractionRequest) *ExtractionResponse {
	if a.extractor == nil {
		return &ExtractionResponse{Code: http.StatusInternalServerError, Error: "extractor not configured"}
	}
	if err := req.validate(); err != nil {
		return &ExtractionResponse{Code: http.StatusBadRequest, Error: err.Error()}
	}

	items, err := a.loadExtractionItems(ctx, req)
	if err != nil {
		if errors.Is(err, errUnknownItem) {
			return &ExtractionResponse{Code: http.StatusBadRequest, Error: err.Error()}
		}
		return &ExtractionResponse{Code: http.StatusInternalServerError, Error: err.Error()}
	}

	if a.queue.Status().IsActive {
		pos := a.queue.QueuePosition() + 1
		go a.queuedExtraction(req, items)
		return &ExtractionResponse{Code: http.StatusAccepted, QueuePosition: pos}
	}

	task, err := a.queue.AcquireSlot(ctx)
	if err != nil {
		return &ExtractionResponse{Code: http.StatusInternalServerError, Error: err.Error()}
	}
	stats, err := a.runExtraction(ctx, task, req, items)
	if err != nil {
		a.queue.ReleaseSlot(task, false, err.Error())
		return &ExtractionResponse{Code: http.StatusInternalServerError, RequestID: task.RequestID, Error: err.Error()}
	}
	a.queue.ReleaseSlot(task, true, "")
	return &ExtractionResponse{Code: http.StatusOK, RequestID: task.RequestID, Stats: stats}
}

// queuedExtraction waits for the slot on a detached context so the
// submitter's request lifetime does not cancel the queued batch.
func (a *App) queuedExtraction(req ExtractionRequest, items []*store.NewsItem) {
	ctx, cancel := context.WithTimeout(context.Background(), queuedExtractionTimeout)
	defer cancel()

	task, err := a.queue.AcquireSlot(ctx)
	if err != nil {
		a.logger.Error("queued extraction never got a slot", "error", err)
		return
	}
	stats, err := a.runExtraction(ctx, task, req, items)
	if err != nil {
		a.queue.ReleaseSlot(task, false, err.Error())
		a.logger.Error("queued extraction failed", "request_id", task.RequestID, "error", err)
		return
	}
	a.queue.ReleaseSlot(task, true, "")
	a.logger.Info("queued extraction completed",
		"request_id", task.RequestID, "items", stats.Items, "mentions", stats.Mentions)
}

var errUnknownItem = errors.New("unknown item id")

func (a *App) loadExtractionItems(ctx context.Context, req ExtractionRequest) ([]*store.NewsItem, error) {
	if len(req.ItemIDs) > 0 {
		items := make([]*store.NewsItem, 0, len(req.ItemIDs))
		for _, id := range req.ItemIDs {
			item, err := a.store.GetItem(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("load item %s: %w", id, err)
			}
			if item == nil {
				return nil, fmt.Errorf("%w: %s", errUnknownItem, id)
			}
			items = append(items, item)
		}
		return items, nil
	}

	limit := req.Limit
	if limit <= 0 {
		limit = defaultExtractionLimit
	}
	return a.store.RecentItems(ctx, limit)
}

// runExtraction is the slot-holding worker: extract entities per item,
// track them, optionally link each to the knowledge base, and record
// mentions. Per-item and per-entity failures are logged and skipped.
func (a *App) runExtraction(ctx context.Context, task *entity.ExtractionTask, req ExtractionRequest, items []*store.NewsItem) (stats *ExtractionStats, err error) {
	if a.obs != nil {
		var done func(error)
		ctx, done = a.obs.TrackOperation(ctx, "extraction_batch")
		defer func() { done(err) }()
	}

	userID := req.UserID
	if userID == "" {
		userID = a.userID
	}
	minConf := req.MinConfidence
	if minConf == 0 {
		minConf = defaultLinkConfidence
	}

	stats = &ExtractionStats{Items: len(items)}
	a.queue.UpdateProgress(task, 0, len(items))

	for i, item := range items {
		if cerr := ctx.Err(); cerr != nil {
			return stats, cerr
		}

		ents, xerr := a.extractor.Extract(ctx, item.Title+"\n\n"+item.BodyText(), entity.ExtractOptions{
			Types:          req.Types,
			IncludeContext: true,
		})
		if xerr != nil {
			a.logger.Warn("extraction failed", "item", item.ID, "error", xerr)
			a.queue.UpdateProgress(task, i+1, len(items))
			continue
		}
		stats.Entities += len(ents)

		seenAt := item.PublishedAt
		if seenAt.IsZero() {
			seenAt = item.CollectedAt
		}

		for _, ent := range ents {
			tracked, _, terr := a.store.GetOrCreateEntity(ctx, userID, ent.Normalized, ent.EntityType)
			if terr != nil {
				a.logger.Debug("entity upsert skipped", "name", ent.Normalized, "error", terr)
				continue
			}

			if req.LinkEntities && a.linker != nil {
				if linked, lerr := a.linker.Link(ctx, ent.Normalized, ent.EntityType, minConf); lerr != nil {
					a.logger.Debug("entity linking failed", "name", ent.Normalized, "error", lerr)
				} else if linked != nil {
					patch := map[string]any{
						"wikidata_id":          linked.CanonicalID,
						"wikidata_label":       linked.Label,
						"wikidata_description": linked.Description,
						"external_url":         linked.ExternalURL,
						"link_confidence":      linked.Confidence,
					}
					if merr := a.store.MergeEntityMetadata(ctx, tracked.EntityID, patch); merr != nil {
						a.logger.Debug("metadata merge failed", "entity", tracked.EntityID, "error", merr)
					} else {
						stats.Linked++
					}
				}
			}

			m := &store.EntityMention{
				EntityID:   tracked.EntityID,
				NewsItemID: item.ID,
				UserID:     userID,
				Context:    ent.Context,
				Timestamp:  seenAt,
			}
			if ierr := a.store.InsertMention(ctx, m); ierr != nil {
				a.logger.Debug("mention insert skipped", "entity", tracked.EntityID, "error", ierr)
				continue
			}
			stats.Mentions++

			if serr := a.store.TouchEntitySeen(ctx, tracked.EntityID, seenAt); serr != nil {
				a.logger.Debug("seen-window update failed", "entity", tracked.EntityID, "error", serr)
			}
		}
		a.queue.UpdateProgress(task, i+1, len(items))
	}

	// Entities that resolved to the same canonical id collapse into one.
	if merged, derr := a.store.DedupeEntitiesByQID(ctx, userID); derr != nil {
		a.logger.Warn("canonical dedup failed", "error", derr)
	} else {
		stats.Merged = merged
	}

	a.bus.Emit(bus.EntityDetected, "service", map[string]any{
		"request_id": task.RequestID,
		"items":      stats.Items,
		"entities":   stats.Entities,
		"mentions":   stats.Mentions,
		"linked":     stats.Linked,
	})
	return stats, nil
}
