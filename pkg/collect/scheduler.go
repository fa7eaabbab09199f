package collect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/christiancopeland/The-Pulse-sub000/pkg/bus"
	"github.com/christiancopeland/The-Pulse-sub000/pkg/observability"
	"github.com/christiancopeland/The-Pulse-sub000/pkg/store"
)

// ErrRunInFlight is returned when a collector is asked to run while a
// previous run of the same collector has not finished.
var ErrRunInFlight = errors.New("collector run already in flight")

// Collector health levels, derived from consecutive failures:
// 0 healthy, 1-2 degraded, 3+ unhealthy.
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

// failureCoolDown is added to a collector's wait after an unexpected
// error, so a broken upstream is not re-polled on the hot path.
const failureCoolDown = time.Minute

// entry is the scheduler-side bookkeeping for one collector. All
// fields are guarded by the scheduler mutex.
type entry struct {
	adapter  SourceAdapter
	interval time.Duration

	inFlight            bool
	lastRun             time.Time
	lastRunItems        int
	totalRuns           int
	errorCount          int
	consecutiveFailures int
	lastError           string
}

// CollectorStatus is a point-in-time copy of one collector's state.
type CollectorStatus struct {
	Name                string        `json:"name"`
	SourceType          string        `json:"source_type"`
	Interval            time.Duration `json:"interval"`
	LastRun             time.Time     `json:"last_run"`
	LastRunItems        int           `json:"last_run_items"`
	TotalRuns           int           `json:"total_runs"`
	ErrorCount          int           `json:"error_count"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastError           string        `json:"last_error,omitempty"`
	Health              string        `json:"health"`
}

// RunSummary aggregates the outcome of a RunAllNow sweep.
type RunSummary struct {
	Collectors     int               `json:"collectors"`
	Succeeded      int               `json:"succeeded"`
	Failed         int               `json:"failed"`
	ItemsNew       int               `json:"items_new"`
	ItemsDuplicate int               `json:"items_duplicate"`
	Errors         map[string]string `json:"errors,omitempty"`
}

// Scheduler drives registered collectors on their intervals, persists
// a CollectionRun per attempt, and broadcasts lifecycle events. Each
// collector runs in its own goroutine; a collector never overlaps
// itself.
type Scheduler struct {
	mu      sync.RWMutex
	entries map[string]*entry
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	store  *store.Store
	bus    *bus.Bus
	obs    *observability.Provider
	logger *slog.Logger
}

// NewScheduler creates a scheduler with no collectors registered.
// obs may be nil.
func NewScheduler(st *store.Store, b *bus.Bus, obs *observability.Provider, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		entries: make(map[string]*entry),
		store:   st,
		bus:     b,
		obs:     obs,
		logger:  logger.With("component", "scheduler"),
	}
}

// Register adds a collector at the given interval. Registering a name
// that already exists replaces its adapter and interval but keeps its
// run history. When the scheduler is running, a new collector starts
// polling immediately.
func (s *Scheduler) Register(a SourceAdapter, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Minute
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[a.Name()]; ok {
		e.adapter = a
		e.interval = interval
		return
	}

	e := &entry{adapter: a, interval: interval}
	s.entries[a.Name()] = e
	s.logger.Info("collector registered", "collector", a.Name(), "interval", interval.String())

	if s.running {
		s.wg.Add(1)
		go s.loop(s.ctx, e)
	}
}

// RegisterRoster registers every adapter in the roster.
func (s *Scheduler) RegisterRoster(r *Roster) {
	for _, a := range r.Adapters {
		s.Register(a, r.Intervals[a.Name()])
	}
}

// Start launches one polling goroutine per registered collector. Each
// collector runs once immediately, then on its interval. Start is a
// no-op if the scheduler is already running.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	for _, e := range s.entries {
		s.wg.Add(1)
		go s.loop(s.ctx, e)
	}
	n := len(s.entries)
	s.mu.Unlock()

	s.logger.Info("scheduler started", "collectors", n)
}

// Stop cancels the polling loops and waits up to timeout for in-flight
// runs to finish. It reports whether shutdown completed in time.
func (s *Scheduler) Stop(timeout time.Duration) bool {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return true
	}
	s.running = false
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return true
	case <-time.After(timeout):
		s.logger.Warn("scheduler stop timed out", "timeout", timeout.String())
		return false
	}
}

// Running reports whether the polling loops are active.
func (s *Scheduler) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Status returns a copy of every collector's bookkeeping, keyed by
// collector name.
func (s *Scheduler) Status() map[string]CollectorStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]CollectorStatus, len(s.entries))
	for name, e := range s.entries {
		out[name] = CollectorStatus{
			Name:                name,
			SourceType:          e.adapter.SourceType(),
			Interval:            e.interval,
			LastRun:             e.lastRun,
			LastRunItems:        e.lastRunItems,
			TotalRuns:           e.totalRuns,
			ErrorCount:          e.errorCount,
			ConsecutiveFailures: e.consecutiveFailures,
			LastError:           e.lastError,
			Health:              healthFor(e.consecutiveFailures),
		}
	}
	return out
}

func healthFor(consecutive int) string {
	switch {
	case consecutive == 0:
		return HealthHealthy
	case consecutive < 3:
		return HealthDegraded
	default:
		return HealthUnhealthy
	}
}

// RunCollectorNow runs one collector immediately, outside its
// schedule. The run updates the same bookkeeping and persists the same
// CollectionRun as a scheduled one.
func (s *Scheduler) RunCollectorNow(ctx context.Context, name string) (*store.CollectionRun, error) {
	s.mu.RLock()
	e, ok := s.entries[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown collector %q", name)
	}
	return s.execute(ctx, e)
}

// RunAllNow runs every registered collector once, a few at a time, and
// aggregates the results. Individual failures are reported in the
// summary, never as an error.
func (s *Scheduler) RunAllNow(ctx context.Context) RunSummary {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	summary := RunSummary{Collectors: len(entries), Errors: make(map[string]string)}
	var sumMu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, e := range entries {
		g.Go(func() error {
			run, err := s.execute(ctx, e)
			sumMu.Lock()
			defer sumMu.Unlock()
			if err != nil {
				summary.Failed++
				summary.Errors[e.adapter.Name()] = err.Error()
				return nil
			}
			summary.Succeeded++
			summary.ItemsNew += run.ItemsNew
			summary.ItemsDuplicate += run.ItemsDuplicate
			return nil
		})
	}
	_ = g.Wait()

	if len(summary.Errors) == 0 {
		summary.Errors = nil
	}
	return summary
}

// loop is the per-collector polling goroutine: run immediately, then
// wait out the duration the last run asked for.
func (s *Scheduler) loop(ctx context.Context, e *entry) {
	defer s.wg.Done()

	timer := time.NewTimer(s.runScheduled(ctx, e))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			timer.Reset(s.runScheduled(ctx, e))
		}
	}
}

// runScheduled executes one run and returns how long to wait before
// the next. Failures stretch the wait: an unexpected error adds a
// cool-down on top of the interval; a rate limit doubles the wait per
// consecutive failure, capped at four intervals.
func (s *Scheduler) runScheduled(ctx context.Context, e *entry) time.Duration {
	_, err := s.execute(ctx, e)

	s.mu.RLock()
	interval := e.interval
	fails := e.consecutiveFailures
	s.mu.RUnlock()

	switch {
	case err == nil:
		return interval
	case errors.Is(err, ErrRateLimited):
		wait := interval
		for i := 0; i < fails && wait < 4*interval; i++ {
			wait *= 2
		}
		if wait > 4*interval {
			wait = 4 * interval
		}
		return wait
	default:
		return interval + failureCoolDown
	}
}

// execute performs one collection run end to end: persist a run row,
// collect, save, finish the row, emit events, update bookkeeping.
func (s *Scheduler) execute(ctx context.Context, e *entry) (run *store.CollectionRun, err error) {
	s.mu.Lock()
	if e.inFlight {
		s.mu.Unlock()
		return nil, ErrRunInFlight
	}
	e.inFlight = true
	name := e.adapter.Name()
	srcType := e.adapter.SourceType()
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		e.inFlight = false
		s.mu.Unlock()
	}()

	if s.obs != nil {
		var done func(error)
		ctx, done = s.obs.TrackOperation(ctx, "collect_run")
		defer func() { done(err) }()
	}

	s.bus.Emit(bus.CollectionStarted, name, map[string]any{
		"collector":   name,
		"source_type": srcType,
	})

	run, err = s.store.StartRun(ctx, srcType, name)
	if err != nil {
		err = fmt.Errorf("start run for %s: %w", name, err)
		s.noteFailure(e, err)
		s.bus.Emit(bus.CollectionFailed, name, map[string]any{
			"collector": name,
			"error":     err.Error(),
		})
		return nil, err
	}

	items, err := s.collect(ctx, e.adapter)
	if err == nil {
		run.ItemsCollected = len(items)
		run.ItemsNew, run.ItemsDuplicate, err = s.store.SaveItems(ctx, toNewsItems(srcType, name, items))
	}
	if err != nil {
		if ferr := s.store.FailRun(ctx, run, err.Error()); ferr != nil {
			s.logger.Error("failed to record run failure", "collector", name, "error", ferr)
		}
		s.noteFailure(e, err)
		s.bus.Emit(bus.CollectionFailed, name, map[string]any{
			"collector": name,
			"run_id":    run.ID,
			"error":     err.Error(),
		})
		s.logger.Warn("collection run failed", "collector", name, "run_id", run.ID, "error", err)
		return run, err
	}

	if cerr := s.store.CompleteRun(ctx, run); cerr != nil {
		s.logger.Error("failed to record run completion", "collector", name, "error", cerr)
	}
	s.noteSuccess(e, run.ItemsNew)
	if s.obs != nil {
		s.obs.RecordItemsCollected(ctx, srcType, run.ItemsNew, run.ItemsDuplicate)
	}
	s.bus.Emit(bus.CollectionCompleted, name, map[string]any{
		"collector":  name,
		"run_id":     run.ID,
		"collected":  run.ItemsCollected,
		"new":        run.ItemsNew,
		"duplicates": run.ItemsDuplicate,
	})
	s.logger.Info("collection run completed", "collector", name, "run_id", run.ID,
		"collected", run.ItemsCollected, "new", run.ItemsNew, "duplicates", run.ItemsDuplicate)
	return run, nil
}

// collect invokes the adapter with panic containment: a panicking
// collector fails its run without taking down the scheduler.
func (s *Scheduler) collect(ctx context.Context, a SourceAdapter) (items []CollectedItem, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("collector %s panicked: %v", a.Name(), r)
			s.logger.Error("collector panicked", "collector", a.Name(), "panic", r)
		}
	}()
	return a.Collect(ctx)
}

func (s *Scheduler) noteSuccess(e *entry, newItems int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.lastRun = time.Now().UTC()
	e.lastRunItems = newItems
	e.totalRuns++
	e.consecutiveFailures = 0
	e.lastError = ""
}

func (s *Scheduler) noteFailure(e *entry, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.lastRun = time.Now().UTC()
	e.lastRunItems = 0
	e.totalRuns++
	e.errorCount++
	e.consecutiveFailures++
	e.lastError = err.Error()
}

// toNewsItems converts adapter output to store rows. Items without a
// URL are dropped: the URL is the primary dedup key.
func toNewsItems(sourceType, adapterName string, items []CollectedItem) []*store.NewsItem {
	now := time.Now().UTC()
	out := make([]*store.NewsItem, 0, len(items))
	for _, it := range items {
		if it.URL == "" {
			continue
		}
		name := it.SourceName
		if name == "" {
			name = adapterName
		}
		out = append(out, &store.NewsItem{
			SourceType:  sourceType,
			SourceName:  name,
			SourceURL:   it.SourceURL,
			Title:       it.Title,
			Content:     it.RawContent,
			Summary:     it.Summary,
			URL:         it.URL,
			PublishedAt: it.Published,
			CollectedAt: now,
			Author:      it.Author,
			Categories:  it.Categories,
			ContentHash: it.Hash(),
			Metadata:    it.Metadata,
		})
	}
	return out
}
