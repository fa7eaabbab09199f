package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/christiancopeland/The-Pulse-sub000/pkg/bus"
	"github.com/christiancopeland/The-Pulse-sub000/pkg/collect"
	"github.com/christiancopeland/The-Pulse-sub000/pkg/config"
	"github.com/christiancopeland/The-Pulse-sub000/pkg/entity"
	"github.com/christiancopeland/The-Pulse-sub000/pkg/observability"
	"github.com/christiancopeland/The-Pulse-sub000/pkg/pipeline"
	"github.com/christiancopeland/The-Pulse-sub000/pkg/service"
	"github.com/christiancopeland/The-Pulse-sub000/pkg/store"
	"github.com/christiancopeland/The-Pulse-sub000/pkg/trend"

	_ "github.com/lib/pq" // Postgres driver
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands. Split from main for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "serve", "server":
		return runServe(args[2:], stdout, stderr)
	case "collect":
		return runCollect(args[2:], stdout, stderr)
	case "process":
		return runProcess(args[2:], stdout, stderr)
	case "extract":
		return runExtract(args[2:], stdout, stderr)
	case "search":
		return runSearch(args[2:], stdout, stderr)
	case "status":
		return runStatus(args[2:], stdout, stderr)
	case "trends":
		return runTrends(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "The Pulse - personal intelligence aggregation")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  pulse <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintln(w, "  serve      Run the collection scheduler and processing daemon")
	fmt.Fprintln(w, "  collect    Run one collector (or all) immediately")
	fmt.Fprintln(w, "  process    Run the pipeline over pending items")
	fmt.Fprintln(w, "  extract    Run an entity extraction and linking batch")
	fmt.Fprintln(w, "  search     Semantic search across embedded items")
	fmt.Fprintln(w, "  status     Show scheduler and queue telemetry")
	fmt.Fprintln(w, "  trends     Show indicator snapshot")
	fmt.Fprintln(w, "  help       Show this help")
}

// appEnv bundles everything a subcommand needs, constructed once.
type appEnv struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *store.Store
	bus      *bus.Bus
	obs      *observability.Provider
	sched    *collect.Scheduler
	orch     *pipeline.Orchestrator
	embedder *pipeline.ItemEmbedder
	app      *service.App
}

func setup(ctx context.Context) (*appEnv, error) {
	cfg := config.Load()
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	obs, err := observability.New(ctx, observability.ConfigForEndpoint(cfg.OTLPEndpoint))
	if err != nil {
		logger.Warn("telemetry disabled", "error", err)
		obs, _ = observability.New(ctx, observability.DefaultConfig())
	}

	st, err := store.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, err
	}
	if err := st.EnsureSchema(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	if err := st.EnsureVectorSchema(ctx); err != nil {
		logger.Warn("vector schema unavailable, semantic search degraded", "error", err)
	}

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		if ropts, rerr := redis.ParseURL(cfg.RedisURL); rerr != nil {
			logger.Warn("invalid REDIS_URL, shared cache disabled", "error", rerr)
		} else {
			rdb = redis.NewClient(ropts)
		}
	}

	sources, err := config.LoadSources(cfg.SourcesFile)
	if err != nil {
		logger.Warn("source registry unreadable, using defaults", "file", cfg.SourcesFile, "error", err)
		sources = config.DefaultSources()
	}

	b := bus.New(logger)
	sched := collect.NewScheduler(st, b, obs, logger)
	sched.RegisterRoster(collect.CreateDefaultAdapters(cfg, sources, logger))

	embedder := pipeline.NewItemEmbedder(
		store.NewOpenAIEmbedder(cfg.EmbeddingURL, cfg.EmbeddingModel),
		store.NewPGVectorStore(st.DB()),
		st, logger)

	orch := pipeline.NewOrchestrator(pipeline.OrchestratorConfig{
		Store:    st,
		Bus:      b,
		Sources:  sources,
		Embedder: embedder,
		Obs:      obs,
		Logger:   logger,
		UserID:   cfg.UserID,
	})

	extractor := entity.NewExtractor(cfg.GLiNERURL, logger)
	linker := entity.NewLinker(entity.LinkerOptions{
		UserAgent: cfg.WikidataUA,
		Redis:     rdb,
		Obs:       obs,
		Logger:    logger,
	})

	app := service.New(service.AppConfig{
		Store:     st,
		Bus:       b,
		Scheduler: sched,
		Orch:      orch,
		Embedder:  embedder,
		Extractor: extractor,
		Linker:    linker,
		Queue:     entity.NewQueueManager(1),
		Trends:    trend.NewService(st, cfg.UserID, obs, logger),
		Obs:       obs,
		Logger:    logger,
		UserID:    cfg.UserID,
	})

	return &appEnv{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		bus:      b,
		obs:      obs,
		sched:    sched,
		orch:     orch,
		embedder: embedder,
		app:      app,
	}, nil
}

func (e *appEnv) close(ctx context.Context) {
	if e.obs != nil {
		if err := e.obs.Shutdown(ctx); err != nil {
			e.logger.Warn("telemetry shutdown failed", "error", err)
		}
	}
	_ = e.store.Close()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToUpper(cfg.LogLevel) {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func runServe(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	noCollect := fs.Bool("no-collect", false, "disable the collection scheduler")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env, err := setup(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "startup failed: %v\n", err)
		return 1
	}
	defer env.close(context.Background())

	env.bus.AddListener(func(ev bus.Event) {
		env.logger.Debug("event", "type", ev.Type, "source", ev.Source)
	})

	if !*noCollect {
		env.sched.Start(ctx)
	}

	// Periodic pipeline pass over whatever collection brought in.
	go func() {
		ticker := time.NewTicker(env.cfg.ProcessInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats, perr := env.app.TriggerProcessing(ctx, pipeline.Options{Limit: env.cfg.ProcessBatchLimit})
				if perr != nil {
					env.logger.Error("scheduled processing failed", "error", perr)
					continue
				}
				if stats.Total > 0 {
					env.logger.Info("scheduled processing done",
						"total", stats.Total, "embedded", stats.Embedded, "failed", stats.Failed)
				}
			}
		}
	}()

	// Heartbeat for status subscribers.
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				env.bus.Emit(bus.SystemStatus, "daemon", map[string]any{
					"collectors":  len(env.sched.Status()),
					"subscribers": env.bus.SubscriberCount(),
				})
			}
		}
	}()

	env.logger.Info("the pulse is running",
		"collectors", len(env.sched.Status()),
		"collection", !*noCollect,
		"process_interval", env.cfg.ProcessInterval.String())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	env.logger.Info("shutting down")
	cancel()
	if !env.sched.Stop(30 * time.Second) {
		env.logger.Warn("scheduler did not stop cleanly")
	}
	return 0
}

func runCollect(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("collect", flag.ContinueOnError)
	fs.SetOutput(stderr)
	source := fs.String("source", "", "collector name (empty = all)")
	jsonOut := fs.Bool("json", false, "output as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	env, err := setup(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "startup failed: %v\n", err)
		return 1
	}
	defer env.close(ctx)

	trigger, err := env.app.TriggerCollection(ctx, *source)
	if err != nil {
		fmt.Fprintf(stderr, "collection failed: %v\n", err)
		return 1
	}

	if *jsonOut {
		return printJSON(stdout, stderr, trigger)
	}
	if trigger.Run != nil {
		fmt.Fprintf(stdout, "%s: %d collected, %d new, %d duplicate\n",
			trigger.Run.CollectorName, trigger.Run.ItemsCollected, trigger.Run.ItemsNew, trigger.Run.ItemsDuplicate)
		return 0
	}
	s := trigger.Summary
	fmt.Fprintf(stdout, "%d collectors: %d succeeded, %d failed, %d new items, %d duplicates\n",
		s.Collectors, s.Succeeded, s.Failed, s.ItemsNew, s.ItemsDuplicate)
	for name, msg := range s.Errors {
		fmt.Fprintf(stdout, "  %s: %s\n", name, msg)
	}
	return 0
}

func runProcess(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("process", flag.ContinueOnError)
	fs.SetOutput(stderr)
	limit := fs.Int("limit", 0, "max items per batch (0 = configured default)")
	strict := fs.Bool("strict", false, "use the strict validation threshold")
	skipValidation := fs.Bool("skip-validation", false, "skip the validation stage")
	skipEmbedding := fs.Bool("skip-embedding", false, "skip the embedding stage")
	jsonOut := fs.Bool("json", false, "output as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	env, err := setup(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "startup failed: %v\n", err)
		return 1
	}
	defer env.close(ctx)

	if *limit <= 0 {
		*limit = env.cfg.ProcessBatchLimit
	}
	stats, err := env.app.TriggerProcessing(ctx, pipeline.Options{
		Limit:          *limit,
		SkipValidation: *skipValidation,
		SkipEmbedding:  *skipEmbedding,
		Strict:         *strict,
	})
	if err != nil {
		fmt.Fprintf(stderr, "processing failed: %v\n", err)
		return 1
	}

	if *jsonOut {
		return printJSON(stdout, stderr, stats)
	}
	fmt.Fprintf(stdout, "processed %d items: %d valid, %d rejected, %d mentions, %d relationships, %d embedded (%d ms)\n",
		stats.Total, stats.Validated, stats.ValidationFailed,
		stats.MentionsCreated, stats.Relationships, stats.Embedded, stats.ElapsedMS)
	return 0
}

func runExtract(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("extract", flag.ContinueOnError)
	fs.SetOutput(stderr)
	limit := fs.Int("limit", 20, "number of recent items to process")
	link := fs.Bool("link", false, "link entities to the knowledge base")
	minConf := fs.Float64("min-confidence", 0, "minimum link confidence (0 = default)")
	jsonOut := fs.Bool("json", false, "output as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	env, err := setup(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "startup failed: %v\n", err)
		return 1
	}
	defer env.close(ctx)

	resp := env.app.SubmitExtraction(ctx, service.ExtractionRequest{
		Limit:         *limit,
		LinkEntities:  *link,
		MinConfidence: *minConf,
	})

	if *jsonOut {
		if printJSON(stdout, stderr, resp) != 0 {
			return 1
		}
	} else if resp.Stats != nil {
		fmt.Fprintf(stdout, "extracted %d entities from %d items: %d mentions, %d linked, %d merged\n",
			resp.Stats.Entities, resp.Stats.Items, resp.Stats.Mentions, resp.Stats.Linked, resp.Stats.Merged)
	} else if resp.Error != "" {
		fmt.Fprintf(stderr, "extraction failed (%d): %s\n", resp.Code, resp.Error)
	} else {
		fmt.Fprintf(stdout, "queued at position %d\n", resp.QueuePosition)
	}

	if resp.Code >= 400 {
		return 1
	}
	return 0
}

func runSearch(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("search", flag.ContinueOnError)
	fs.SetOutput(stderr)
	limit := fs.Int("limit", 10, "max results")
	source := fs.String("source", "", "restrict to one source type")
	jsonOut := fs.Bool("json", false, "output as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	query := strings.Join(fs.Args(), " ")
	if strings.TrimSpace(query) == "" {
		fmt.Fprintln(stderr, "usage: pulse search [flags] <query>")
		return 2
	}

	ctx := context.Background()
	env, err := setup(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "startup failed: %v\n", err)
		return 1
	}
	defer env.close(ctx)

	results, err := env.app.SearchSimilar(ctx, query, *limit, *source)
	if err != nil {
		fmt.Fprintf(stderr, "search failed: %v\n", err)
		return 1
	}

	if *jsonOut {
		return printJSON(stdout, stderr, results)
	}
	if len(results) == 0 {
		fmt.Fprintln(stdout, "no matches")
		return 0
	}
	for _, r := range results {
		title, _ := r.Payload["title"].(string)
		url, _ := r.Payload["url"].(string)
		fmt.Fprintf(stdout, "%.3f  %s\n       %s\n", r.Score, title, url)
	}
	return 0
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	jsonOut := fs.Bool("json", false, "output as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	env, err := setup(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "startup failed: %v\n", err)
		return 1
	}
	defer env.close(ctx)

	st, err := env.app.Status(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "status failed: %v\n", err)
		return 1
	}

	if *jsonOut {
		return printJSON(stdout, stderr, st)
	}
	fmt.Fprintf(stdout, "collectors: %d registered, scheduler running: %v\n", len(st.Collectors), st.SchedulerRunning)
	fmt.Fprintf(stdout, "items: %d in last 24h, %d pending\n", st.ItemsLast24h, st.PendingItems)
	fmt.Fprintf(stdout, "extraction queue: active=%v size=%d\n", st.ExtractionQueue.IsActive, st.ExtractionQueue.QueueSize)
	for name, cs := range st.Collectors {
		fmt.Fprintf(stdout, "  %-24s %-10s runs=%d errors=%d last=%s\n",
			name, cs.Health, cs.TotalRuns, cs.ErrorCount, formatWhen(cs.LastRun))
	}
	return 0
}

func runTrends(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("trends", flag.ContinueOnError)
	fs.SetOutput(stderr)
	period := fs.Int("period", 0, "current window in days (0 = default)")
	baseline := fs.Int("baseline", 0, "baseline window in days (0 = default)")
	jsonOut := fs.Bool("json", false, "output as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	env, err := setup(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "startup failed: %v\n", err)
		return 1
	}
	defer env.close(ctx)

	snap, err := env.app.Trends(ctx, *period, *baseline)
	if err != nil {
		fmt.Fprintf(stderr, "trends failed: %v\n", err)
		return 1
	}

	if *jsonOut {
		return printJSON(stdout, stderr, snap)
	}
	fmt.Fprintf(stdout, "overall: %s (%dd vs %dd)\n", snap.Overall, snap.PeriodDays, snap.BaselineDays)
	for _, ind := range snap.Indicators {
		fmt.Fprintf(stdout, "  %-22s %-8s %+7.1f%%  current=%.1f baseline=%.1f\n",
			ind.Name, ind.AlertLevel, ind.ChangePercent, ind.Current, ind.Baseline)
	}
	fmt.Fprintln(stdout, snap.Summary)
	return 0
}

func printJSON(stdout, stderr io.Writer, v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(stderr, "encode failed: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, string(data))
	return 0
}

func formatWhen(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.UTC().Format(time.RFC3339)
}
