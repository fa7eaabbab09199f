package collect

import (
	"log/slog"
	"time"

	"github.com/christiancopeland/The-Pulse-sub000/pkg/config"
)

// Roster is the set of collectors to register, with per-collector
// intervals.
type Roster struct {
	Adapters  []SourceAdapter
	Intervals map[string]time.Duration
}

// Default polling intervals per source type.
var defaultIntervals = map[string]time.Duration{
	"rss":       30 * time.Minute,
	"gdelt":     time.Hour,
	"acled":     6 * time.Hour,
	"sanctions": 12 * time.Hour,
	"edgar":     2 * time.Hour,
	"arxiv":     6 * time.Hour,
	"reddit":    time.Hour,
	"otx":       2 * time.Hour,
}

// CreateDefaultAdapters builds the full collector roster from
// configuration. Adapters whose credentials are missing are skipped
// with a log line rather than failing startup.
func CreateDefaultAdapters(cfg *config.Config, sources *config.Sources, logger *slog.Logger) *Roster {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "collect")

	r := &Roster{Intervals: make(map[string]time.Duration)}
	add := func(a SourceAdapter) {
		r.Adapters = append(r.Adapters, a)
		r.Intervals[a.Name()] = defaultIntervals[a.SourceType()]
	}

	add(NewRSSAdapter(sources.Feeds, logger))

	for name, tmpl := range DefaultGDELTTemplates {
		add(NewGDELTAdapter(name, tmpl, "24h"))
	}

	if cfg.ACLEDKey != "" && cfg.ACLEDEmail != "" {
		add(NewACLEDAdapter(cfg.ACLEDKey, cfg.ACLEDEmail))
	} else {
		logger.Info("skipping acled adapter: ACLED_KEY/ACLED_EMAIL not set")
	}

	add(NewSanctionsAdapter(cfg.OpenSanctionsKey))

	if cfg.EDGARContact != "" {
		add(NewEDGARAdapter(cfg.EDGARContact, `"material cybersecurity incident"`, "8-K"))
	} else {
		logger.Info("skipping edgar adapter: EDGAR_CONTACT not set")
	}

	add(NewArxivAdapter(nil))

	limiter := NewRedditLimiter()
	for _, sub := range sources.Subreddits {
		add(NewRedditAdapter(sub, limiter))
	}

	if cfg.OTXKey != "" {
		add(NewOTXAdapter(cfg.OTXKey))
	} else {
		logger.Info("skipping otx adapter: OTX_API_KEY not set")
	}

	return r
}
