// Package trend computes rolling indicator statistics: current-period
// activity for each watched theme compared against a longer baseline
// window, with alert levels derived from the deviation.
package trend

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/christiancopeland/The-Pulse-sub000/pkg/observability"
	"github.com/christiancopeland/The-Pulse-sub000/pkg/store"
)

const (
	DirectionRising  = "rising"
	DirectionStable  = "stable"
	DirectionFalling = "falling"

	AlertNormal   = "normal"
	AlertElevated = "elevated"
	AlertCritical = "critical"
)

const (
	defaultPeriodDays   = 30
	defaultBaselineDays = 180

	directionThreshold = 5.0
	elevatedThreshold  = 25.0
	criticalThreshold  = 50.0
	moverThreshold     = 20.0

	healthNormalFloor   = 95.0
	healthElevatedFloor = 80.0
)

// Indicator is one theme's current-versus-baseline reading.
type Indicator struct {
	Name          string  `json:"name"`
	Current       float64 `json:"current"`
	Baseline      float64 `json:"baseline"`
	ChangePercent float64 `json:"change_percent"`
	Direction     string  `json:"direction"`
	AlertLevel    string  `json:"alert_level"`
	Sparkline     []int   `json:"sparkline,omitempty"`
}

// Snapshot is the full indicator set for one evaluation.
type Snapshot struct {
	GeneratedAt  time.Time   `json:"generated_at"`
	PeriodDays   int         `json:"period_days"`
	BaselineDays int         `json:"baseline_days"`
	Indicators   []Indicator `json:"indicators"`
	Overall      string      `json:"overall_status"`
	Summary      string      `json:"summary"`
}

// indicatorSpec maps an indicator to the item categories and source
// types that feed it. The vocabulary matches what the collectors
// actually emit.
type indicatorSpec struct {
	name        string
	categories  []string
	sourceTypes []string
}

var categoryIndicators = []indicatorSpec{
	{
		name:        "conflict_index",
		categories:  []string{"conflict", "military"},
		sourceTypes: []string{"acled"},
	},
	{
		name:        "market_volatility",
		categories:  []string{"markets", "corporate", "economics", "sanctions", "energy"},
		sourceTypes: []string{"edgar"},
	},
	{
		name:       "political_instability",
		categories: []string{"politics", "geopolitics"},
	},
	{
		name:        "tech_activity",
		categories:  []string{"technology", "cybersecurity", "research", "threat_intel"},
		sourceTypes: []string{"arxiv", "otx"},
	},
}

// Service evaluates trend snapshots from store aggregates.
type Service struct {
	store  *store.Store
	obs    *observability.Provider
	logger *slog.Logger
	userID string
	now    func() time.Time
}

func NewService(st *store.Store, userID string, obs *observability.Provider, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  st,
		obs:    obs,
		logger: logger.With("component", "trend"),
		userID: userID,
		now:    time.Now,
	}
}

// Snapshot evaluates all indicators over the given windows. Zero or
// negative arguments fall back to the 30/180-day defaults; a baseline
// shorter than the period is widened to the period.
func (s *Service) Snapshot(ctx context.Context, periodDays, baselineDays int) (snap *Snapshot, err error) {
	if periodDays <= 0 {
		periodDays = defaultPeriodDays
	}
	if baselineDays <= 0 {
		baselineDays = defaultBaselineDays
	}
	if baselineDays < periodDays {
		baselineDays = periodDays
	}

	if s.obs != nil {
		var done func(error)
		ctx, done = s.obs.TrackOperation(ctx, "trend_snapshot")
		defer func() { done(err) }()
	}

	now := s.now().UTC()
	periodStart := now.AddDate(0, 0, -periodDays)
	baselineStart := now.AddDate(0, 0, -baselineDays)
	scale := float64(baselineDays) / float64(periodDays)

	snap = &Snapshot{
		GeneratedAt:  now,
		PeriodDays:   periodDays,
		BaselineDays: baselineDays,
	}

	for _, spec := range categoryIndicators {
		current, cerr := s.store.CountItemsSince(ctx, periodStart, spec.categories, spec.sourceTypes)
		if cerr != nil {
			return nil, fmt.Errorf("indicator %s: %w", spec.name, cerr)
		}
		baselineCount, berr := s.store.CountItemsSince(ctx, baselineStart, spec.categories, spec.sourceTypes)
		if berr != nil {
			return nil, fmt.Errorf("indicator %s: %w", spec.name, berr)
		}
		daily, derr := s.store.DailyItemCounts(ctx, periodStart, spec.categories, spec.sourceTypes)
		if derr != nil {
			return nil, fmt.Errorf("indicator %s: %w", spec.name, derr)
		}

		ind := buildIndicator(spec.name, float64(current), float64(baselineCount)/scale)
		ind.Sparkline = fillSparkline(daily, periodStart, now)
		snap.Indicators = append(snap.Indicators, ind)
	}

	entityInd, err := s.entityActivity(ctx, periodStart, baselineStart, scale)
	if err != nil {
		return nil, err
	}
	snap.Indicators = append(snap.Indicators, entityInd)

	healthInd, err := s.collectionHealth(ctx, periodStart)
	if err != nil {
		return nil, err
	}
	snap.Indicators = append(snap.Indicators, healthInd)

	snap.Overall = overallStatus(snap.Indicators)
	snap.Summary = buildSummary(snap.Indicators)

	s.logger.Debug("trend snapshot computed",
		"indicators", len(snap.Indicators), "overall", snap.Overall)
	return snap, nil
}

func (s *Service) entityActivity(ctx context.Context, periodStart, baselineStart time.Time, scale float64) (Indicator, error) {
	current, err := s.store.CountMentionsSince(ctx, s.userID, periodStart)
	if err != nil {
		return Indicator{}, fmt.Errorf("indicator entity_activity: %w", err)
	}
	baselineCount, err := s.store.CountMentionsSince(ctx, s.userID, baselineStart)
	if err != nil {
		return Indicator{}, fmt.Errorf("indicator entity_activity: %w", err)
	}
	return buildIndicator("entity_activity", float64(current), float64(baselineCount)/scale), nil
}

// collectionHealth reports the completed-run success rate for the
// period. The baseline is the 100% target, so the change percentage is
// the deviation from perfect; alert thresholds follow the success rate
// itself. A window with no finished runs counts as healthy.
func (s *Service) collectionHealth(ctx context.Context, periodStart time.Time) (Indicator, error) {
	total, successful, err := s.store.RunStats(ctx, periodStart)
	if err != nil {
		return Indicator{}, fmt.Errorf("indicator collection_health: %w", err)
	}

	rate := 100.0
	if total > 0 {
		rate = float64(successful) / float64(total) * 100
	}

	level := AlertCritical
	switch {
	case rate >= healthNormalFloor:
		level = AlertNormal
	case rate >= healthElevatedFloor:
		level = AlertElevated
	}

	change := rate - 100
	return Indicator{
		Name:          "collection_health",
		Current:       rate,
		Baseline:      100,
		ChangePercent: change,
		Direction:     directionFor(change),
		AlertLevel:    level,
	}, nil
}

func buildIndicator(name string, current, baseline float64) Indicator {
	change := changePercent(current, baseline)
	return Indicator{
		Name:          name,
		Current:       current,
		Baseline:      baseline,
		ChangePercent: change,
		Direction:     directionFor(change),
		AlertLevel:    alertFor(change),
	}
}

func changePercent(current, baseline float64) float64 {
	if baseline == 0 {
		if current > 0 {
			return 100
		}
		return 0
	}
	return (current - baseline) / baseline * 100
}

func directionFor(change float64) string {
	switch {
	case change > directionThreshold:
		return DirectionRising
	case change < -directionThreshold:
		return DirectionFalling
	default:
		return DirectionStable
	}
}

func alertFor(change float64) string {
	abs := math.Abs(change)
	switch {
	case abs >= criticalThreshold:
		return AlertCritical
	case abs >= elevatedThreshold:
		return AlertElevated
	default:
		return AlertNormal
	}
}

func alertRank(level string) int {
	switch level {
	case AlertCritical:
		return 2
	case AlertElevated:
		return 1
	default:
		return 0
	}
}

func overallStatus(inds []Indicator) string {
	best := AlertNormal
	for _, ind := range inds {
		if alertRank(ind.AlertLevel) > alertRank(best) {
			best = ind.AlertLevel
		}
	}
	return best
}

// fillSparkline converts the per-day counts into a dense series over
// the continuous date range, zero-filling days with no items.
func fillSparkline(daily map[string]int, from, to time.Time) []int {
	start := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	end := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, time.UTC)

	out := make([]int, 0, int(end.Sub(start).Hours()/24)+1)
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		out = append(out, daily[d.Format("2006-01-02")])
	}
	return out
}

func buildSummary(inds []Indicator) string {
	var critical, elevated, rising, falling []string
	for _, ind := range inds {
		switch ind.AlertLevel {
		case AlertCritical:
			critical = append(critical, ind.Name)
		case AlertElevated:
			elevated = append(elevated, ind.Name)
		}
		if math.Abs(ind.ChangePercent) > moverThreshold {
			switch ind.Direction {
			case DirectionRising:
				rising = append(rising, ind.Name)
			case DirectionFalling:
				falling = append(falling, ind.Name)
			}
		}
	}

	if len(critical) == 0 && len(elevated) == 0 && len(rising) == 0 && len(falling) == 0 {
		return "All indicators within normal range."
	}

	var parts []string
	if len(critical) > 0 {
		parts = append(parts, "critical: "+strings.Join(critical, ", "))
	}
	if len(elevated) > 0 {
		parts = append(parts, "elevated: "+strings.Join(elevated, ", "))
	}
	if len(rising) > 0 {
		parts = append(parts, "rising sharply: "+strings.Join(rising, ", "))
	}
	if len(falling) > 0 {
		parts = append(parts, "falling sharply: "+strings.Join(falling, ", "))
	}
	return strings.Join(parts, "; ") + "."
}
