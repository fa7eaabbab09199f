//go:build property
// +build property

// Package pipeline_test contains property-based tests for the scoring
// stages: validation and relevance ranking.
package pipeline_test

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/christiancopeland/The-Pulse-sub000/pkg/pipeline"
	"github.com/christiancopeland/The-Pulse-sub000/pkg/store"
)

// TestValidationScoreProperties verifies the validator's scoring
// invariants hold for arbitrary input text.
func TestValidationScoreProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	v := pipeline.NewValidator(false)

	properties.Property("composite score stays within [0,1]", prop.ForAll(
		func(title, content, summary, url string) bool {
			res := v.Validate(&store.NewsItem{
				Title:   title,
				Content: content,
				Summary: summary,
				URL:     url,
			})
			return res.Score >= 0 && res.Score <= 1
		},
		gen.AnyString(),
		gen.AnyString(),
		gen.AnyString(),
		gen.AnyString(),
	))

	properties.Property("critical issues always reject", prop.ForAll(
		func(title, content string) bool {
			res := v.Validate(&store.NewsItem{Title: title, Content: content})
			if res.HasCritical() {
				return !res.Valid
			}
			return true
		},
		gen.AnyString(),
		gen.AnyString(),
	))

	properties.Property("validation is deterministic", prop.ForAll(
		func(title, content, url string) bool {
			item := &store.NewsItem{Title: title, Content: content, URL: url}
			a := v.Validate(item)
			b := v.Validate(item)
			return a.Valid == b.Valid && a.Score == b.Score && len(a.Issues) == len(b.Issues)
		},
		gen.AnyString(),
		gen.AnyString(),
		gen.AnyString(),
	))

	properties.TestingRun(t)
}

// TestRankingScoreProperties verifies the ranker's scoring invariants
// for arbitrary items.
func TestRankingScoreProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	r := pipeline.NewRanker(nil)

	properties.Property("relevance stays within [0,1]", prop.ForAll(
		func(title, content, source string, cats []string, ageHours int) bool {
			item := &store.NewsItem{
				Title:       title,
				Content:     content,
				SourceName:  source,
				Categories:  cats,
				PublishedAt: time.Now().Add(-time.Duration(ageHours) * time.Hour),
			}
			res := r.Rank(item, nil)
			return res.Score >= 0 && res.Score <= 1
		},
		gen.AnyString(),
		gen.AnyString(),
		gen.AnyString(),
		gen.SliceOf(gen.AlphaString()),
		gen.IntRange(0, 400),
	))

	properties.Property("older items never beat newer on recency", prop.ForAll(
		func(newerAge, delta int) bool {
			now := time.Now()
			newer := &store.NewsItem{
				Title:       "Identical headline",
				PublishedAt: now.Add(-time.Duration(newerAge) * time.Hour),
			}
			older := &store.NewsItem{
				Title:       "Identical headline",
				PublishedAt: now.Add(-time.Duration(newerAge+delta) * time.Hour),
			}
			resNewer := r.Rank(newer, nil)
			resOlder := r.Rank(older, nil)
			return resNewer.Components.Recency >= resOlder.Components.Recency
		},
		gen.IntRange(0, 200),
		gen.IntRange(0, 200),
	))

	properties.TestingRun(t)
}
