package pipeline_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/christiancopeland/The-Pulse-sub000/pkg/pipeline"
	"github.com/christiancopeland/The-Pulse-sub000/pkg/store"
)

func issueCodes(res pipeline.ValidationResult) []string {
	codes := make([]string, 0, len(res.Issues))
	for _, iss := range res.Issues {
		codes = append(codes, iss.Code)
	}
	return codes
}

func hasIssue(res pipeline.ValidationResult, code string) bool {
	for _, iss := range res.Issues {
		if iss.Code == code {
			return true
		}
	}
	return false
}

func countSeverity(res pipeline.ValidationResult, severity string) int {
	n := 0
	for _, iss := range res.Issues {
		if iss.Severity == severity {
			n++
		}
	}
	return n
}

func TestValidateRejectsSpam(t *testing.T) {
	v := pipeline.NewValidator(false)

	res := v.Validate(&store.NewsItem{
		Title:   "BUY NOW!!! FREE MONEY CLICK HERE",
		Content: "Click here click here click here",
	})

	require.False(t, res.Valid)
	require.True(t, res.HasCritical())
	assert.Equal(t, 3, countSeverity(res, pipeline.SeverityCritical),
		"each spam phrase should raise its own critical issue: %v", issueCodes(res))
	assert.Less(t, res.Score, 0.4)
	assert.InDelta(t, 0.28, res.Score, 1e-9)
}

// cleanArticleBody is a three-paragraph body in the 500-1000 rune band
// with enough word variety to stay clear of the repetition check.
func cleanArticleBody() string {
	return strings.Join([]string{
		"Delegations from Kyiv and Moscow arrived in Istanbul on Monday for a third round of negotiations over the stalled grain corridor, with United Nations mediators shuttling between the two sides.",
		"Officials familiar with the agenda said inspectors would discuss safe passage guarantees for commercial vessels, insurance arrangements for cargo owners, and a proposed monitoring center staffed by all parties.",
		"Previous rounds collapsed over disagreements about port access and the scope of sanctions relief, though diplomats expressed cautious optimism that a limited deal covering three Black Sea ports remains within reach.",
	}, "\n\n")
}

func TestValidateAcceptsCleanArticle(t *testing.T) {
	v := pipeline.NewValidator(true)
	res := v.Validate(&store.NewsItem{
		Title:   "Ukraine and Russia resume grain corridor negotiations",
		Content: cleanArticleBody(),
		URL:     "https://example.com/news/grain-corridor",
	})

	require.True(t, res.Valid)
	assert.Empty(t, res.Issues)
	assert.InDelta(t, 0.895, res.Score, 1e-9)
}

func TestValidateTitleRules(t *testing.T) {
	v := pipeline.NewValidator(false)

	t.Run("missing title is critical", func(t *testing.T) {
		res := v.Validate(&store.NewsItem{Title: "   "})
		require.False(t, res.Valid)
		assert.True(t, hasIssue(res, "title_missing"))
		assert.True(t, res.HasCritical())
	})

	t.Run("short title rejects even when the score clears", func(t *testing.T) {
		res := v.Validate(&store.NewsItem{
			Title:   "Short",
			Content: cleanArticleBody(),
			URL:     "https://example.com/news/short",
		})
		require.True(t, hasIssue(res, "title_too_short"))
		assert.GreaterOrEqual(t, res.Score, 0.6, "score alone would pass")
		assert.False(t, res.Valid, "critical issue must reject regardless of score")
	})

	t.Run("placeholder title", func(t *testing.T) {
		res := v.Validate(&store.NewsItem{Title: "Untitled"})
		assert.True(t, hasIssue(res, "title_placeholder"))
		assert.True(t, hasIssue(res, "title_too_short"))
	})

	t.Run("long all-caps title warns", func(t *testing.T) {
		res := v.Validate(&store.NewsItem{Title: "BREAKING NEWS FROM THE FRONT LINES"})
		assert.True(t, hasIssue(res, "title_all_caps"))
	})

	t.Run("short all-caps title is exempt", func(t *testing.T) {
		res := v.Validate(&store.NewsItem{Title: "BREAKING NEWS CAPS"})
		assert.False(t, hasIssue(res, "title_all_caps"))
		assert.False(t, hasIssue(res, "title_too_short"))
	})
}

func TestValidateThresholds(t *testing.T) {
	item := &store.NewsItem{Title: "Quarterly update on regional shipping lanes"}

	lenient := pipeline.NewValidator(false).Validate(item)
	require.InDelta(t, 0.5, lenient.Score, 1e-9)
	assert.True(t, lenient.Valid, "0.5 clears the lenient 0.4 threshold")
	assert.False(t, lenient.HasCritical())

	strict := pipeline.NewValidator(true).Validate(item)
	assert.False(t, strict.Valid, "0.5 misses the strict 0.6 threshold")
}

func TestValidateURLRules(t *testing.T) {
	v := pipeline.NewValidator(false)

	t.Run("malformed", func(t *testing.T) {
		res := v.Validate(&store.NewsItem{
			Title: "Routine infrastructure maintenance announced",
			URL:   "not-a-url",
		})
		assert.True(t, hasIssue(res, "url_malformed"))
	})

	t.Run("shortener", func(t *testing.T) {
		res := v.Validate(&store.NewsItem{
			Title: "Routine infrastructure maintenance announced",
			URL:   "https://bit.ly/abc123",
		})
		assert.True(t, hasIssue(res, "url_suspicious"))
	})

	t.Run("executable", func(t *testing.T) {
		res := v.Validate(&store.NewsItem{
			Title: "Routine infrastructure maintenance announced",
			URL:   "https://cdn.example.com/update.exe",
		})
		assert.True(t, hasIssue(res, "url_suspicious"))
	})
}

func TestValidateContentRules(t *testing.T) {
	v := pipeline.NewValidator(false)
	title := "Routine infrastructure maintenance announced"

	t.Run("repetitive wording", func(t *testing.T) {
		res := v.Validate(&store.NewsItem{
			Title:   title,
			Content: strings.TrimSpace(strings.Repeat("spam ", 20)),
		})
		assert.True(t, hasIssue(res, "content_repetitive"))
	})

	t.Run("special character soup", func(t *testing.T) {
		res := v.Validate(&store.NewsItem{
			Title:   title,
			Content: strings.Repeat("a#", 60),
		})
		assert.True(t, hasIssue(res, "content_special_chars"))
	})

	t.Run("url heavy", func(t *testing.T) {
		res := v.Validate(&store.NewsItem{
			Title:   title,
			Content: "Read https://example.com/a/very/long/path/segment/here now",
		})
		assert.True(t, hasIssue(res, "content_url_heavy"))
	})

	t.Run("shouting", func(t *testing.T) {
		res := v.Validate(&store.NewsItem{
			Title:   title,
			Content: "EVERYTHING ABOUT THIS STORY IS RENDERED IN UPPER CASE TEXT",
		})
		assert.True(t, hasIssue(res, "content_shouting"))
	})

	t.Run("summary stands in for content", func(t *testing.T) {
		res := v.Validate(&store.NewsItem{
			Title:   title,
			Summary: "A short but serviceable summary of the announcement.",
		})
		assert.False(t, hasIssue(res, "content_missing"))
	})

	t.Run("missing body warns", func(t *testing.T) {
		res := v.Validate(&store.NewsItem{Title: title})
		assert.True(t, hasIssue(res, "content_missing"))
	})
}
