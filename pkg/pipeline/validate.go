// Package pipeline implements the five-stage processing pipeline:
// validate, rank, extract mentions, detect relationships, embed.
package pipeline

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/christiancopeland/The-Pulse-sub000/pkg/store"
)

// Issue severities. A critical issue fails the item regardless of its
// composite score.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Validation sub-score weights.
const (
	weightTitle   = 0.25
	weightContent = 0.35
	weightURL     = 0.15
	weightSpam    = 0.25
)

// Acceptance thresholds on the composite score.
const (
	strictThreshold  = 0.6
	lenientThreshold = 0.4
)

// ValidationIssue is one finding against an item.
type ValidationIssue struct {
	Severity string `json:"severity"`
	Code     string `json:"code"`
	Message  string `json:"message"`
}

// ValidationResult is the validator's verdict on one item.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Score  float64           `json:"score"`
	Issues []ValidationIssue `json:"issues,omitempty"`
}

// HasCritical reports whether any issue is critical.
func (r ValidationResult) HasCritical() bool {
	for _, iss := range r.Issues {
		if iss.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// Validator scores item quality and rejects spam. In strict mode the
// acceptance threshold is 0.6, otherwise 0.4.
type Validator struct {
	strict bool
}

// NewValidator creates a validator.
func NewValidator(strict bool) *Validator {
	return &Validator{strict: strict}
}

var placeholderTitles = map[string]struct{}{
	"untitled":   {},
	"no title":   {},
	"(no title)": {},
	"null":       {},
	"undefined":  {},
	"unknown":    {},
}

var urlInText = regexp.MustCompile(`https?://\S+`)

var validItemURL = regexp.MustCompile(`^https?://[^\s/$.?#][^\s]*$`)

var suspiciousURL = regexp.MustCompile(`(?i)(?:bit\.ly|tinyurl\.com|goo\.gl|t\.co|ow\.ly|is\.gd)/|\.(?:exe|scr|bat|apk|dll)(?:$|\?)`)

var spamPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bbuy now\b`),
	regexp.MustCompile(`(?i)\bfree money\b`),
	regexp.MustCompile(`(?i)\bclick here\b`),
	regexp.MustCompile(`(?i)\blimited time offer\b`),
	regexp.MustCompile(`(?i)\bact now\b`),
	regexp.MustCompile(`(?i)\byou(?:'ve| have) won\b`),
	regexp.MustCompile(`(?i)\bmake money fast\b`),
	regexp.MustCompile(`(?i)\bwork from home\b`),
	regexp.MustCompile(`(?i)\b100% free\b`),
	regexp.MustCompile(`(?i)\bcasino bonus\b`),
	regexp.MustCompile(`(?i)\bviagra\b`),
	regexp.MustCompile(`(?i)\bcrypto giveaway\b`),
	regexp.MustCompile(`(?i)\bhot singles\b`),
}

// Validate scores one item. The composite is a weighted sum of title,
// content, URL, and spam sub-scores; any critical issue rejects the
// item outright.
func (v *Validator) Validate(item *store.NewsItem) ValidationResult {
	var issues []ValidationIssue
	content := itemContent(item)

	score := weightTitle*scoreTitle(item.Title, &issues) +
		weightContent*scoreContent(content, &issues) +
		weightURL*scoreURL(item.URL, &issues) +
		weightSpam*scoreSpam(item.Title, content, &issues)
	score = clamp01(score)

	threshold := lenientThreshold
	if v.strict {
		threshold = strictThreshold
	}

	res := ValidationResult{Score: score, Issues: issues}
	res.Valid = score >= threshold && !res.HasCritical()
	return res
}

// itemContent is the body used for quality scoring: content, else
// summary.
func itemContent(item *store.NewsItem) string {
	if item.Content != "" {
		return item.Content
	}
	return item.Summary
}

func scoreTitle(title string, issues *[]ValidationIssue) float64 {
	trimmed := strings.TrimSpace(title)

	nonWS, letters, uppers := 0, 0, 0
	for _, r := range trimmed {
		if !unicode.IsSpace(r) {
			nonWS++
		}
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				uppers++
			}
		}
	}

	if nonWS == 0 {
		addIssue(issues, SeverityCritical, "title_missing", "item has no title")
		return 0
	}

	score := 1.0
	if nonWS < 10 {
		addIssue(issues, SeverityCritical, "title_too_short",
			"title has fewer than 10 non-whitespace characters")
		score -= 0.6
	}
	if _, ok := placeholderTitles[strings.ToLower(trimmed)]; ok {
		addIssue(issues, SeverityWarning, "title_placeholder", "title is a placeholder")
		score -= 0.4
	}
	if utf8.RuneCountInString(trimmed) > 20 && letters > 0 && uppers == letters {
		addIssue(issues, SeverityWarning, "title_all_caps", "title is entirely upper case")
		score -= 0.3
	}
	return clamp01(score)
}

func scoreContent(content string, issues *[]ValidationIssue) float64 {
	if strings.TrimSpace(content) == "" {
		addIssue(issues, SeverityWarning, "content_missing", "item has no content or summary")
		return 0
	}

	total := utf8.RuneCountInString(content)
	score := lengthBand(total)

	special, letters, uppers := 0, 0, 0
	for _, r := range content {
		switch {
		case unicode.IsLetter(r):
			letters++
			if unicode.IsUpper(r) {
				uppers++
			}
		case unicode.IsDigit(r), unicode.IsSpace(r):
		default:
			special++
		}
	}
	if float64(special)/float64(total) > 0.20 {
		addIssue(issues, SeverityWarning, "content_special_chars",
			"more than 20% of content is special characters")
		score -= 0.2
	}

	urlChars := 0
	for _, m := range urlInText.FindAllString(content, -1) {
		urlChars += utf8.RuneCountInString(m)
	}
	if float64(urlChars)/float64(total) > 0.15 {
		addIssue(issues, SeverityWarning, "content_url_heavy",
			"more than 15% of content is URLs")
		score -= 0.2
	}

	if letters > 0 && float64(uppers)/float64(letters) > 0.50 {
		addIssue(issues, SeverityWarning, "content_shouting",
			"more than half of content letters are upper case")
		score -= 0.15
	}
	return clamp01(score)
}

func scoreURL(u string, issues *[]ValidationIssue) float64 {
	if strings.TrimSpace(u) == "" {
		addIssue(issues, SeverityWarning, "url_missing", "item has no URL")
		return 0
	}

	score := 1.0
	if !validItemURL.MatchString(u) {
		addIssue(issues, SeverityWarning, "url_malformed", "URL is not a well-formed http(s) URL")
		score = 0.2
	}
	if suspiciousURL.MatchString(u) {
		addIssue(issues, SeverityWarning, "url_suspicious",
			"URL uses a shortener or points at an executable")
		score -= 0.3
	}
	return clamp01(score)
}

func scoreSpam(title, content string, issues *[]ValidationIssue) float64 {
	text := title + " " + content
	score := 1.0

	for _, re := range spamPatterns {
		if m := re.FindString(text); m != "" {
			addIssue(issues, SeverityCritical, "spam_pattern",
				fmt.Sprintf("matched spam phrase %q", m))
			score -= 0.5
		}
	}

	words := strings.Fields(strings.ToLower(text))
	if len(words) >= 10 {
		uniq := make(map[string]struct{}, len(words))
		for _, w := range words {
			uniq[w] = struct{}{}
		}
		if float64(len(uniq))/float64(len(words)) < 0.3 {
			addIssue(issues, SeverityWarning, "content_repetitive",
				"fewer than 30% of words are unique")
			score -= 0.3
		}
	}
	return clamp01(score)
}

func addIssue(issues *[]ValidationIssue, severity, code, msg string) {
	*issues = append(*issues, ValidationIssue{Severity: severity, Code: code, Message: msg})
}

// lengthBand maps a text length in runes onto a quality score; longer
// bodies carry more signal up to a plateau.
func lengthBand(n int) float64 {
	switch {
	case n <= 100:
		return 0.3
	case n <= 500:
		return 0.5
	case n <= 1000:
		return 0.7
	case n <= 3000:
		return 0.85
	default:
		return 0.95
	}
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
