package collect

import (
	"crypto/sha256"
	"encoding/hex"
	"html"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

// maxSummaryChars bounds adapter summaries.
const maxSummaryChars = 500

var tagPattern = regexp.MustCompile(`<[^>]*>`)

// CleanText strips HTML tags, unescapes entities, and collapses all
// whitespace runs to single spaces.
func CleanText(s string) string {
	s = tagPattern.ReplaceAllString(s, " ")
	s = html.UnescapeString(s)
	return strings.Join(strings.Fields(s), " ")
}

// Summarize cleans text and truncates it at a word boundary within
// maxSummaryChars.
func Summarize(s string) string {
	return TruncateWords(CleanText(s), maxSummaryChars)
}

// TruncateWords cuts s at the last word boundary at or before max
// characters. Strings within the limit pass through unchanged. The
// limit counts runes, and cuts land on rune boundaries even when no
// word boundary exists (spaceless CJK text).
func TruncateWords(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	cutAt := len(s)
	n := 0
	for i := range s {
		if n == max {
			cutAt = i
			break
		}
		n++
	}
	cut := s[:cutAt]
	if idx := strings.LastIndexByte(cut, ' '); idx > 0 {
		cut = cut[:idx]
	}
	return strings.TrimRight(cut, " ")
}

// ContentHash returns the SHA-256 hex digest of the best available
// body text: rawContent if non-empty, else summary, else title.
func ContentHash(rawContent, summary, title string) string {
	body := rawContent
	if body == "" {
		body = summary
	}
	if body == "" {
		body = title
	}
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])
}

// NormalizeTime converts t to UTC, substituting fallback when t is
// unset. Adapters use collection time as the fallback for items whose
// publication time could not be parsed.
func NormalizeTime(t time.Time, fallback time.Time) time.Time {
	if t.IsZero() {
		return fallback.UTC()
	}
	return t.UTC()
}
