package entity

import (
	"strings"
	"unicode/utf8"

	"github.com/christiancopeland/The-Pulse-sub000/pkg/store"
)

// Confidence multipliers for relationship candidates. A keyword match
// carries more signal than bare co-occurrence.
const (
	coOccurrenceBase = 0.8
	keywordBase      = 0.9
)

// maxSentenceDescription bounds the sentence recorded as a
// relationship description.
const maxSentenceDescription = 200

// RelationshipCandidate is a typed edge inferred between two entities
// co-occurring in one sentence.
type RelationshipCandidate struct {
	Source     ExtractedEntity
	Target     ExtractedEntity
	Type       string
	Confidence float64
	Sentence   string
	Keyword    bool
}

// relRule maps a relationship type to the keywords that signal it.
// Rules are ordered; the first rule with a hit wins.
type relRule struct {
	relType  string
	keywords []string
}

var relRules = []relRule{
	{store.RelCollaboratesWith, []string{"met with", "meeting", "talks", "summit", "agreement", "signed", "negotiat"}},
	{store.RelOpposes, []string{"attack", "strike", "target", "against", "condemn", "sanction", "accuse"}},
	{store.RelSupports, []string{"support", "aid", "assist", "back", "endorse", "supplied"}},
	{store.RelLeads, []string{"lead", "head", "chair", "command", "direct"}},
	{store.RelPartOf, []string{"member", "part of", "belongs", "joined"}},
	{store.RelFunds, []string{"fund", "financ", "invest", "grant"}},
	{store.RelRegulates, []string{"regulat", "oversee", "ban", "restrict"}},
}

// RelationshipDetector infers typed relationships from entity
// co-occurrence within sentences.
type RelationshipDetector struct{}

// NewRelationshipDetector returns a stateless detector.
func NewRelationshipDetector() *RelationshipDetector {
	return &RelationshipDetector{}
}

// Detect splits text into sentences and emits one candidate per
// unordered entity pair co-occurring in a sentence. The type comes
// from the first keyword rule matching the sentence, falling back to
// a default derived from the entity type pair. Confidence is
// min(a, b) times the base for the match kind.
func (d *RelationshipDetector) Detect(text string, ents []ExtractedEntity) []RelationshipCandidate {
	if len(ents) < 2 {
		return nil
	}

	var out []RelationshipCandidate
	for _, sentence := range splitSentences(text) {
		lower := strings.ToLower(sentence)

		present := presentIn(lower, ents)
		if len(present) < 2 {
			continue
		}

		relType, keyword := classifySentence(lower)
		desc := strings.TrimSpace(sentence)
		if utf8.RuneCountInString(desc) > maxSentenceDescription {
			desc = string([]rune(desc)[:maxSentenceDescription])
		}

		for i := 0; i < len(present); i++ {
			for j := i + 1; j < len(present); j++ {
				a, b := present[i], present[j]
				t := relType
				base := keywordBase
				if !keyword {
					t = typePairDefault(a.EntityType, b.EntityType)
					base = coOccurrenceBase
				}
				out = append(out, RelationshipCandidate{
					Source:     a,
					Target:     b,
					Type:       t,
					Confidence: min(a.Confidence, b.Confidence) * base,
					Sentence:   desc,
					Keyword:    keyword,
				})
			}
		}
	}
	return out
}

// splitSentences splits on sentence terminators, dropping empties.
func splitSentences(text string) []string {
	var out []string
	start := 0
	for i, r := range text {
		if r == '.' || r == '!' || r == '?' {
			if s := strings.TrimSpace(text[start:i]); s != "" {
				out = append(out, s)
			}
			start = i + 1
		}
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		out = append(out, s)
	}
	return out
}

// presentIn returns the entities whose normalized form appears in the
// lowercased sentence, deduplicated by normalized form.
func presentIn(lowerSentence string, ents []ExtractedEntity) []ExtractedEntity {
	seen := make(map[string]struct{})
	var present []ExtractedEntity
	for _, e := range ents {
		norm := strings.ToLower(e.Normalized)
		if norm == "" {
			norm = strings.ToLower(e.Text)
		}
		if norm == "" {
			continue
		}
		if _, dup := seen[norm]; dup {
			continue
		}
		if strings.Contains(lowerSentence, norm) {
			seen[norm] = struct{}{}
			present = append(present, e)
		}
	}
	return present
}

func classifySentence(lowerSentence string) (string, bool) {
	for _, rule := range relRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lowerSentence, kw) {
				return rule.relType, true
			}
		}
	}
	return store.RelCoOccurrence, false
}

// typePairDefault picks the fallback relationship for a pair with no
// keyword signal.
func typePairDefault(a, b string) string {
	switch {
	case (a == store.EntityPerson && isOrgLike(b)) || (b == store.EntityPerson && isOrgLike(a)):
		return store.RelPartOf
	case a == store.EntityLocation && (b == store.EntityPerson || isOrgLike(b)),
		b == store.EntityLocation && (a == store.EntityPerson || isOrgLike(a)):
		return store.RelImpacts
	default:
		return store.RelCoOccurrence
	}
}

func isOrgLike(t string) bool {
	switch t {
	case store.EntityOrganization, store.EntityGovernmentAgency,
		store.EntityMilitaryUnit, store.EntityPoliticalParty:
		return true
	}
	return false
}
