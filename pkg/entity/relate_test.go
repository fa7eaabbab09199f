package entity_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/christiancopeland/The-Pulse-sub000/pkg/entity"
	"github.com/christiancopeland/The-Pulse-sub000/pkg/store"
)

func mkEnt(text, entityType string, conf float64) entity.ExtractedEntity {
	return entity.ExtractedEntity{
		Text:       text,
		Normalized: text,
		EntityType: entityType,
		Confidence: conf,
	}
}

func TestDetectKeywordRelationship(t *testing.T) {
	d := entity.NewRelationshipDetector()

	cands := d.Detect("Vladimir Putin met with Xi Jinping in Moscow.",
		[]entity.ExtractedEntity{
			mkEnt("Vladimir Putin", store.EntityPerson, 0.9),
			mkEnt("Xi Jinping", store.EntityPerson, 0.8),
		})

	require.Len(t, cands, 1)
	c := cands[0]
	assert.Equal(t, store.RelCollaboratesWith, c.Type)
	assert.True(t, c.Keyword)
	assert.InDelta(t, 0.72, c.Confidence, 1e-9, "min(0.9, 0.8) * 0.9")
	assert.Equal(t, "Vladimir Putin met with Xi Jinping in Moscow", c.Sentence)
	assert.Equal(t, "Vladimir Putin", c.Source.Text)
	assert.Equal(t, "Xi Jinping", c.Target.Text)
}

func TestDetectFirstRuleWins(t *testing.T) {
	d := entity.NewRelationshipDetector()

	// Both "talks" and "attack" appear; the earlier rule decides.
	cands := d.Detect("Vladimir Putin entered the talks after the NATO attack.",
		[]entity.ExtractedEntity{
			mkEnt("Vladimir Putin", store.EntityPerson, 0.9),
			mkEnt("NATO", store.EntityOrganization, 0.9),
		})

	require.Len(t, cands, 1)
	assert.Equal(t, store.RelCollaboratesWith, cands[0].Type)
}

func TestDetectCoOccurrenceFallback(t *testing.T) {
	d := entity.NewRelationshipDetector()

	cands := d.Detect("Vladimir Putin and Sergei Shoigu appeared at the parade.",
		[]entity.ExtractedEntity{
			mkEnt("Vladimir Putin", store.EntityPerson, 0.9),
			mkEnt("Sergei Shoigu", store.EntityPerson, 0.7),
		})

	require.Len(t, cands, 1)
	c := cands[0]
	assert.Equal(t, store.RelCoOccurrence, c.Type)
	assert.False(t, c.Keyword)
	assert.InDelta(t, 0.56, c.Confidence, 1e-9, "min(0.9, 0.7) * 0.8")
}

func TestDetectTypePairDefaults(t *testing.T) {
	d := entity.NewRelationshipDetector()

	t.Run("person with organization", func(t *testing.T) {
		cands := d.Detect("Sergei Lavrov toured the Gazprom facility.",
			[]entity.ExtractedEntity{
				mkEnt("Sergei Lavrov", store.EntityPerson, 0.9),
				mkEnt("Gazprom", store.EntityOrganization, 0.9),
			})
		require.Len(t, cands, 1)
		assert.Equal(t, store.RelPartOf, cands[0].Type)
	})

	t.Run("location with person", func(t *testing.T) {
		cands := d.Detect("Vladimir Putin arrived in Moscow yesterday.",
			[]entity.ExtractedEntity{
				mkEnt("Vladimir Putin", store.EntityPerson, 0.9),
				mkEnt("Moscow", store.EntityLocation, 0.9),
			})
		require.Len(t, cands, 1)
		assert.Equal(t, store.RelImpacts, cands[0].Type)
	})

	t.Run("location with location", func(t *testing.T) {
		cands := d.Detect("Moscow and Beijing exchanged delegations.",
			[]entity.ExtractedEntity{
				mkEnt("Moscow", store.EntityLocation, 0.9),
				mkEnt("Beijing", store.EntityLocation, 0.9),
			})
		require.Len(t, cands, 1)
		assert.Equal(t, store.RelCoOccurrence, cands[0].Type)
	})
}

func TestDetectRequiresSharedSentence(t *testing.T) {
	d := entity.NewRelationshipDetector()

	cands := d.Detect("Vladimir Putin signed the decree. NATO condemned the move.",
		[]entity.ExtractedEntity{
			mkEnt("Vladimir Putin", store.EntityPerson, 0.9),
			mkEnt("NATO", store.EntityOrganization, 0.9),
		})
	assert.Empty(t, cands, "entities in different sentences never pair")
}

func TestDetectAllPairsInSentence(t *testing.T) {
	d := entity.NewRelationshipDetector()

	cands := d.Detect("Vladimir Putin, Xi Jinping and Narendra Modi attended the summit.",
		[]entity.ExtractedEntity{
			mkEnt("Vladimir Putin", store.EntityPerson, 0.9),
			mkEnt("Xi Jinping", store.EntityPerson, 0.9),
			mkEnt("Narendra Modi", store.EntityPerson, 0.9),
		})

	require.Len(t, cands, 3, "three entities yield three unordered pairs")
	for _, c := range cands {
		assert.Equal(t, store.RelCollaboratesWith, c.Type)
		assert.True(t, c.Keyword)
	}
}

func TestDetectDescriptionTruncated(t *testing.T) {
	d := entity.NewRelationshipDetector()

	sentence := "Vladimir Putin " + strings.Repeat("and the delegation traveled onward ", 8) + "Xi Jinping"
	require.Greater(t, len(sentence), 200)

	cands := d.Detect(sentence, []entity.ExtractedEntity{
		mkEnt("Vladimir Putin", store.EntityPerson, 0.9),
		mkEnt("Xi Jinping", store.EntityPerson, 0.9),
	})

	require.Len(t, cands, 1)
	assert.Len(t, cands[0].Sentence, 200)
}

func TestDetectFewerThanTwoEntities(t *testing.T) {
	d := entity.NewRelationshipDetector()

	assert.Nil(t, d.Detect("Vladimir Putin spoke.", nil))
	assert.Nil(t, d.Detect("Vladimir Putin spoke.",
		[]entity.ExtractedEntity{mkEnt("Vladimir Putin", store.EntityPerson, 0.9)}))
}

func TestDetectDeduplicatesByNormalized(t *testing.T) {
	d := entity.NewRelationshipDetector()

	cands := d.Detect("Vladimir Putin met Xi Jinping.",
		[]entity.ExtractedEntity{
			mkEnt("Vladimir Putin", store.EntityPerson, 0.9),
			mkEnt("Vladimir Putin", store.EntityPerson, 0.8),
			mkEnt("Xi Jinping", store.EntityPerson, 0.8),
		})

	require.Len(t, cands, 1, "duplicate mentions collapse to one entity")
}
