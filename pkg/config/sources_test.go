package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/christiancopeland/The-Pulse-sub000/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSources(t *testing.T) {
	s := config.DefaultSources()

	require.NotEmpty(t, s.Feeds)
	for _, f := range s.Feeds {
		assert.NotEmpty(t, f.Name)
		assert.NotEmpty(t, f.URL)
		assert.NotEmpty(t, f.Category)
	}

	assert.Contains(t, s.Subreddits, "geopolitics")
	assert.Contains(t, s.Subreddits, "cybersecurity")

	// Wire services anchor the top of the credibility table, state
	// media the bottom.
	assert.InDelta(t, 0.95, s.Credibility["reuters"], 0.001)
	assert.Less(t, s.Credibility["rt"], 0.3)
	assert.Less(t, s.Credibility["zerohedge"], s.Credibility["bbc"])

	assert.InDelta(t, 9.0, s.CategoryImportance["conflict"], 0.001)
	assert.Less(t, s.CategoryImportance["sports"], 2.0)
	assert.Less(t, s.CategoryImportance["rc_hobby"], 1.0)
}

func TestLoadSources_EmptyPathUsesDefaults(t *testing.T) {
	s, err := config.LoadSources("")
	require.NoError(t, err)
	assert.Equal(t, config.DefaultSources(), s)
}

func TestLoadSources_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sources.yaml")
	doc := `
feeds:
  - name: Internal Wire
    url: https://wire.example.com/rss
    category: geopolitics
subreddits:
  - worldnews
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	s, err := config.LoadSources(path)
	require.NoError(t, err)

	require.Len(t, s.Feeds, 1)
	assert.Equal(t, "Internal Wire", s.Feeds[0].Name)
	assert.Equal(t, []string{"worldnews"}, s.Subreddits)

	// Sections the file omits fall back to the embedded defaults.
	def := config.DefaultSources()
	assert.Equal(t, def.Credibility, s.Credibility)
	assert.Equal(t, def.CategoryImportance, s.CategoryImportance)
}

func TestLoadSources_OverridesScoringTables(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sources.yaml")
	doc := `
credibility:
  my wire: 0.99
category_importance:
  knitting: 9.5
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	s, err := config.LoadSources(path)
	require.NoError(t, err)

	assert.InDelta(t, 0.99, s.Credibility["my wire"], 0.001)
	assert.InDelta(t, 9.5, s.CategoryImportance["knitting"], 0.001)
	assert.NotEmpty(t, s.Feeds, "feed list still falls back")
}

func TestLoadSources_MissingFile(t *testing.T) {
	_, err := config.LoadSources(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoadSources_MalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sources.yaml")
	require.NoError(t, os.WriteFile(path, []byte("feeds: [unterminated"), 0o644))

	_, err := config.LoadSources(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse sources file")
}
