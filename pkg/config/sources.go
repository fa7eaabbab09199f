package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Feed describes one RSS/Atom feed in the source registry.
type Feed struct {
	Name     string `yaml:"name"`
	URL      string `yaml:"url"`
	Category string `yaml:"category"`
}

// Sources is the data-driven source registry: which feeds and
// subreddits to poll, plus the scoring tables the ranker consults.
// Any section left empty in a user file falls back to the embedded
// defaults, so a partial file only overrides what it names.
type Sources struct {
	Feeds      []Feed   `yaml:"feeds"`
	Subreddits []string `yaml:"subreddits"`

	// Credibility maps a lowercase source name to a 0-1 score.
	Credibility map[string]float64 `yaml:"credibility"`

	// CategoryImportance maps a category tag to a 0-10 weight.
	CategoryImportance map[string]float64 `yaml:"category_importance"`
}

// LoadSources reads a YAML source registry from path. An empty path
// returns the embedded defaults.
func LoadSources(path string) (*Sources, error) {
	if path == "" {
		return DefaultSources(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sources file: %w", err)
	}

	var s Sources
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse sources file: %w", err)
	}

	def := DefaultSources()
	if len(s.Feeds) == 0 {
		s.Feeds = def.Feeds
	}
	if len(s.Subreddits) == 0 {
		s.Subreddits = def.Subreddits
	}
	if len(s.Credibility) == 0 {
		s.Credibility = def.Credibility
	}
	if len(s.CategoryImportance) == 0 {
		s.CategoryImportance = def.CategoryImportance
	}
	return &s, nil
}

// DefaultSources returns the embedded source registry. The binary is
// runnable with no config file at all.
func DefaultSources() *Sources {
	return &Sources{
		Feeds: []Feed{
			{Name: "BBC World", URL: "https://feeds.bbci.co.uk/news/world/rss.xml", Category: "geopolitics"},
			{Name: "Al Jazeera", URL: "https://www.aljazeera.com/xml/rss/all.xml", Category: "geopolitics"},
			{Name: "Defense One", URL: "https://www.defenseone.com/rss/all/", Category: "military"},
			{Name: "War on the Rocks", URL: "https://warontherocks.com/feed/", Category: "military"},
			{Name: "Krebs on Security", URL: "https://krebsonsecurity.com/feed/", Category: "cybersecurity"},
			{Name: "BleepingComputer", URL: "https://www.bleepingcomputer.com/feed/", Category: "cybersecurity"},
			{Name: "The Record", URL: "https://therecord.media/feed/", Category: "cybersecurity"},
			{Name: "The Diplomat", URL: "https://thediplomat.com/feed/", Category: "geopolitics"},
			{Name: "OilPrice", URL: "https://oilprice.com/rss/main", Category: "energy"},
			{Name: "MIT Technology Review", URL: "https://www.technologyreview.com/feed/", Category: "technology"},
			{Name: "Ars Technica", URL: "https://feeds.arstechnica.com/arstechnica/index", Category: "technology"},
			{Name: "Federal Reserve Press", URL: "https://www.federalreserve.gov/feeds/press_all.xml", Category: "economics"},
		},
		Subreddits: []string{"geopolitics", "credibledefense", "cybersecurity", "netsec"},
		Credibility: map[string]float64{
			"reuters":             0.95,
			"associated press":    0.95,
			"ap news":             0.95,
			"bbc":                 0.90,
			"bbc world":           0.90,
			"financial times":     0.90,
			"the economist":       0.90,
			"wall street journal": 0.88,
			"bloomberg":           0.88,
			"the guardian":        0.85,
			"the new york times":  0.85,
			"washington post":     0.85,
			"al jazeera":          0.80,
			"npr":                 0.85,
			"deutsche welle":      0.82,
			"france 24":           0.80,

			"the diplomat":                   0.78,
			"foreign policy":                 0.80,
			"foreign affairs":                0.82,
			"defense one":                    0.80,
			"war on the rocks":               0.80,
			"breaking defense":               0.75,
			"janes":                          0.85,
			"institute for the study of war": 0.82,
			"bellingcat":                     0.80,

			"krebs on security": 0.88,
			"bleepingcomputer":  0.78,
			"the record":        0.80,
			"the hacker news":   0.70,
			"dark reading":      0.72,
			"securityweek":      0.72,
			"cisa":              0.92,
			"us-cert":           0.92,
			"alienvault otx":    0.75,

			"mit technology review": 0.82,
			"ars technica":          0.78,
			"wired":                 0.75,
			"the verge":             0.68,
			"techcrunch":            0.65,
			"nature":                0.95,
			"science":               0.95,
			"arxiv":                 0.75,

			"sec edgar":       0.95,
			"federal reserve": 0.95,
			"world bank":      0.90,
			"imf":             0.90,
			"united nations":  0.88,
			"gdelt":           0.70,
			"acled":           0.88,
			"opensanctions":   0.90,
			"ofac":            0.95,

			// Aggregators and state media rank low on purpose.
			"oilprice":   0.65,
			"zerohedge":  0.30,
			"reddit":     0.40,
			"daily mail": 0.35,
			"rt":         0.25,
			"sputnik":    0.25,
		},
		CategoryImportance: map[string]float64{
			"conflict":      9.0,
			"military":      8.5,
			"geopolitics":   8.5,
			"sanctions":     8.0,
			"intelligence":  8.0,
			"cybersecurity": 8.0,
			"threat_intel":  7.5,
			"terrorism":     8.0,
			"nuclear":       8.5,
			"energy":        7.0,
			"economics":     6.5,
			"markets":       6.0,
			"corporate":     5.5,
			"technology":    6.0,
			"ai":            6.5,
			"research":      5.5,
			"science":       5.0,
			"health":        4.5,
			"climate":       5.0,
			"politics":      6.0,
			"elections":     6.5,
			"general":       4.0,
			"sports":        1.0,
			"entertainment": 0.8,
			"celebrity":     0.5,
			"rc_hobby":      0.5,
			"hobby":         0.5,
			"gaming":        1.0,
			"lifestyle":     0.8,
		},
	}
}
