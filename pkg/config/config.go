// Package config loads runtime configuration for The Pulse from
// environment variables and an optional YAML source registry.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds process-wide configuration.
type Config struct {
	LogLevel  string
	LogFormat string

	DatabaseURL string
	RedisURL    string

	// Local model endpoints. Neither service is assumed to be up at
	// startup; clients probe and fall back.
	GLiNERURL      string
	EmbeddingURL   string
	EmbeddingModel string

	// Upstream credentials. Adapters whose credentials are empty are
	// skipped at registration.
	ACLEDKey         string
	ACLEDEmail       string
	OpenSanctionsKey string
	OTXKey           string
	EDGARContact     string
	WikidataUA       string

	// Default owner for tracked entities and mentions.
	UserID string

	CollectionInterval time.Duration
	ProcessInterval    time.Duration
	ProcessBatchLimit  int

	SourcesFile string

	OTLPEndpoint string
}

// Load reads configuration from environment variables, applying
// local-development defaults for anything unset.
func Load() *Config {
	return &Config{
		LogLevel:  getEnv("LOG_LEVEL", "INFO"),
		LogFormat: getEnv("LOG_FORMAT", "text"),

		DatabaseURL: getEnv("DATABASE_URL", "postgres://pulse@localhost:5432/pulse?sslmode=disable"),
		RedisURL:    os.Getenv("REDIS_URL"),

		GLiNERURL:      getEnv("GLINER_URL", "http://localhost:8081"),
		EmbeddingURL:   getEnv("EMBEDDING_URL", "http://localhost:1234/v1/embeddings"),
		EmbeddingModel: getEnv("EMBEDDING_MODEL", "nomic-embed-text-v1.5"),

		ACLEDKey:         os.Getenv("ACLED_KEY"),
		ACLEDEmail:       os.Getenv("ACLED_EMAIL"),
		OpenSanctionsKey: os.Getenv("OPENSANCTIONS_KEY"),
		OTXKey:           os.Getenv("OTX_API_KEY"),
		EDGARContact:     os.Getenv("EDGAR_CONTACT"),
		WikidataUA:       getEnv("WIKIDATA_USER_AGENT", "ThePulse/1.0 (personal research aggregator)"),

		UserID: getEnv("PULSE_USER_ID", "local"),

		CollectionInterval: getDuration("COLLECTION_INTERVAL", 30*time.Minute),
		ProcessInterval:    getDuration("PROCESS_INTERVAL", 15*time.Minute),
		ProcessBatchLimit:  getInt("PROCESS_BATCH_LIMIT", 50),

		SourcesFile: os.Getenv("PULSE_SOURCES_FILE"),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
