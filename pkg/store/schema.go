package store

import (
	"context"
	"fmt"
)

// Core relational schema. Idempotent; applied at startup instead of a
// migration toolchain. All timestamps are timestamptz in UTC.
var coreSchema = []string{
	`CREATE TABLE IF NOT EXISTS news_items (
		id              uuid PRIMARY KEY,
		source_type     text NOT NULL,
		source_name     text NOT NULL,
		source_url      text NOT NULL DEFAULT '',
		title           text NOT NULL,
		content         text NOT NULL DEFAULT '',
		summary         text NOT NULL DEFAULT '',
		url             text NOT NULL UNIQUE,
		published_at    timestamptz,
		collected_at    timestamptz NOT NULL DEFAULT now(),
		author          text NOT NULL DEFAULT '',
		categories      text[] NOT NULL DEFAULT '{}',
		processed       int NOT NULL DEFAULT 0,
		relevance_score double precision NOT NULL DEFAULT 0,
		content_hash    text NOT NULL DEFAULT '',
		embedding_ref   uuid,
		metadata        jsonb NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_news_items_content_hash ON news_items (content_hash) WHERE content_hash <> ''`,
	`CREATE INDEX IF NOT EXISTS idx_news_items_processed ON news_items (processed)`,
	`CREATE INDEX IF NOT EXISTS idx_news_items_collected_at ON news_items (collected_at)`,
	`CREATE INDEX IF NOT EXISTS idx_news_items_source_type ON news_items (source_type)`,

	`CREATE TABLE IF NOT EXISTS collection_runs (
		id              uuid PRIMARY KEY,
		collector_type  text NOT NULL,
		collector_name  text NOT NULL,
		started_at      timestamptz NOT NULL DEFAULT now(),
		completed_at    timestamptz,
		status          text NOT NULL DEFAULT 'running',
		items_collected int NOT NULL DEFAULT 0,
		items_new       int NOT NULL DEFAULT 0,
		items_duplicate int NOT NULL DEFAULT 0,
		items_filtered  int NOT NULL DEFAULT 0,
		error_message   text NOT NULL DEFAULT '',
		metadata        jsonb NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_collection_runs_started_at ON collection_runs (started_at)`,

	`CREATE TABLE IF NOT EXISTS tracked_entities (
		entity_id   uuid PRIMARY KEY,
		user_id     text NOT NULL,
		name        text NOT NULL,
		name_lower  text NOT NULL,
		entity_type text NOT NULL,
		created_at  timestamptz NOT NULL DEFAULT now(),
		first_seen  timestamptz,
		last_seen   timestamptz,
		metadata    jsonb NOT NULL DEFAULT '{}',
		UNIQUE (user_id, name_lower)
	)`,

	`CREATE TABLE IF NOT EXISTS entity_mentions (
		mention_id      uuid PRIMARY KEY,
		entity_id       uuid NOT NULL REFERENCES tracked_entities(entity_id) ON DELETE CASCADE,
		document_id     uuid,
		news_article_id uuid,
		news_item_id    uuid REFERENCES news_items(id) ON DELETE CASCADE,
		user_id         text NOT NULL,
		chunk_id        text NOT NULL DEFAULT '',
		context         text NOT NULL DEFAULT '',
		ts              timestamptz NOT NULL DEFAULT now(),
		CHECK (num_nonnulls(document_id, news_article_id, news_item_id) = 1)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_entity_mentions_entity ON entity_mentions (entity_id)`,
	`CREATE INDEX IF NOT EXISTS idx_entity_mentions_item ON entity_mentions (news_item_id)`,
	`CREATE INDEX IF NOT EXISTS idx_entity_mentions_ts ON entity_mentions (ts)`,

	`CREATE TABLE IF NOT EXISTS entity_relationships (
		id                uuid PRIMARY KEY,
		source_entity_id  uuid NOT NULL REFERENCES tracked_entities(entity_id) ON DELETE CASCADE,
		target_entity_id  uuid NOT NULL REFERENCES tracked_entities(entity_id) ON DELETE CASCADE,
		relationship_type text NOT NULL,
		description       text NOT NULL DEFAULT '',
		first_seen        timestamptz NOT NULL DEFAULT now(),
		last_seen         timestamptz NOT NULL DEFAULT now(),
		mention_count     int NOT NULL DEFAULT 1,
		confidence        double precision NOT NULL DEFAULT 0.5,
		user_id           text NOT NULL,
		metadata          jsonb NOT NULL DEFAULT '{}',
		UNIQUE (source_entity_id, target_entity_id, relationship_type),
		CHECK (source_entity_id <> target_entity_id)
	)`,
}

// Vector schema is applied separately so a database without the
// pgvector extension can still run collection and processing; only
// semantic search is lost.
var vectorSchema = []string{
	`CREATE EXTENSION IF NOT EXISTS vector`,
	`CREATE TABLE IF NOT EXISTS item_embeddings (
		vector_id    uuid PRIMARY KEY,
		news_item_id uuid NOT NULL REFERENCES news_items(id) ON DELETE CASCADE,
		embedding    vector(768),
		payload      jsonb NOT NULL DEFAULT '{}',
		created_at   timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_item_embeddings_item ON item_embeddings (news_item_id)`,
}

// EnsureSchema creates the core tables and indexes.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range coreSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// EnsureVectorSchema creates the pgvector extension and embedding
// table. Callers treat failure as "semantic search unavailable" rather
// than fatal.
func (s *Store) EnsureVectorSchema(ctx context.Context) error {
	for _, stmt := range vectorSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply vector schema: %w", err)
		}
	}
	return nil
}
