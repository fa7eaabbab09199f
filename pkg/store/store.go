// Package store implements Postgres persistence for The Pulse:
// collected items with URL and content-hash deduplication, collection
// run bookkeeping, tracked entities with mentions and relationships,
// and a pgvector-backed embedding store for semantic search.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
)

var (
	// ErrNotFound is returned by lookups that require the row to exist.
	ErrNotFound = errors.New("not found")

	// ErrSelfRelationship is returned when a relationship names the
	// same entity on both ends.
	ErrSelfRelationship = errors.New("self-relationship not allowed")

	// ErrMentionRef is returned when a mention does not reference
	// exactly one source record.
	ErrMentionRef = errors.New("mention must reference exactly one of document, article, or news item")
)

// Store wraps the Postgres connection shared by all persistence paths.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New opens a Postgres connection and verifies it.
func New(ctx context.Context, databaseURL string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db, logger: logger.With("component", "store")}, nil
}

// NewWithDB wraps an existing connection. Used by tests and callers
// that manage the pool themselves.
func NewWithDB(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger.With("component", "store")}
}

// DB exposes the underlying connection for components that share it,
// such as the pgvector store.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}
