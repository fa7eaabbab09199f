package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Collection run statuses. Terminal rows are never mutated again.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// CollectionRun records one invocation of one collector.
type CollectionRun struct {
	ID             string
	CollectorType  string
	CollectorName  string
	StartedAt      time.Time
	CompletedAt    time.Time
	Status         string
	ItemsCollected int
	ItemsNew       int
	ItemsDuplicate int
	ItemsFiltered  int
	ErrorMessage   string
	Metadata       map[string]any
}

// StartRun inserts a running CollectionRun row and returns it.
func (s *Store) StartRun(ctx context.Context, collectorType, collectorName string) (*CollectionRun, error) {
	run := &CollectionRun{
		ID:            uuid.New().String(),
		CollectorType: collectorType,
		CollectorName: collectorName,
		StartedAt:     time.Now().UTC(),
		Status:        RunStatusRunning,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO collection_runs (id, collector_type, collector_name, started_at, status)
		VALUES ($1, $2, $3, $4, $5)`,
		run.ID, run.CollectorType, run.CollectorName, run.StartedAt, run.Status)
	if err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}
	return run, nil
}

// CompleteRun transitions a run to completed with its final counts.
func (s *Store) CompleteRun(ctx context.Context, run *CollectionRun) error {
	run.Status = RunStatusCompleted
	run.CompletedAt = time.Now().UTC()
	return s.finishRun(ctx, run)
}

// FailRun transitions a run to failed, recording the error string.
func (s *Store) FailRun(ctx context.Context, run *CollectionRun, errMsg string) error {
	run.Status = RunStatusFailed
	run.ErrorMessage = errMsg
	run.CompletedAt = time.Now().UTC()
	return s.finishRun(ctx, run)
}

func (s *Store) finishRun(ctx context.Context, run *CollectionRun) error {
	meta, err := json.Marshal(orEmptyMap(run.Metadata))
	if err != nil {
		return fmt.Errorf("marshal run metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE collection_runs
		SET completed_at = $2, status = $3, items_collected = $4, items_new = $5,
		    items_duplicate = $6, items_filtered = $7, error_message = $8, metadata = $9
		WHERE id = $1 AND status = 'running'`,
		run.ID, run.CompletedAt, run.Status, run.ItemsCollected, run.ItemsNew,
		run.ItemsDuplicate, run.ItemsFiltered, run.ErrorMessage, meta)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// GetRun fetches one run by id. Missing rows return (nil, nil).
func (s *Store) GetRun(ctx context.Context, id string) (*CollectionRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, collector_type, collector_name, started_at, completed_at, status,
		       items_collected, items_new, items_duplicate, items_filtered, error_message, metadata
		FROM collection_runs WHERE id = $1`, id)

	var (
		run       CollectionRun
		completed sql.NullTime
		meta      []byte
	)
	err := row.Scan(&run.ID, &run.CollectorType, &run.CollectorName, &run.StartedAt,
		&completed, &run.Status, &run.ItemsCollected, &run.ItemsNew,
		&run.ItemsDuplicate, &run.ItemsFiltered, &run.ErrorMessage, &meta)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	if completed.Valid {
		run.CompletedAt = completed.Time
	}
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &run.Metadata)
	}
	return &run, nil
}

// RunStats counts total and successful runs started at or after since.
func (s *Store) RunStats(ctx context.Context, since time.Time) (total, successful int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT count(*), count(*) FILTER (WHERE status = 'completed')
		FROM collection_runs
		WHERE started_at >= $1 AND status <> 'running'`, since).Scan(&total, &successful)
	if err != nil {
		return 0, 0, fmt.Errorf("run stats: %w", err)
	}
	return total, successful, nil
}
