package entity

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// Extraction task statuses.
const (
	TaskInProgress = "in_progress"
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
)

const (
	defaultMaxConcurrent = 1
	recentCompletedCap   = 10
)

// ExtractionTask tracks one extraction batch through the queue.
type ExtractionTask struct {
	RequestID      string    `json:"request_id"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	StartedAt      time.Time `json:"started_at"`
	CompletedAt    time.Time `json:"completed_at,omitempty"`
	ItemsTotal     int       `json:"items_total"`
	ItemsProcessed int       `json:"items_processed"`
	Error          string    `json:"error,omitempty"`
}

// QueueStatus is a consistent snapshot of the queue.
type QueueStatus struct {
	IsActive        bool             `json:"is_active"`
	ActiveTask      *ExtractionTask  `json:"active_task,omitempty"`
	QueueSize       int              `json:"queue_size"`
	RecentCompleted []ExtractionTask `json:"recent_completed"`
}

// QueueManager serializes heavyweight extraction batches: at most
// maxConcurrent run at once (default one), later requests wait their
// turn. Completed tasks are retained for status queries.
type QueueManager struct {
	sem *semaphore.Weighted

	mu      sync.Mutex
	active  *ExtractionTask
	waiting int
	recent  []ExtractionTask
}

// NewQueueManager creates a queue with the given slot count;
// values below one fall back to the single-slot default.
func NewQueueManager(maxConcurrent int) *QueueManager {
	if maxConcurrent < 1 {
		maxConcurrent = defaultMaxConcurrent
	}
	return &QueueManager{
		sem: semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

// QueuePosition reports how many requests are waiting for a slot; a
// new request would be queued behind them.
func (q *QueueManager) QueuePosition() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.waiting
}

// AcquireSlot blocks until a slot is free, then installs and returns
// the new active task. Context cancellation while waiting returns the
// context error.
func (q *QueueManager) AcquireSlot(ctx context.Context) (*ExtractionTask, error) {
	q.mu.Lock()
	q.waiting++
	q.mu.Unlock()

	err := q.sem.Acquire(ctx, 1)

	q.mu.Lock()
	defer q.mu.Unlock()
	q.waiting--
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	task := &ExtractionTask{
		RequestID: uuid.New().String(),
		Status:    TaskInProgress,
		CreatedAt: now,
		StartedAt: now,
	}
	q.active = task
	return task, nil
}

// ReleaseSlot finishes a task and frees its slot. The task moves into
// the recent-completed collection, evicting the oldest on overflow.
func (q *QueueManager) ReleaseSlot(task *ExtractionTask, success bool, errMsg string) {
	q.mu.Lock()
	task.CompletedAt = time.Now().UTC()
	if success {
		task.Status = TaskCompleted
	} else {
		task.Status = TaskFailed
	}
	task.Error = errMsg

	q.recent = append(q.recent, *task)
	if len(q.recent) > recentCompletedCap {
		q.recent = q.recent[len(q.recent)-recentCompletedCap:]
	}
	if q.active == task {
		q.active = nil
	}
	q.mu.Unlock()

	q.sem.Release(1)
}

// UpdateProgress advances a task's counters.
func (q *QueueManager) UpdateProgress(task *ExtractionTask, processed, total int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	task.ItemsProcessed = processed
	task.ItemsTotal = total
}

// Status returns a snapshot: active task copy, waiter count, and the
// recent completions, newest last.
func (q *QueueManager) Status() QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := QueueStatus{
		IsActive:        q.active != nil,
		QueueSize:       q.waiting,
		RecentCompleted: make([]ExtractionTask, len(q.recent)),
	}
	copy(st.RecentCompleted, q.recent)
	if q.active != nil {
		cp := *q.active
		st.ActiveTask = &cp
	}
	return st
}
