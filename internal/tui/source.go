package tui

import (
	"context"
	"fmt"
	"time"

	"github.com/ShayCichocki/stepflow/internal/queue"
	"github.com/ShayCichocki/stepflow/internal/state"
	"github.com/ShayCichocki/stepflow/pkg/models"
)

// recentEventLimit bounds the audit events fetched per refresh.
const recentEventLimit = 200

// Snapshot is one refresh worth of dashboard data.
type Snapshot struct {
	Stats      *queue.Stats
	Executions []models.Execution
	Events     []models.Event
	TakenAt    time.Time
}

// Source produces dashboard snapshots.
type Source interface {
	Snapshot(ctx context.Context) (*Snapshot, error)
}

// Controller steers the execution selected in the dashboard.
type Controller interface {
	PauseExecution(ctx context.Context, executionID string) error
	ResumeLatest(ctx context.Context, executionID string) (*models.Execution, error)
	CancelExecution(ctx context.Context, executionID, reason string) error
}

// StoreSource reads snapshots straight from the queue store.
type StoreSource struct {
	queue *queue.Queue
	store state.QueueStore
}

// NewStoreSource creates a Source over q and store.
func NewStoreSource(q *queue.Queue, store state.QueueStore) *StoreSource {
	return &StoreSource{queue: q, store: store}
}

// Snapshot implements Source. Executions are those not yet terminal.
func (s *StoreSource) Snapshot(ctx context.Context) (*Snapshot, error) {
	stats, err := s.queue.GetStats(ctx)
	if err != nil {
		return nil, err
	}
	execs, err := s.store.ListExecutions(ctx,
		models.ExecutionParsing,
		models.ExecutionValidating,
		models.ExecutionExecuting,
		models.ExecutionPaused,
	)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	events, err := s.store.RecentEvents(ctx, recentEventLimit)
	if err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	return &Snapshot{
		Stats:      stats,
		Executions: execs,
		Events:     events,
		TakenAt:    time.Now(),
	}, nil
}
