package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ShayCichocki/stepflow/pkg/models"
)

// InterruptedExecution describes an execution that was being driven when
// its driver stopped heartbeating.
type InterruptedExecution struct {
	ExecutionID     string
	WorkflowName    string
	State           models.ExecutionState
	CurrentLevel    int
	LastActivity    time.Time
	ProcessingItems int
	PendingItems    int
	// LatestCheckpointID is empty when the run never committed a level.
	LatestCheckpointID string
}

// RecoveryManager handles detection of interrupted executions.
type RecoveryManager struct {
	store QueueStore
	// staleAfter is how long an execution may go without a heartbeat before
	// it counts as interrupted.
	staleAfter time.Duration
}

// NewRecoveryManager creates a new RecoveryManager over the given store.
func NewRecoveryManager(store QueueStore, staleAfter time.Duration) *RecoveryManager {
	if staleAfter <= 0 {
		staleAfter = time.Minute
	}
	return &RecoveryManager{store: store, staleAfter: staleAfter}
}

// CheckForInterrupted returns executions that are mid-run in the store but
// have not been touched for longer than the stale threshold.
func (rm *RecoveryManager) CheckForInterrupted(ctx context.Context) ([]InterruptedExecution, error) {
	executions, err := rm.store.ListExecutions(ctx,
		models.ExecutionParsing, models.ExecutionValidating, models.ExecutionExecuting)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}

	cutoff := time.Now().Add(-rm.staleAfter)
	var out []InterruptedExecution
	for _, e := range executions {
		if e.UpdatedAt.After(cutoff) {
			continue
		}

		info := InterruptedExecution{
			ExecutionID:  e.ID,
			WorkflowName: e.WorkflowName,
			State:        e.State,
			CurrentLevel: e.CurrentLevel,
			LastActivity: e.UpdatedAt,
		}

		items, err := rm.store.ListItemsByExecution(ctx, e.ID)
		if err != nil {
			return nil, fmt.Errorf("list items of %s: %w", e.ID, err)
		}
		for _, item := range items {
			switch item.Status {
			case models.ItemProcessing:
				info.ProcessingItems++
			case models.ItemPending:
				info.PendingItems++
			}
			if item.StartedAt != nil && item.StartedAt.After(info.LastActivity) {
				info.LastActivity = *item.StartedAt
			}
		}

		cp, err := rm.store.LatestCheckpoint(ctx, e.ID)
		switch {
		case err == nil:
			info.LatestCheckpointID = cp.ID
		case !errors.Is(err, ErrNotFound):
			return nil, fmt.Errorf("latest checkpoint of %s: %w", e.ID, err)
		}

		out = append(out, info)
	}
	return out, nil
}
