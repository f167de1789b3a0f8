package state

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/ShayCichocki/stepflow/pkg/models"
)

// Claim is one delivery of a queue item: the worker that dequeued it and the
// attempt number the claim gave it. A worker whose claim was reset and
// handed to another worker no longer holds the current claim.
type Claim struct {
	ItemID   string
	WorkerID string
	Attempt  int
}

// ClaimOf returns the claim carried by an item returned from ClaimNextItem.
func ClaimOf(item *models.QueueItem) Claim {
	return Claim{ItemID: item.ID, WorkerID: item.WorkerID, Attempt: item.Attempts}
}

// ItemStore handles queue item persistence. Every method that changes an
// item does so in a single atomic read-modify-write.
type ItemStore interface {
	InsertItem(ctx context.Context, item *models.QueueItem) error
	GetItem(ctx context.Context, id string) (*models.QueueItem, error)
	// ClaimNextItem selects the highest priority, earliest created pending
	// item and moves it to processing for workerID. It returns nil, nil when
	// no item is pending.
	ClaimNextItem(ctx context.Context, workerID string, now time.Time) (*models.QueueItem, error)
	// CompleteItem finishes the delivery named by c. It returns ErrConflict
	// unless the item is processing under exactly that claim.
	CompleteItem(ctx context.Context, c Claim, result json.RawMessage, now time.Time) (*models.QueueItem, error)
	// FailItem records errMsg and either returns the item to pending (attempts
	// below max) or finalizes it as failed. It is fenced on c like
	// CompleteItem.
	FailItem(ctx context.Context, c Claim, errMsg string, now time.Time) (*models.QueueItem, error)
	CancelItem(ctx context.Context, id string, now time.Time) (*models.QueueItem, error)
	CancelExecutionItems(ctx context.Context, executionID string, now time.Time) ([]string, error)
	// ResetStuckItems returns processing items started before cutoff to
	// pending. An item that already used its last attempt is finalized as
	// failed instead. The items are returned in their new state.
	ResetStuckItems(ctx context.Context, cutoff time.Time) ([]models.QueueItem, error)
	ListItemsByStatus(ctx context.Context, status models.ItemStatus, limit int) ([]models.QueueItem, error)
	ListItemsByWorker(ctx context.Context, workerID string) ([]models.QueueItem, error)
	ListItemsByExecution(ctx context.Context, executionID string) ([]models.QueueItem, error)
	CountItemsByStatus(ctx context.Context) (map[models.ItemStatus]int, error)
	CountCompletedSince(ctx context.Context, since time.Time) (int, error)
	// DeleteTerminalItems purges completed, failed and cancelled items whose
	// completion time is before cutoff.
	DeleteTerminalItems(ctx context.Context, cutoff time.Time) (int64, error)
}

// ExecutionStore handles execution persistence.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, e *models.Execution) error
	GetExecution(ctx context.Context, id string) (*models.Execution, error)
	// UpdateExecution writes every field except PauseRequested and
	// CancelRequested, which only change through their setters. Another
	// process can raise them while a driver holds the execution.
	UpdateExecution(ctx context.Context, e *models.Execution) error
	// TouchExecution sets updated_at to now and nothing else. It returns
	// ErrConflict when the stored execution no longer matches g.
	TouchExecution(ctx context.Context, g Guard, now time.Time) error
	SetPauseRequested(ctx context.Context, id string, requested bool) error
	SetCancelRequested(ctx context.Context, id string, requested bool) error
	ListExecutions(ctx context.Context, states ...models.ExecutionState) ([]models.Execution, error)
}

// Guard is the version of an execution a writer last read. Two writers that
// read the same version cannot both commit a change on top of it: the first
// commit moves the state, level or resume count and the second is refused.
type Guard struct {
	ID           string
	State        models.ExecutionState
	CurrentLevel int
	ResumeCount  int
}

// GuardOf returns the guard for e as it is now.
func GuardOf(e *models.Execution) Guard {
	return Guard{
		ID:           e.ID,
		State:        e.State,
		CurrentLevel: e.CurrentLevel,
		ResumeCount:  e.ResumeCount,
	}
}

// Matches reports whether e is still at the guarded version.
func (g Guard) Matches(e *models.Execution) bool {
	return e.ID == g.ID && e.State == g.State &&
		e.CurrentLevel == g.CurrentLevel && e.ResumeCount == g.ResumeCount
}

// CheckpointStore handles checkpoint persistence.
type CheckpointStore interface {
	GetCheckpoint(ctx context.Context, id string) (*models.Checkpoint, error)
	LatestCheckpoint(ctx context.Context, executionID string) (*models.Checkpoint, error)
	ListCheckpoints(ctx context.Context, executionID string) ([]models.Checkpoint, error)
	// CommitLevel writes cp, updates e and appends events as one transaction.
	// Nothing is written and ErrConflict is returned when the stored
	// execution no longer matches g.
	CommitLevel(ctx context.Context, g Guard, cp *models.Checkpoint, e *models.Execution, events ...*models.Event) error
	// PruneCheckpoints deletes checkpoints of executions that reached a
	// terminal state before cutoff.
	PruneCheckpoints(ctx context.Context, cutoff time.Time) (int64, error)
}

// EventStore handles the append-only audit trail.
type EventStore interface {
	AppendEvent(ctx context.Context, ev *models.Event) error
	ListEvents(ctx context.Context, executionID string) ([]models.Event, error)
	RecentEvents(ctx context.Context, limit int) ([]models.Event, error)
}

// Migrator handles database schema migrations.
// Separating this allows clients to depend only on migration functionality.
type Migrator interface {
	// Migrate applies all pending schema migrations.
	Migrate() error
}

// QueueStore is the single source of truth for scheduling state.
// The queue, the orchestrator and the checkpoint manager depend on this
// interface rather than on a concrete backend.
type QueueStore interface {
	io.Closer
	Migrator
	ItemStore
	ExecutionStore
	CheckpointStore
	EventStore
}

// Compile-time verification that both backends implement all interfaces.
var (
	_ QueueStore      = (*DB)(nil)
	_ QueueStore      = (*MemStore)(nil)
	_ ItemStore       = (*DB)(nil)
	_ ExecutionStore  = (*DB)(nil)
	_ CheckpointStore = (*DB)(nil)
	_ EventStore      = (*DB)(nil)
)
