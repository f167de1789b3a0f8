package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	memdb "github.com/hashicorp/go-memdb"

	"github.com/ShayCichocki/stepflow/pkg/models"
)

const (
	tableItems       = "items"
	tableExecutions  = "executions"
	tableCheckpoints = "checkpoints"
	tableEvents      = "events"
)

// memCheckpoint and memEvent carry an insertion sequence so listings are
// stable when timestamps collide.
type memCheckpoint struct {
	models.Checkpoint
	Seq int64
}

type memEvent struct {
	models.Event
	Seq int64
}

func memSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableItems: {
				Name: tableItems,
				Indexes: map[string]*memdb.IndexSchema{
					"id":        {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
					"status":    {Name: "status", Indexer: &memdb.StringFieldIndex{Field: "Status"}},
					"execution": {Name: "execution", AllowMissing: true, Indexer: &memdb.StringFieldIndex{Field: "ExecutionID"}},
					"worker":    {Name: "worker", AllowMissing: true, Indexer: &memdb.StringFieldIndex{Field: "WorkerID"}},
				},
			},
			tableExecutions: {
				Name: tableExecutions,
				Indexes: map[string]*memdb.IndexSchema{
					"id":    {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
					"state": {Name: "state", Indexer: &memdb.StringFieldIndex{Field: "State"}},
				},
			},
			tableCheckpoints: {
				Name: tableCheckpoints,
				Indexes: map[string]*memdb.IndexSchema{
					"id":        {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
					"execution": {Name: "execution", Indexer: &memdb.StringFieldIndex{Field: "ExecutionID"}},
				},
			},
			tableEvents: {
				Name: tableEvents,
				Indexes: map[string]*memdb.IndexSchema{
					"id":        {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
					"execution": {Name: "execution", Indexer: &memdb.StringFieldIndex{Field: "ExecutionID"}},
				},
			},
		},
	}
}

// MemStore is an in-process QueueStore backed by go-memdb. Write
// transactions are serialized by memdb, which makes every mutation atomic.
// Stored objects are never modified in place; updates insert a copy.
type MemStore struct {
	db  *memdb.MemDB
	seq int64
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() (*MemStore, error) {
	db, err := memdb.NewMemDB(memSchema())
	if err != nil {
		return nil, fmt.Errorf("create memdb: %w", err)
	}
	return &MemStore{db: db}, nil
}

// Close is a no-op.
func (m *MemStore) Close() error { return nil }

// Migrate is a no-op; the schema is fixed at construction.
func (m *MemStore) Migrate() error { return nil }

// nextSeq must only be called inside a write transaction.
func (m *MemStore) nextSeq() int64 {
	m.seq++
	return m.seq
}

func (m *MemStore) firstItem(txn *memdb.Txn, id string) (*models.QueueItem, error) {
	raw, err := txn.First(tableItems, "id", id)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	return raw.(*models.QueueItem), nil
}

func collectItems(it memdb.ResultIterator) []models.QueueItem {
	var items []models.QueueItem
	for raw := it.Next(); raw != nil; raw = it.Next() {
		items = append(items, *raw.(*models.QueueItem).Clone())
	}
	return items
}

func sortDequeueOrder(items []models.QueueItem) {
	sort.SliceStable(items, func(i, j int) bool {
		return dequeueBefore(&items[i], &items[j])
	})
}

func dequeueBefore(a, b *models.QueueItem) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Seq < b.Seq
}

// InsertItem persists a new queue item.
func (m *MemStore) InsertItem(_ context.Context, item *models.QueueItem) error {
	txn := m.db.Txn(true)
	defer txn.Abort()

	if raw, _ := txn.First(tableItems, "id", item.ID); raw != nil {
		return fmt.Errorf("insert item: duplicate id %s", item.ID)
	}
	c := item.Clone()
	c.Seq = m.nextSeq()
	if err := txn.Insert(tableItems, c); err != nil {
		return fmt.Errorf("insert item: %w", err)
	}
	txn.Commit()
	item.Seq = c.Seq
	return nil
}

// GetItem retrieves an item by ID.
func (m *MemStore) GetItem(_ context.Context, id string) (*models.QueueItem, error) {
	txn := m.db.Txn(false)
	defer txn.Abort()

	item, err := m.firstItem(txn, id)
	if err != nil {
		return nil, err
	}
	return item.Clone(), nil
}

// ClaimNextItem selects and claims the next pending item in one write
// transaction.
func (m *MemStore) ClaimNextItem(_ context.Context, workerID string, now time.Time) (*models.QueueItem, error) {
	txn := m.db.Txn(true)
	defer txn.Abort()

	it, err := txn.Get(tableItems, "status", string(models.ItemPending))
	if err != nil {
		return nil, fmt.Errorf("claim item: %w", err)
	}
	var best *models.QueueItem
	for raw := it.Next(); raw != nil; raw = it.Next() {
		item := raw.(*models.QueueItem)
		if best == nil || dequeueBefore(item, best) {
			best = item
		}
	}
	if best == nil {
		return nil, nil
	}

	c := best.Clone()
	c.Status = models.ItemProcessing
	c.StartedAt = &now
	c.WorkerID = workerID
	c.Attempts++
	if err := txn.Insert(tableItems, c); err != nil {
		return nil, fmt.Errorf("claim item: %w", err)
	}
	txn.Commit()
	return c.Clone(), nil
}

// updateItem applies fn to a copy of the item inside a write transaction.
// fn returns false when the item's status does not permit the change.
func (m *MemStore) updateItem(id, op string, fn func(*models.QueueItem) bool) (*models.QueueItem, error) {
	txn := m.db.Txn(true)
	defer txn.Abort()

	item, err := m.firstItem(txn, id)
	if err != nil {
		return nil, err
	}
	c := item.Clone()
	if !fn(c) {
		return nil, itemConflictError(op, item)
	}
	if err := txn.Insert(tableItems, c); err != nil {
		return nil, fmt.Errorf("%s item: %w", op, err)
	}
	txn.Commit()
	return c.Clone(), nil
}

// holds reports whether item is processing under claim cl.
func holds(item *models.QueueItem, cl Claim) bool {
	return item.Status == models.ItemProcessing &&
		item.WorkerID == cl.WorkerID && item.Attempts == cl.Attempt
}

// CompleteItem marks a processing item completed and stores its result.
func (m *MemStore) CompleteItem(_ context.Context, cl Claim, result json.RawMessage, now time.Time) (*models.QueueItem, error) {
	return m.updateItem(cl.ItemID, "complete", func(c *models.QueueItem) bool {
		if !holds(c, cl) {
			return false
		}
		c.Status = models.ItemCompleted
		c.CompletedAt = &now
		if result != nil {
			c.Result = append(json.RawMessage(nil), result...)
		}
		return true
	})
}

// FailItem records a failed attempt and decides retry or terminal failure.
func (m *MemStore) FailItem(_ context.Context, cl Claim, errMsg string, now time.Time) (*models.QueueItem, error) {
	return m.updateItem(cl.ItemID, "fail", func(c *models.QueueItem) bool {
		if !holds(c, cl) {
			return false
		}
		c.LastError = errMsg
		if c.Attempts < c.MaxAttempts {
			c.Status = models.ItemPending
			c.WorkerID = ""
			c.StartedAt = nil
			c.CompletedAt = nil
		} else {
			c.Status = models.ItemFailed
			c.CompletedAt = &now
		}
		return true
	})
}

// CancelItem cancels a pending or processing item.
func (m *MemStore) CancelItem(_ context.Context, id string, now time.Time) (*models.QueueItem, error) {
	return m.updateItem(id, "cancel", func(c *models.QueueItem) bool {
		if c.Status != models.ItemPending && c.Status != models.ItemProcessing {
			return false
		}
		c.Status = models.ItemCancelled
		c.CompletedAt = &now
		return true
	})
}

// CancelExecutionItems cancels every live item of an execution.
func (m *MemStore) CancelExecutionItems(_ context.Context, executionID string, now time.Time) ([]string, error) {
	txn := m.db.Txn(true)
	defer txn.Abort()

	it, err := txn.Get(tableItems, "execution", executionID)
	if err != nil {
		return nil, fmt.Errorf("cancel execution items: %w", err)
	}
	var live []*models.QueueItem
	for raw := it.Next(); raw != nil; raw = it.Next() {
		item := raw.(*models.QueueItem)
		if item.Status == models.ItemPending || item.Status == models.ItemProcessing {
			live = append(live, item)
		}
	}

	ids := make([]string, 0, len(live))
	for _, item := range live {
		c := item.Clone()
		c.Status = models.ItemCancelled
		c.CompletedAt = &now
		if err := txn.Insert(tableItems, c); err != nil {
			return nil, fmt.Errorf("cancel execution items: %w", err)
		}
		ids = append(ids, c.ID)
	}
	txn.Commit()
	return ids, nil
}

// ResetStuckItems reclaims processing items whose attempt started before cutoff.
func (m *MemStore) ResetStuckItems(_ context.Context, cutoff time.Time) ([]models.QueueItem, error) {
	txn := m.db.Txn(true)
	defer txn.Abort()

	it, err := txn.Get(tableItems, "status", string(models.ItemProcessing))
	if err != nil {
		return nil, fmt.Errorf("reset stuck items: %w", err)
	}
	var stuck []*models.QueueItem
	for raw := it.Next(); raw != nil; raw = it.Next() {
		item := raw.(*models.QueueItem)
		if item.StartedAt != nil && item.StartedAt.Before(cutoff) {
			stuck = append(stuck, item)
		}
	}

	now := time.Now()
	var out []models.QueueItem
	for _, item := range stuck {
		c := item.Clone()
		c.WorkerID = ""
		c.StartedAt = nil
		if c.Attempts < c.MaxAttempts {
			c.Status = models.ItemPending
		} else {
			c.Status = models.ItemFailed
			c.CompletedAt = &now
			c.LastError = "worker timed out"
		}
		if err := txn.Insert(tableItems, c); err != nil {
			return nil, fmt.Errorf("reset stuck items: %w", err)
		}
		out = append(out, *c.Clone())
	}
	txn.Commit()
	return out, nil
}

// ListItemsByStatus lists items with the given status in dequeue order.
func (m *MemStore) ListItemsByStatus(_ context.Context, status models.ItemStatus, limit int) ([]models.QueueItem, error) {
	txn := m.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableItems, "status", string(status))
	if err != nil {
		return nil, fmt.Errorf("list items by status: %w", err)
	}
	items := collectItems(it)
	sortDequeueOrder(items)
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// ListItemsByWorker lists items claimed by a worker, newest first.
func (m *MemStore) ListItemsByWorker(_ context.Context, workerID string) ([]models.QueueItem, error) {
	txn := m.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableItems, "worker", workerID)
	if err != nil {
		return nil, fmt.Errorf("list items by worker: %w", err)
	}
	items := collectItems(it)
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return items[i].Seq > items[j].Seq
	})
	return items, nil
}

// ListItemsByExecution lists the items of an execution in creation order.
func (m *MemStore) ListItemsByExecution(_ context.Context, executionID string) ([]models.QueueItem, error) {
	txn := m.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableItems, "execution", executionID)
	if err != nil {
		return nil, fmt.Errorf("list items by execution: %w", err)
	}
	items := collectItems(it)
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].Seq < items[j].Seq
	})
	return items, nil
}

// CountItemsByStatus returns the number of items per status.
func (m *MemStore) CountItemsByStatus(_ context.Context) (map[models.ItemStatus]int, error) {
	txn := m.db.Txn(false)
	defer txn.Abort()

	counts := make(map[models.ItemStatus]int, len(models.AllItemStatuses))
	for _, s := range models.AllItemStatuses {
		counts[s] = 0
	}
	it, err := txn.Get(tableItems, "id")
	if err != nil {
		return nil, fmt.Errorf("count items: %w", err)
	}
	for raw := it.Next(); raw != nil; raw = it.Next() {
		counts[raw.(*models.QueueItem).Status]++
	}
	return counts, nil
}

// CountCompletedSince counts items completed at or after since.
func (m *MemStore) CountCompletedSince(_ context.Context, since time.Time) (int, error) {
	txn := m.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableItems, "status", string(models.ItemCompleted))
	if err != nil {
		return 0, fmt.Errorf("count completed: %w", err)
	}
	n := 0
	for raw := it.Next(); raw != nil; raw = it.Next() {
		item := raw.(*models.QueueItem)
		if item.CompletedAt != nil && !item.CompletedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// DeleteTerminalItems deletes terminal items completed before cutoff.
func (m *MemStore) DeleteTerminalItems(_ context.Context, cutoff time.Time) (int64, error) {
	txn := m.db.Txn(true)
	defer txn.Abort()

	var doomed []*models.QueueItem
	for _, status := range []models.ItemStatus{models.ItemCompleted, models.ItemFailed, models.ItemCancelled} {
		it, err := txn.Get(tableItems, "status", string(status))
		if err != nil {
			return 0, fmt.Errorf("delete terminal items: %w", err)
		}
		for raw := it.Next(); raw != nil; raw = it.Next() {
			item := raw.(*models.QueueItem)
			if item.CompletedAt != nil && item.CompletedAt.Before(cutoff) {
				doomed = append(doomed, item)
			}
		}
	}
	for _, item := range doomed {
		if err := txn.Delete(tableItems, item); err != nil {
			return 0, fmt.Errorf("delete terminal items: %w", err)
		}
	}
	txn.Commit()
	return int64(len(doomed)), nil
}

func (m *MemStore) firstExecution(txn *memdb.Txn, id string) (*models.Execution, error) {
	raw, err := txn.First(tableExecutions, "id", id)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	return raw.(*models.Execution), nil
}

// CreateExecution creates a new execution record.
func (m *MemStore) CreateExecution(_ context.Context, e *models.Execution) error {
	txn := m.db.Txn(true)
	defer txn.Abort()

	if raw, _ := txn.First(tableExecutions, "id", e.ID); raw != nil {
		return fmt.Errorf("create execution: duplicate id %s", e.ID)
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = e.CreatedAt
	}
	if err := txn.Insert(tableExecutions, e.Clone()); err != nil {
		return fmt.Errorf("create execution: %w", err)
	}
	txn.Commit()
	return nil
}

// GetExecution retrieves an execution by ID.
func (m *MemStore) GetExecution(_ context.Context, id string) (*models.Execution, error) {
	txn := m.db.Txn(false)
	defer txn.Abort()

	e, err := m.firstExecution(txn, id)
	if err != nil {
		return nil, err
	}
	return e.Clone(), nil
}

func (m *MemStore) putExecution(txn *memdb.Txn, e *models.Execution) error {
	existing, err := m.firstExecution(txn, e.ID)
	if err != nil {
		return err
	}
	c := e.Clone()
	c.PauseRequested = existing.PauseRequested
	c.CancelRequested = existing.CancelRequested
	return txn.Insert(tableExecutions, c)
}

// guarded returns the stored execution when it still matches g.
func (m *MemStore) guarded(txn *memdb.Txn, g Guard) (*models.Execution, error) {
	existing, err := m.firstExecution(txn, g.ID)
	if err != nil {
		return nil, err
	}
	if !g.Matches(existing) {
		return nil, fmt.Errorf("execution %s: %w: expected %s at level %d (resume %d), found %s at level %d (resume %d)",
			g.ID, ErrConflict, g.State, g.CurrentLevel, g.ResumeCount,
			existing.State, existing.CurrentLevel, existing.ResumeCount)
	}
	return existing, nil
}

// TouchExecution refreshes UpdatedAt of a guarded execution.
func (m *MemStore) TouchExecution(_ context.Context, g Guard, now time.Time) error {
	txn := m.db.Txn(true)
	defer txn.Abort()

	existing, err := m.guarded(txn, g)
	if err != nil {
		return fmt.Errorf("touch execution: %w", err)
	}
	c := existing.Clone()
	c.UpdatedAt = now
	if err := txn.Insert(tableExecutions, c); err != nil {
		return fmt.Errorf("touch execution: %w", err)
	}
	txn.Commit()
	return nil
}

// UpdateExecution updates an execution. The request flags are left untouched.
func (m *MemStore) UpdateExecution(_ context.Context, e *models.Execution) error {
	txn := m.db.Txn(true)
	defer txn.Abort()

	if err := m.putExecution(txn, e); err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	txn.Commit()
	return nil
}

// SetPauseRequested sets or clears the pause request flag of an execution.
func (m *MemStore) SetPauseRequested(_ context.Context, id string, requested bool) error {
	return m.setFlag(id, func(e *models.Execution) { e.PauseRequested = requested })
}

// SetCancelRequested sets or clears the cancel request flag of an execution.
func (m *MemStore) SetCancelRequested(_ context.Context, id string, requested bool) error {
	return m.setFlag(id, func(e *models.Execution) { e.CancelRequested = requested })
}

func (m *MemStore) setFlag(id string, set func(*models.Execution)) error {
	txn := m.db.Txn(true)
	defer txn.Abort()

	e, err := m.firstExecution(txn, id)
	if err != nil {
		return err
	}
	c := e.Clone()
	set(c)
	c.UpdatedAt = time.Now()
	if err := txn.Insert(tableExecutions, c); err != nil {
		return fmt.Errorf("set execution flag: %w", err)
	}
	txn.Commit()
	return nil
}

// ListExecutions lists executions, newest first, optionally filtered by state.
func (m *MemStore) ListExecutions(_ context.Context, states ...models.ExecutionState) ([]models.Execution, error) {
	txn := m.db.Txn(false)
	defer txn.Abort()

	var out []models.Execution
	collect := func(it memdb.ResultIterator) {
		for raw := it.Next(); raw != nil; raw = it.Next() {
			out = append(out, *raw.(*models.Execution).Clone())
		}
	}
	if len(states) == 0 {
		it, err := txn.Get(tableExecutions, "id")
		if err != nil {
			return nil, fmt.Errorf("list executions: %w", err)
		}
		collect(it)
	}
	for _, s := range states {
		it, err := txn.Get(tableExecutions, "state", string(s))
		if err != nil {
			return nil, fmt.Errorf("list executions: %w", err)
		}
		collect(it)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func cloneCheckpoint(cp *models.Checkpoint) *models.Checkpoint {
	c := *cp
	c.CompletedSteps = append([]string(nil), cp.CompletedSteps...)
	c.FailedSteps = append([]string(nil), cp.FailedSteps...)
	c.PendingSteps = append([]string(nil), cp.PendingSteps...)
	c.Context = append([]byte(nil), cp.Context...)
	return &c
}

// GetCheckpoint retrieves a checkpoint by ID.
func (m *MemStore) GetCheckpoint(_ context.Context, id string) (*models.Checkpoint, error) {
	txn := m.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(tableCheckpoints, "id", id)
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("checkpoint %s: %w", id, ErrNotFound)
	}
	return cloneCheckpoint(&raw.(*memCheckpoint).Checkpoint), nil
}

func (m *MemStore) checkpointsOf(txn *memdb.Txn, executionID string) ([]*memCheckpoint, error) {
	it, err := txn.Get(tableCheckpoints, "execution", executionID)
	if err != nil {
		return nil, err
	}
	var cps []*memCheckpoint
	for raw := it.Next(); raw != nil; raw = it.Next() {
		cps = append(cps, raw.(*memCheckpoint))
	}
	sort.SliceStable(cps, func(i, j int) bool {
		if !cps[i].CreatedAt.Equal(cps[j].CreatedAt) {
			return cps[i].CreatedAt.Before(cps[j].CreatedAt)
		}
		return cps[i].Seq < cps[j].Seq
	})
	return cps, nil
}

// LatestCheckpoint returns the most recent checkpoint of an execution.
func (m *MemStore) LatestCheckpoint(_ context.Context, executionID string) (*models.Checkpoint, error) {
	txn := m.db.Txn(false)
	defer txn.Abort()

	cps, err := m.checkpointsOf(txn, executionID)
	if err != nil {
		return nil, fmt.Errorf("latest checkpoint: %w", err)
	}
	if len(cps) == 0 {
		return nil, fmt.Errorf("checkpoint for execution %s: %w", executionID, ErrNotFound)
	}
	return cloneCheckpoint(&cps[len(cps)-1].Checkpoint), nil
}

// ListCheckpoints lists an execution's checkpoints, oldest first.
func (m *MemStore) ListCheckpoints(_ context.Context, executionID string) ([]models.Checkpoint, error) {
	txn := m.db.Txn(false)
	defer txn.Abort()

	cps, err := m.checkpointsOf(txn, executionID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	out := make([]models.Checkpoint, 0, len(cps))
	for _, cp := range cps {
		out = append(out, *cloneCheckpoint(&cp.Checkpoint))
	}
	return out, nil
}

// CommitLevel writes a checkpoint, the execution update and events in one
// write transaction, provided the stored execution still matches g.
func (m *MemStore) CommitLevel(_ context.Context, g Guard, cp *models.Checkpoint, e *models.Execution, events ...*models.Event) error {
	if g.ID != e.ID {
		return fmt.Errorf("commit level: guard for %s used on execution %s", g.ID, e.ID)
	}
	txn := m.db.Txn(true)
	defer txn.Abort()

	if _, err := m.guarded(txn, g); err != nil {
		return fmt.Errorf("commit level: %w", err)
	}

	if cp != nil {
		if err := txn.Insert(tableCheckpoints, &memCheckpoint{Checkpoint: *cloneCheckpoint(cp), Seq: m.nextSeq()}); err != nil {
			return fmt.Errorf("commit level: insert checkpoint: %w", err)
		}
	}
	if err := m.putExecution(txn, e); err != nil {
		return fmt.Errorf("commit level: update execution: %w", err)
	}
	for _, ev := range events {
		if err := m.insertEvent(txn, ev); err != nil {
			return fmt.Errorf("commit level: insert event: %w", err)
		}
	}
	txn.Commit()
	return nil
}

// PruneCheckpoints deletes checkpoints of terminal executions completed
// before cutoff.
func (m *MemStore) PruneCheckpoints(_ context.Context, cutoff time.Time) (int64, error) {
	txn := m.db.Txn(true)
	defer txn.Abort()

	var n int64
	for _, s := range []models.ExecutionState{models.ExecutionCompleted, models.ExecutionFailed} {
		it, err := txn.Get(tableExecutions, "state", string(s))
		if err != nil {
			return 0, fmt.Errorf("prune checkpoints: %w", err)
		}
		var ids []string
		for raw := it.Next(); raw != nil; raw = it.Next() {
			e := raw.(*models.Execution)
			if e.CompletedAt != nil && e.CompletedAt.Before(cutoff) {
				ids = append(ids, e.ID)
			}
		}
		for _, id := range ids {
			deleted, err := txn.DeleteAll(tableCheckpoints, "execution", id)
			if err != nil {
				return 0, fmt.Errorf("prune checkpoints: %w", err)
			}
			n += int64(deleted)
		}
	}
	txn.Commit()
	return n, nil
}

func (m *MemStore) insertEvent(txn *memdb.Txn, ev *models.Event) error {
	c := *ev
	if ev.Payload != nil {
		c.Payload = make(map[string]any, len(ev.Payload))
		for k, v := range ev.Payload {
			c.Payload[k] = v
		}
	}
	return txn.Insert(tableEvents, &memEvent{Event: c, Seq: m.nextSeq()})
}

// AppendEvent appends an event to an execution's audit trail.
func (m *MemStore) AppendEvent(_ context.Context, ev *models.Event) error {
	txn := m.db.Txn(true)
	defer txn.Abort()

	if err := m.insertEvent(txn, ev); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	txn.Commit()
	return nil
}

func collectEvents(it memdb.ResultIterator) []*memEvent {
	var evs []*memEvent
	for raw := it.Next(); raw != nil; raw = it.Next() {
		evs = append(evs, raw.(*memEvent))
	}
	sort.SliceStable(evs, func(i, j int) bool {
		if !evs[i].Timestamp.Equal(evs[j].Timestamp) {
			return evs[i].Timestamp.Before(evs[j].Timestamp)
		}
		return evs[i].Seq < evs[j].Seq
	})
	return evs
}

// ListEvents lists an execution's events in the order they were appended.
func (m *MemStore) ListEvents(_ context.Context, executionID string) ([]models.Event, error) {
	txn := m.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableEvents, "execution", executionID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	evs := collectEvents(it)
	out := make([]models.Event, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Event)
	}
	return out, nil
}

// RecentEvents returns the latest events across all executions, newest first.
func (m *MemStore) RecentEvents(_ context.Context, limit int) ([]models.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	txn := m.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableEvents, "id")
	if err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	evs := collectEvents(it)
	out := make([]models.Event, 0, limit)
	for i := len(evs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, evs[i].Event)
	}
	return out, nil
}
