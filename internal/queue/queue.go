// Package queue implements the persisted, priority-ordered work queue that
// workers pull from. All coordination goes through the state store's atomic
// operations; the Queue itself holds only process-local metrics.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ShayCichocki/stepflow/internal/state"
	"github.com/ShayCichocki/stepflow/pkg/models"
)

const (
	// DefaultMaxAttempts is used when an item is enqueued without a limit.
	DefaultMaxAttempts = 3
	// DefaultThroughputWindow is the rolling interval GetStats counts over.
	DefaultThroughputWindow = time.Minute
)

// EnqueueOptions controls how an item is queued.
type EnqueueOptions struct {
	// Priority orders dequeue; higher first. Defaults to 0.
	Priority int
	// MaxAttempts bounds delivery attempts. Zero uses the queue default.
	MaxAttempts int
	// ExecutionID and StepKey link the item to a workflow run.
	ExecutionID string
	StepKey     string
}

// Queue is the workflow queue.
type Queue struct {
	store  state.ItemStore
	sink   Sink
	logger *zap.SugaredLogger
	now    func() time.Time

	maxAttempts      int
	throughputWindow time.Duration

	// Running average of processing time, local to this process.
	mu        sync.Mutex
	avg       time.Duration
	completed int64
}

// Option configures a Queue.
type Option func(*Queue)

// WithSink sets the telemetry sink.
func WithSink(s Sink) Option {
	return func(q *Queue) {
		if s != nil {
			q.sink = s
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

// WithDefaultMaxAttempts overrides DefaultMaxAttempts.
func WithDefaultMaxAttempts(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

// WithThroughputWindow overrides DefaultThroughputWindow.
func WithThroughputWindow(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.throughputWindow = d
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New creates a Queue over the given store.
func New(store state.ItemStore, opts ...Option) *Queue {
	q := &Queue{
		store:            store,
		sink:             nopSink{},
		logger:           zap.NewNop().Sugar(),
		now:              time.Now,
		maxAttempts:      DefaultMaxAttempts,
		throughputWindow: DefaultThroughputWindow,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue persists payload as a new pending item and returns its ID.
// payload may be a json.RawMessage or any JSON-encodable value.
func (q *Queue) Enqueue(ctx context.Context, payload any, opts EnqueueOptions) (string, error) {
	raw, err := encode(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	if raw == nil {
		raw = json.RawMessage("null")
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.maxAttempts
	}

	item := &models.QueueItem{
		ID:          uuid.NewString(),
		ExecutionID: opts.ExecutionID,
		StepKey:     opts.StepKey,
		Payload:     raw,
		Options:     models.ItemOptions{Priority: opts.Priority, MaxAttempts: maxAttempts},
		Priority:    opts.Priority,
		Status:      models.ItemPending,
		CreatedAt:   q.now(),
		MaxAttempts: maxAttempts,
	}
	if err := q.store.InsertItem(ctx, item); err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}

	q.logger.Debugw("item enqueued", "item", item.ID, "priority", item.Priority, "step", item.StepKey)
	q.emit(Event{Type: models.EventEnqueued, Priority: item.Priority, Attempts: 0}, item)
	return item.ID, nil
}

// Dequeue claims the highest priority, earliest created pending item for
// workerID. It returns nil, nil when nothing is pending.
func (q *Queue) Dequeue(ctx context.Context, workerID string) (*models.QueueItem, error) {
	item, err := q.store.ClaimNextItem(ctx, workerID, q.now())
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	if item == nil {
		return nil, nil
	}

	q.logger.Debugw("item dequeued", "item", item.ID, "worker", workerID, "attempt", item.Attempts)
	q.emit(Event{Type: models.EventDequeued, Priority: item.Priority, Attempts: item.Attempts}, item)
	return item, nil
}

// Complete marks the item claimed by Dequeue completed with result. The
// claim must still be current: once the item was reset and claimed again,
// the earlier worker's Complete fails with a *QueueStateError.
func (q *Queue) Complete(ctx context.Context, claimed *models.QueueItem, result any) error {
	raw, err := encode(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}

	id := claimed.ID
	item, err := q.store.CompleteItem(ctx, state.ClaimOf(claimed), raw, q.now())
	if err != nil {
		return q.translate(ctx, err, id, "complete")
	}

	var d time.Duration
	if item.StartedAt != nil && item.CompletedAt != nil {
		d = item.CompletedAt.Sub(*item.StartedAt)
	}
	q.observe(d)

	q.logger.Debugw("item completed", "item", id, "duration", d)
	q.emit(Event{Type: models.EventCompleted, Priority: item.Priority, Attempts: item.Attempts, Duration: d}, item)
	return nil
}

// Fail records a failed attempt of the item claimed by Dequeue. It returns
// true when another attempt was scheduled. When the item has no attempts
// left it becomes terminally failed and the returned error is a
// *RetryExhaustedError. Like Complete, it needs the current claim.
func (q *Queue) Fail(ctx context.Context, claimed *models.QueueItem, cause error) (bool, error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}

	id := claimed.ID
	item, err := q.store.FailItem(ctx, state.ClaimOf(claimed), msg, q.now())
	if err != nil {
		return false, q.translate(ctx, err, id, "fail")
	}

	if item.Status == models.ItemPending {
		q.logger.Infow("retry scheduled", "item", id, "attempt", item.Attempts, "max_attempts", item.MaxAttempts, "error", msg)
		q.emit(Event{Type: models.EventRetryScheduled, Priority: item.Priority, Attempts: item.Attempts, Error: msg}, item)
		return true, nil
	}

	q.logger.Warnw("item failed", "item", id, "attempts", item.Attempts, "error", msg)
	q.emit(Event{Type: models.EventFailed, Priority: item.Priority, Attempts: item.Attempts, Error: msg}, item)
	return false, &RetryExhaustedError{
		ItemID:      id,
		Attempts:    item.Attempts,
		MaxAttempts: item.MaxAttempts,
		LastError:   msg,
	}
}

// Cancel cancels a pending or processing item. Cancellation is cooperative:
// a worker already running the item is not interrupted, and its later
// Complete or Fail is rejected.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	item, err := q.store.CancelItem(ctx, id, q.now())
	if err != nil {
		return q.translate(ctx, err, id, "cancel")
	}

	q.logger.Debugw("item cancelled", "item", id)
	q.emit(Event{Type: models.EventCancelled, Priority: item.Priority, Attempts: item.Attempts}, item)
	return nil
}

// CancelExecution cancels every pending or processing item of an execution.
func (q *Queue) CancelExecution(ctx context.Context, executionID string) (int, error) {
	ids, err := q.store.CancelExecutionItems(ctx, executionID, q.now())
	if err != nil {
		return 0, fmt.Errorf("cancel execution items: %w", err)
	}
	for _, id := range ids {
		q.sink.Emit(Event{Type: models.EventCancelled, ItemID: id, ExecutionID: executionID, Timestamp: q.now()})
	}
	if len(ids) > 0 {
		q.logger.Infow("execution items cancelled", "execution", executionID, "count", len(ids))
	}
	return len(ids), nil
}

// ResetStuckItems returns items that have been processing for longer than
// timeout to pending, clearing their worker. Items already on their last
// attempt are finalized as failed. It returns the number of items touched.
func (q *Queue) ResetStuckItems(ctx context.Context, timeout time.Duration) (int, error) {
	items, err := q.store.ResetStuckItems(ctx, q.now().Add(-timeout))
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}

	reset := 0
	for i := range items {
		item := &items[i]
		if item.Status == models.ItemFailed {
			q.emit(Event{Type: models.EventFailed, Priority: item.Priority, Attempts: item.Attempts, Error: item.LastError}, item)
			continue
		}
		reset++
	}

	q.logger.Warnw("stuck items reclaimed", "count", len(items), "reset", reset, "timeout", timeout)
	q.sink.Emit(Event{Type: models.EventStuckItemsReset, Count: len(items), Timestamp: q.now()})
	return len(items), nil
}

// Stats summarizes the queue.
type Stats struct {
	// Counts has one entry per status; the values sum to Total.
	Counts map[models.ItemStatus]int
	Total  int
	// Throughput is the number of items completed within ThroughputWindow.
	Throughput       int
	ThroughputWindow time.Duration
	// AvgProcessingTime is the running average observed by this process.
	AvgProcessingTime time.Duration
}

// GetStats returns per-status counts, throughput and average processing time.
func (q *Queue) GetStats(ctx context.Context) (*Stats, error) {
	counts, err := q.store.CountItemsByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("get stats: %w", err)
	}
	total := 0
	for _, n := range counts {
		total += n
	}

	throughput, err := q.store.CountCompletedSince(ctx, q.now().Add(-q.throughputWindow))
	if err != nil {
		return nil, fmt.Errorf("get stats: %w", err)
	}

	return &Stats{
		Counts:            counts,
		Total:             total,
		Throughput:        throughput,
		ThroughputWindow:  q.throughputWindow,
		AvgProcessingTime: q.AverageProcessingTime(),
	}, nil
}

// AverageProcessingTime returns the running average of completed item
// durations seen by this Queue.
func (q *Queue) AverageProcessingTime() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.avg
}

// GetItem returns a single item.
func (q *Queue) GetItem(ctx context.Context, id string) (*models.QueueItem, error) {
	return q.store.GetItem(ctx, id)
}

// GetItemsByStatus lists items with status in dequeue order, up to limit
// (zero for all).
func (q *Queue) GetItemsByStatus(ctx context.Context, status models.ItemStatus, limit int) ([]models.QueueItem, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("unknown status %q", status)
	}
	return q.store.ListItemsByStatus(ctx, status, limit)
}

// GetItemsByWorker lists items claimed by workerID.
func (q *Queue) GetItemsByWorker(ctx context.Context, workerID string) ([]models.QueueItem, error) {
	return q.store.ListItemsByWorker(ctx, workerID)
}

// GetItemsByExecution lists the items of an execution.
func (q *Queue) GetItemsByExecution(ctx context.Context, executionID string) ([]models.QueueItem, error) {
	return q.store.ListItemsByExecution(ctx, executionID)
}

// Cleanup purges completed, failed and cancelled items older than
// retentionDays. It returns the number of items removed.
func (q *Queue) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays < 0 {
		return 0, fmt.Errorf("retention days must not be negative: %d", retentionDays)
	}
	cutoff := q.now().Add(-time.Duration(retentionDays) * 24 * time.Hour)
	n, err := q.store.DeleteTerminalItems(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup: %w", err)
	}

	q.logger.Infow("queue cleanup", "removed", n, "retention_days", retentionDays)
	q.sink.Emit(Event{Type: models.EventCleanup, Count: int(n), Timestamp: q.now()})
	return n, nil
}

func (q *Queue) observe(d time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completed++
	q.avg += (d - q.avg) / time.Duration(q.completed)
}

func (q *Queue) emit(ev Event, item *models.QueueItem) {
	ev.ItemID = item.ID
	ev.ExecutionID = item.ExecutionID
	ev.StepKey = item.StepKey
	ev.WorkerID = item.WorkerID
	ev.Timestamp = q.now()
	q.sink.Emit(ev)
}

// translate turns a store conflict into a QueueStateError.
func (q *Queue) translate(ctx context.Context, err error, id, op string) error {
	if !errors.Is(err, state.ErrConflict) {
		return fmt.Errorf("%s: %w", op, err)
	}
	item, getErr := q.store.GetItem(ctx, id)
	if getErr != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	qse := &QueueStateError{ItemID: id, Op: op, Status: item.Status}
	if item.Status == models.ItemProcessing {
		qse.WorkerID, qse.Attempt = item.WorkerID, item.Attempts
	}
	return qse
}

func encode(v any) (json.RawMessage, error) {
	switch v := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		if json.Valid(v) {
			return json.RawMessage(v), nil
		}
		return json.Marshal(string(v))
	default:
		return json.Marshal(v)
	}
}
