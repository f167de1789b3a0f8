package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ShayCichocki/stepflow/pkg/models"
)

const itemColumns = `id, execution_id, step_key, payload, options, priority, status,
	created_at, started_at, completed_at, attempts, max_attempts, worker_id,
	last_error, result, rowid`

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*models.QueueItem, error) {
	var (
		item        models.QueueItem
		executionID sql.NullString
		workerID    sql.NullString
		payload     string
		options     string
		result      sql.NullString
		createdAt   int64
		startedAt   sql.NullInt64
		completedAt sql.NullInt64
	)
	err := row.Scan(&item.ID, &executionID, &item.StepKey, &payload, &options, &item.Priority,
		&item.Status, &createdAt, &startedAt, &completedAt, &item.Attempts, &item.MaxAttempts,
		&workerID, &item.LastError, &result, &item.Seq)
	if err != nil {
		return nil, err
	}

	item.ExecutionID = executionID.String
	item.WorkerID = workerID.String
	item.Payload = json.RawMessage(payload)
	if err := json.Unmarshal([]byte(options), &item.Options); err != nil {
		return nil, fmt.Errorf("decode options of item %s: %w", item.ID, err)
	}
	if result.Valid {
		item.Result = json.RawMessage(result.String)
	}
	item.CreatedAt = parseTime(createdAt)
	item.StartedAt = parseNullableTime(startedAt)
	item.CompletedAt = parseNullableTime(completedAt)
	return &item, nil
}

func scanItems(rows *sql.Rows) ([]models.QueueItem, error) {
	defer rows.Close()

	var items []models.QueueItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// InsertItem persists a new queue item.
func (db *DB) InsertItem(ctx context.Context, item *models.QueueItem) error {
	options, err := json.Marshal(item.Options)
	if err != nil {
		return fmt.Errorf("encode options: %w", err)
	}
	var result sql.NullString
	if item.Result != nil {
		result = sql.NullString{String: string(item.Result), Valid: true}
	}

	_, err = db.exec(ctx, `
		INSERT INTO queue_items (id, execution_id, step_key, payload, options, priority, status,
			created_at, started_at, completed_at, attempts, max_attempts, worker_id, last_error, result)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, item.ID, nullableString(item.ExecutionID), item.StepKey, string(item.Payload), string(options),
		item.Priority, string(item.Status), formatTime(item.CreatedAt), nullableTime(item.StartedAt),
		nullableTime(item.CompletedAt), item.Attempts, item.MaxAttempts, nullableString(item.WorkerID),
		item.LastError, result)
	if err != nil {
		return fmt.Errorf("insert item: %w", err)
	}
	return nil
}

// GetItem retrieves an item by ID.
func (db *DB) GetItem(ctx context.Context, id string) (*models.QueueItem, error) {
	row := db.queryRow(ctx, `SELECT `+itemColumns+` FROM queue_items WHERE id = ?`, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	return item, nil
}

// ClaimNextItem atomically selects and claims the next pending item.
// Selection and transition are one UPDATE statement, so two concurrent
// callers can never claim the same row.
func (db *DB) ClaimNextItem(ctx context.Context, workerID string, now time.Time) (*models.QueueItem, error) {
	item, err := db.updateItem(ctx, `
		UPDATE queue_items
		SET status = 'processing', started_at = ?, worker_id = ?, attempts = attempts + 1
		WHERE status = 'pending' AND id = (
			SELECT id FROM queue_items
			WHERE status = 'pending'
			ORDER BY priority DESC, created_at ASC, rowid ASC
			LIMIT 1
		)
		RETURNING `+itemColumns, formatTime(now), workerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim item: %w", err)
	}
	return item, nil
}

// CompleteItem marks a processing item completed and stores its result.
func (db *DB) CompleteItem(ctx context.Context, c Claim, result json.RawMessage, now time.Time) (*models.QueueItem, error) {
	var res sql.NullString
	if result != nil {
		res = sql.NullString{String: string(result), Valid: true}
	}
	item, err := db.updateItem(ctx, `
		UPDATE queue_items
		SET status = 'completed', completed_at = ?, result = ?
		WHERE id = ? AND status = 'processing' AND worker_id = ? AND attempts = ?
		RETURNING `+itemColumns, formatTime(now), res, c.ItemID, c.WorkerID, c.Attempt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, db.itemConflict(ctx, c.ItemID, "complete")
	}
	if err != nil {
		return nil, fmt.Errorf("complete item: %w", err)
	}
	return item, nil
}

// FailItem records a failed attempt. Items with attempts left go back to
// pending with worker and start cleared; the rest become failed.
func (db *DB) FailItem(ctx context.Context, c Claim, errMsg string, now time.Time) (*models.QueueItem, error) {
	item, err := db.updateItem(ctx, `
		UPDATE queue_items
		SET status = CASE WHEN attempts < max_attempts THEN 'pending' ELSE 'failed' END,
			worker_id = CASE WHEN attempts < max_attempts THEN NULL ELSE worker_id END,
			started_at = CASE WHEN attempts < max_attempts THEN NULL ELSE started_at END,
			completed_at = CASE WHEN attempts < max_attempts THEN NULL ELSE ? END,
			last_error = ?
		WHERE id = ? AND status = 'processing' AND worker_id = ? AND attempts = ?
		RETURNING `+itemColumns, formatTime(now), errMsg, c.ItemID, c.WorkerID, c.Attempt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, db.itemConflict(ctx, c.ItemID, "fail")
	}
	if err != nil {
		return nil, fmt.Errorf("fail item: %w", err)
	}
	return item, nil
}

// CancelItem cancels a pending or processing item.
func (db *DB) CancelItem(ctx context.Context, id string, now time.Time) (*models.QueueItem, error) {
	item, err := db.updateItem(ctx, `
		UPDATE queue_items
		SET status = 'cancelled', completed_at = ?
		WHERE id = ? AND status IN ('pending', 'processing')
		RETURNING `+itemColumns, formatTime(now), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, db.itemConflict(ctx, id, "cancel")
	}
	if err != nil {
		return nil, fmt.Errorf("cancel item: %w", err)
	}
	return item, nil
}

// CancelExecutionItems cancels every live item of an execution and returns
// their IDs.
func (db *DB) CancelExecutionItems(ctx context.Context, executionID string, now time.Time) ([]string, error) {
	var ids []string
	err := db.Transaction(ctx, func(tx *sql.Tx) error {
		ids = nil
		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM queue_items
			WHERE execution_id = ? AND status IN ('pending', 'processing')
		`, executionID)
		if err != nil {
			return err
		}
		ids, err = scanIDs(rows)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE queue_items SET status = 'cancelled', completed_at = ?
			WHERE execution_id = ? AND status IN ('pending', 'processing')
		`, formatTime(now), executionID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("cancel execution items: %w", err)
	}
	return ids, nil
}

// ResetStuckItems reclaims processing items whose attempt started before cutoff.
func (db *DB) ResetStuckItems(ctx context.Context, cutoff time.Time) ([]models.QueueItem, error) {
	var items []models.QueueItem
	err := db.Transaction(ctx, func(tx *sql.Tx) error {
		items = nil
		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM queue_items
			WHERE status = 'processing' AND started_at < ?
		`, formatTime(cutoff))
		if err != nil {
			return err
		}
		ids, err := scanIDs(rows)
		if err != nil {
			return err
		}

		now := formatTime(time.Now())
		for _, id := range ids {
			row := tx.QueryRowContext(ctx, `
				UPDATE queue_items
				SET status = CASE WHEN attempts < max_attempts THEN 'pending' ELSE 'failed' END,
					completed_at = CASE WHEN attempts < max_attempts THEN NULL ELSE ? END,
					last_error = CASE WHEN attempts < max_attempts THEN last_error ELSE 'worker timed out' END,
					worker_id = NULL,
					started_at = NULL
				WHERE id = ? AND status = 'processing'
				RETURNING `+itemColumns, now, id)
			item, err := scanItem(row)
			if err != nil {
				return fmt.Errorf("reset item %s: %w", id, err)
			}
			items = append(items, *item)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reset stuck items: %w", err)
	}
	return items, nil
}

// ListItemsByStatus lists items with the given status in dequeue order.
// A limit of zero or less returns every match.
func (db *DB) ListItemsByStatus(ctx context.Context, status models.ItemStatus, limit int) ([]models.QueueItem, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.query(ctx, `
		SELECT `+itemColumns+` FROM queue_items
		WHERE status = ?
		ORDER BY priority DESC, created_at ASC, rowid ASC
		LIMIT ?
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list items by status: %w", err)
	}
	return scanItems(rows)
}

// ListItemsByWorker lists items claimed by a worker, newest first.
func (db *DB) ListItemsByWorker(ctx context.Context, workerID string) ([]models.QueueItem, error) {
	rows, err := db.query(ctx, `
		SELECT `+itemColumns+` FROM queue_items
		WHERE worker_id = ?
		ORDER BY created_at DESC, rowid DESC
	`, workerID)
	if err != nil {
		return nil, fmt.Errorf("list items by worker: %w", err)
	}
	return scanItems(rows)
}

// ListItemsByExecution lists the items of an execution in creation order.
func (db *DB) ListItemsByExecution(ctx context.Context, executionID string) ([]models.QueueItem, error) {
	rows, err := db.query(ctx, `
		SELECT `+itemColumns+` FROM queue_items
		WHERE execution_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, executionID)
	if err != nil {
		return nil, fmt.Errorf("list items by execution: %w", err)
	}
	return scanItems(rows)
}

// CountItemsByStatus returns the number of items per status. Every known
// status is present in the result.
func (db *DB) CountItemsByStatus(ctx context.Context) (map[models.ItemStatus]int, error) {
	counts := make(map[models.ItemStatus]int, len(models.AllItemStatuses))
	for _, s := range models.AllItemStatuses {
		counts[s] = 0
	}

	rows, err := db.query(ctx, `SELECT status, COUNT(*) FROM queue_items GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[models.ItemStatus(status)] = n
	}
	return counts, rows.Err()
}

// CountCompletedSince counts items completed at or after since.
func (db *DB) CountCompletedSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	row := db.queryRow(ctx, `
		SELECT COUNT(*) FROM queue_items WHERE status = 'completed' AND completed_at >= ?
	`, formatTime(since))
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count completed: %w", err)
	}
	return n, nil
}

// DeleteTerminalItems deletes terminal items completed before cutoff.
// Returns the number of items deleted.
func (db *DB) DeleteTerminalItems(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := db.exec(ctx, `
		DELETE FROM queue_items
		WHERE status IN ('completed', 'failed', 'cancelled') AND completed_at < ?
	`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete terminal items: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return count, nil
}

// updateItem runs an UPDATE ... RETURNING statement that affects at most one
// item. sql.ErrNoRows means nothing matched.
func (db *DB) updateItem(ctx context.Context, query string, args ...any) (*models.QueueItem, error) {
	var item *models.QueueItem
	err := db.withBusyRetry(ctx, func(ctx context.Context) error {
		db.mu.Lock()
		defer db.mu.Unlock()

		var err error
		item, err = scanItem(db.conn.QueryRowContext(ctx, query, args...))
		return err
	})
	return item, err
}

// itemConflict explains why a conditional update matched no row.
func (db *DB) itemConflict(ctx context.Context, id, op string) error {
	item, err := db.GetItem(ctx, id)
	if err != nil {
		return err
	}
	return itemConflictError(op, item)
}

func itemConflictError(op string, item *models.QueueItem) error {
	if item.Status == models.ItemProcessing {
		return fmt.Errorf("%s item %s: %w: claimed by %s on attempt %d",
			op, item.ID, ErrConflict, item.WorkerID, item.Attempts)
	}
	return fmt.Errorf("%s item %s: %w: status is %s", op, item.ID, ErrConflict, item.Status)
}

func scanIDs(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
