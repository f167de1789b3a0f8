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

const checkpointColumns = `id, execution_id, type, state, level, completed_steps, failed_steps,
	pending_steps, context, encoding, checksum, size, created_at`

func scanCheckpoint(row rowScanner) (*models.Checkpoint, error) {
	var (
		cp        models.Checkpoint
		completed string
		failed    string
		pending   string
		createdAt int64
	)
	err := row.Scan(&cp.ID, &cp.ExecutionID, &cp.Type, &cp.State, &cp.Level, &completed, &failed,
		&pending, &cp.Context, &cp.Encoding, &cp.Checksum, &cp.Size, &createdAt)
	if err != nil {
		return nil, err
	}

	for _, f := range []struct {
		raw string
		dst *[]string
	}{
		{completed, &cp.CompletedSteps},
		{failed, &cp.FailedSteps},
		{pending, &cp.PendingSteps},
	} {
		if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return nil, fmt.Errorf("decode step set of checkpoint %s: %w", cp.ID, err)
		}
	}
	cp.CreatedAt = parseTime(createdAt)
	return &cp, nil
}

func insertCheckpoint(ctx context.Context, tx *sql.Tx, cp *models.Checkpoint) error {
	completed, err := json.Marshal(nonNil(cp.CompletedSteps))
	if err != nil {
		return err
	}
	failed, err := json.Marshal(nonNil(cp.FailedSteps))
	if err != nil {
		return err
	}
	pending, err := json.Marshal(nonNil(cp.PendingSteps))
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO checkpoints (`+checkpointColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, cp.ID, cp.ExecutionID, string(cp.Type), string(cp.State), cp.Level, string(completed),
		string(failed), string(pending), cp.Context, cp.Encoding, cp.Checksum, cp.Size,
		formatTime(cp.CreatedAt))
	return err
}

// GetCheckpoint retrieves a checkpoint by ID.
func (db *DB) GetCheckpoint(ctx context.Context, id string) (*models.Checkpoint, error) {
	row := db.queryRow(ctx, `SELECT `+checkpointColumns+` FROM checkpoints WHERE id = ?`, id)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("checkpoint %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	return cp, nil
}

// LatestCheckpoint returns the most recent checkpoint of an execution.
func (db *DB) LatestCheckpoint(ctx context.Context, executionID string) (*models.Checkpoint, error) {
	row := db.queryRow(ctx, `
		SELECT `+checkpointColumns+` FROM checkpoints
		WHERE execution_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1
	`, executionID)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("checkpoint for execution %s: %w", executionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("latest checkpoint: %w", err)
	}
	return cp, nil
}

// ListCheckpoints lists an execution's checkpoints, oldest first.
func (db *DB) ListCheckpoints(ctx context.Context, executionID string) ([]models.Checkpoint, error) {
	rows, err := db.query(ctx, `
		SELECT `+checkpointColumns+` FROM checkpoints
		WHERE execution_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, executionID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var cps []models.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cps = append(cps, *cp)
	}
	return cps, rows.Err()
}

// CommitLevel writes a checkpoint, the execution update that advances its
// level and any accompanying events in one transaction. Readers see either
// all of it or none of it. The execution row is only updated while it still
// matches g.
func (db *DB) CommitLevel(ctx context.Context, g Guard, cp *models.Checkpoint, e *models.Execution, events ...*models.Event) error {
	if g.ID != e.ID {
		return fmt.Errorf("commit level: guard for %s used on execution %s", g.ID, e.ID)
	}
	definition, contextJSON, err := encodeExecution(e)
	if err != nil {
		return fmt.Errorf("commit level: %w", err)
	}

	err = db.Transaction(ctx, func(tx *sql.Tx) error {
		if cp != nil {
			if err := insertCheckpoint(ctx, tx, cp); err != nil {
				return fmt.Errorf("insert checkpoint: %w", err)
			}
		}

		args := append(executionUpdateArgs(e, definition, contextJSON), guardArgs(g)...)
		result, err := tx.ExecContext(ctx, guardedUpdateExecutionSQL, args...)
		if err != nil {
			return fmt.Errorf("update execution: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return guardMiss(ctx, tx, g)
		}

		for _, ev := range events {
			if err := insertEvent(ctx, tx, ev); err != nil {
				return fmt.Errorf("insert event: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("commit level: %w", err)
	}
	return nil
}

// PruneCheckpoints deletes checkpoints of terminal executions completed
// before cutoff.
func (db *DB) PruneCheckpoints(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := db.exec(ctx, `
		DELETE FROM checkpoints WHERE execution_id IN (
			SELECT id FROM executions
			WHERE state IN ('completed', 'failed') AND completed_at < ?
		)
	`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune checkpoints: %w", err)
	}
	return result.RowsAffected()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
