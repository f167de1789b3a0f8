package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ShayCichocki/stepflow/pkg/models"
)

const executionColumns = `id, workflow_name, workflow_version, definition, state, context,
	created_at, started_at, completed_at, duration_ns, triggered_by, priority, parent_id,
	resume_count, checkpoint_count, current_level, pause_requested, cancel_requested, last_error,
	updated_at`

func scanExecution(row rowScanner) (*models.Execution, error) {
	var (
		e           models.Execution
		definition  string
		contextJSON string
		parentID    sql.NullString
		createdAt   int64
		updatedAt   int64
		startedAt   sql.NullInt64
		completedAt sql.NullInt64
		durationNS  int64
		pause       int
		cancel      int
	)
	err := row.Scan(&e.ID, &e.WorkflowName, &e.WorkflowVersion, &definition, &e.State, &contextJSON,
		&createdAt, &startedAt, &completedAt, &durationNS, &e.TriggeredBy, &e.Priority, &parentID,
		&e.ResumeCount, &e.CheckpointCount, &e.CurrentLevel, &pause, &cancel, &e.LastError, &updatedAt)
	if err != nil {
		return nil, err
	}

	e.Definition = &models.WorkflowDefinition{}
	if err := json.Unmarshal([]byte(definition), e.Definition); err != nil {
		return nil, fmt.Errorf("decode definition of execution %s: %w", e.ID, err)
	}
	e.Context = models.NewContext()
	if err := json.Unmarshal([]byte(contextJSON), e.Context); err != nil {
		return nil, fmt.Errorf("decode context of execution %s: %w", e.ID, err)
	}
	e.ParentID = parentID.String
	e.CreatedAt = parseTime(createdAt)
	e.UpdatedAt = parseTime(updatedAt)
	e.StartedAt = parseNullableTime(startedAt)
	e.CompletedAt = parseNullableTime(completedAt)
	e.Duration = time.Duration(durationNS)
	e.PauseRequested = pause != 0
	e.CancelRequested = cancel != 0
	return &e, nil
}

// encodeExecution serializes the JSON columns of an execution.
func encodeExecution(e *models.Execution) (definition, contextJSON string, err error) {
	def, err := json.Marshal(e.Definition)
	if err != nil {
		return "", "", fmt.Errorf("encode definition: %w", err)
	}
	c := e.Context
	if c == nil {
		c = models.NewContext()
	}
	ctxJSON, err := json.Marshal(c)
	if err != nil {
		return "", "", fmt.Errorf("encode context: %w", err)
	}
	return string(def), string(ctxJSON), nil
}

// CreateExecution creates a new execution record.
func (db *DB) CreateExecution(ctx context.Context, e *models.Execution) error {
	definition, contextJSON, err := encodeExecution(e)
	if err != nil {
		return fmt.Errorf("create execution: %w", err)
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = e.CreatedAt
	}

	_, err = db.exec(ctx, `
		INSERT INTO executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.WorkflowName, e.WorkflowVersion, definition, string(e.State), contextJSON,
		formatTime(e.CreatedAt), nullableTime(e.StartedAt), nullableTime(e.CompletedAt),
		int64(e.Duration), e.TriggeredBy, e.Priority, nullableString(e.ParentID),
		e.ResumeCount, e.CheckpointCount, e.CurrentLevel, boolToInt(e.PauseRequested),
		boolToInt(e.CancelRequested), e.LastError, formatTime(e.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create execution: %w", err)
	}
	return nil
}

// GetExecution retrieves an execution by ID.
func (db *DB) GetExecution(ctx context.Context, id string) (*models.Execution, error) {
	row := db.queryRow(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return e, nil
}

// UpdateExecution updates an execution. The pause and cancel request flags
// are left untouched.
func (db *DB) UpdateExecution(ctx context.Context, e *models.Execution) error {
	definition, contextJSON, err := encodeExecution(e)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}

	result, err := db.exec(ctx, updateExecutionSQL, executionUpdateArgs(e, definition, contextJSON)...)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("update execution %s: %w", e.ID, ErrNotFound)
	}
	return nil
}

const updateExecutionSQL = `
	UPDATE executions SET workflow_name = ?, workflow_version = ?, definition = ?, state = ?,
		context = ?, started_at = ?, completed_at = ?, duration_ns = ?, triggered_by = ?,
		priority = ?, parent_id = ?, resume_count = ?, checkpoint_count = ?, current_level = ?,
		last_error = ?, updated_at = ?
	WHERE id = ? `

const guardedUpdateExecutionSQL = updateExecutionSQL + `AND state = ? AND current_level = ? AND resume_count = ?`

func guardArgs(g Guard) []any {
	return []any{string(g.State), g.CurrentLevel, g.ResumeCount}
}

// guardMiss explains why a guarded write matched no row.
func guardMiss(ctx context.Context, tx *sql.Tx, g Guard) error {
	var (
		st          string
		level, runs int
	)
	err := tx.QueryRowContext(ctx,
		`SELECT state, current_level, resume_count FROM executions WHERE id = ?`, g.ID,
	).Scan(&st, &level, &runs)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("execution %s: %w", g.ID, ErrNotFound)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("execution %s: %w: expected %s at level %d (resume %d), found %s at level %d (resume %d)",
		g.ID, ErrConflict, g.State, g.CurrentLevel, g.ResumeCount, st, level, runs)
}

// TouchExecution refreshes updated_at of a guarded execution.
func (db *DB) TouchExecution(ctx context.Context, g Guard, now time.Time) error {
	err := db.Transaction(ctx, func(tx *sql.Tx) error {
		args := append([]any{formatTime(now), g.ID}, guardArgs(g)...)
		result, err := tx.ExecContext(ctx, `
			UPDATE executions SET updated_at = ?
			WHERE id = ? AND state = ? AND current_level = ? AND resume_count = ?
		`, args...)
		if err != nil {
			return err
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return guardMiss(ctx, tx, g)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("touch execution: %w", err)
	}
	return nil
}

func executionUpdateArgs(e *models.Execution, definition, contextJSON string) []any {
	return []any{
		e.WorkflowName, e.WorkflowVersion, definition, string(e.State), contextJSON,
		nullableTime(e.StartedAt), nullableTime(e.CompletedAt), int64(e.Duration), e.TriggeredBy,
		e.Priority, nullableString(e.ParentID), e.ResumeCount, e.CheckpointCount, e.CurrentLevel,
		e.LastError, formatTime(e.UpdatedAt), e.ID,
	}
}

// SetPauseRequested sets or clears the pause request flag of an execution.
func (db *DB) SetPauseRequested(ctx context.Context, id string, requested bool) error {
	return db.setFlag(ctx, id, "pause_requested", requested)
}

// SetCancelRequested sets or clears the cancel request flag of an execution.
func (db *DB) SetCancelRequested(ctx context.Context, id string, requested bool) error {
	return db.setFlag(ctx, id, "cancel_requested", requested)
}

func (db *DB) setFlag(ctx context.Context, id, column string, value bool) error {
	result, err := db.exec(ctx, `
		UPDATE executions SET `+column+` = ?, updated_at = ? WHERE id = ?
	`, boolToInt(value), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("set %s: %w", column, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListExecutions lists executions, newest first, optionally filtered by state.
func (db *DB) ListExecutions(ctx context.Context, states ...models.ExecutionState) ([]models.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions`
	var args []any
	if len(states) > 0 {
		placeholders := make([]string, len(states))
		for i, s := range states {
			placeholders[i] = "?"
			args = append(args, string(s))
		}
		query += ` WHERE state IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := db.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var executions []models.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		executions = append(executions, *e)
	}
	return executions, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
