package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ShayCichocki/stepflow/pkg/models"
)

func insertEvent(ctx context.Context, tx *sql.Tx, ev *models.Event) error {
	payload, err := encodePayload(ev.Payload)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (id, execution_id, item_id, type, timestamp, payload)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ev.ID, ev.ExecutionID, nullableString(ev.ItemID), string(ev.Type), formatTime(ev.Timestamp), payload)
	return err
}

func encodePayload(p map[string]any) (sql.NullString, error) {
	if len(p) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode event payload: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// AppendEvent appends an event to an execution's audit trail.
func (db *DB) AppendEvent(ctx context.Context, ev *models.Event) error {
	payload, err := encodePayload(ev.Payload)
	if err != nil {
		return err
	}
	_, err = db.exec(ctx, `
		INSERT INTO events (id, execution_id, item_id, type, timestamp, payload)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ev.ID, ev.ExecutionID, nullableString(ev.ItemID), string(ev.Type), formatTime(ev.Timestamp), payload)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// ListEvents lists an execution's events in the order they were appended.
func (db *DB) ListEvents(ctx context.Context, executionID string) ([]models.Event, error) {
	rows, err := db.query(ctx, `
		SELECT id, execution_id, item_id, type, timestamp, payload FROM events
		WHERE execution_id = ?
		ORDER BY timestamp ASC, rowid ASC
	`, executionID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return scanEvents(rows)
}

// RecentEvents returns the latest events across all executions, newest first.
func (db *DB) RecentEvents(ctx context.Context, limit int) ([]models.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.query(ctx, `
		SELECT id, execution_id, item_id, type, timestamp, payload FROM events
		ORDER BY timestamp DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]models.Event, error) {
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var (
			ev      models.Event
			itemID  sql.NullString
			ts      int64
			payload sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.ExecutionID, &itemID, &ev.Type, &ts, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.ItemID = itemID.String
		ev.Timestamp = parseTime(ts)
		if payload.Valid {
			if err := json.Unmarshal([]byte(payload.String), &ev.Payload); err != nil {
				return nil, fmt.Errorf("decode event payload: %w", err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
