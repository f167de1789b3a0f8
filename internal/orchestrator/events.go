package orchestrator

import (
	"time"

	"github.com/ShayCichocki/stepflow/internal/queue"
	"github.com/ShayCichocki/stepflow/pkg/models"
)

// Event is a telemetry record published to live subscribers such as the
// dashboard. It covers both queue activity and execution progress.
type Event struct {
	// Type is the kind of event.
	Type models.EventType
	// ExecutionID is the related execution, if applicable.
	ExecutionID string
	// ItemID is the related queue item, if applicable.
	ItemID string
	// StepKey is the related step, if applicable.
	StepKey string
	// WorkerID is the worker that handled the item, if applicable.
	WorkerID string
	// Message provides additional context about the event.
	Message string
	// Error contains error details for failure events.
	Error string
	// Priority of the related item.
	Priority int
	// Attempts made on the related item so far.
	Attempts int
	// Duration is the processing time for completion events.
	Duration time.Duration
	// Count is the number of items affected by bulk operations.
	Count int
	// Timestamp is when the event occurred.
	Timestamp time.Time
}

func fromQueueEvent(ev queue.Event) Event {
	return Event{
		Type:        ev.Type,
		ExecutionID: ev.ExecutionID,
		ItemID:      ev.ItemID,
		StepKey:     ev.StepKey,
		WorkerID:    ev.WorkerID,
		Error:       ev.Error,
		Priority:    ev.Priority,
		Attempts:    ev.Attempts,
		Duration:    ev.Duration,
		Count:       ev.Count,
		Timestamp:   ev.Timestamp,
	}
}

// FromAuditEvent converts a persisted audit event into a telemetry event.
func FromAuditEvent(ev *models.Event) Event {
	out := Event{
		Type:        ev.Type,
		ExecutionID: ev.ExecutionID,
		ItemID:      ev.ItemID,
		Timestamp:   ev.Timestamp,
	}
	if s, ok := ev.Payload["step"].(string); ok {
		out.StepKey = s
	}
	if s, ok := ev.Payload["worker"].(string); ok {
		out.WorkerID = s
	}
	if s, ok := ev.Payload["error"].(string); ok {
		out.Error = s
	}
	if s, ok := ev.Payload["reason"].(string); ok {
		out.Message = s
	}
	return out
}
