package models

import (
	"time"

	"github.com/google/uuid"
)

// EventType names an audit or telemetry event.
type EventType string

// Execution audit events.
const (
	EventWorkflowStarted   EventType = "workflow_started"
	EventStateChanged      EventType = "state_changed"
	EventLevelStarted      EventType = "level_started"
	EventLevelAdvanced     EventType = "level_advanced"
	EventCheckpointWritten EventType = "checkpoint_written"
	EventStepStarted       EventType = "step_started"
	EventStepCompleted     EventType = "step_completed"
	EventStepRetry         EventType = "step_retry"
	EventStepFailed        EventType = "step_failed"
	EventWorkflowPaused    EventType = "workflow_paused"
	EventWorkflowResumed   EventType = "workflow_resumed"
	EventWorkflowCompleted EventType = "workflow_completed"
	EventWorkflowFailed    EventType = "workflow_failed"
	EventWorkflowCancelled EventType = "workflow_cancelled"
)

// Queue telemetry events.
const (
	EventEnqueued        EventType = "enqueued"
	EventDequeued        EventType = "dequeued"
	EventCompleted       EventType = "completed"
	EventFailed          EventType = "failed"
	EventRetryScheduled  EventType = "retry_scheduled"
	EventCancelled       EventType = "cancelled"
	EventCleanup         EventType = "cleanup"
	EventStuckItemsReset EventType = "stuck_items_reset"
)

// Event is one entry in an execution's audit trail or the telemetry stream.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`
	// ExecutionID is the execution the event belongs to, if any.
	ExecutionID string `json:"execution_id,omitempty"`
	// ItemID is the related queue item, if any.
	ItemID string `json:"item_id,omitempty"`
	// Type is the kind of event.
	Type EventType `json:"type"`
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`
	// Payload carries event-specific metadata.
	Payload map[string]any `json:"payload,omitempty"`
}

// NewEvent returns an event with a fresh ID.
func NewEvent(executionID string, t EventType, at time.Time, payload map[string]any) *Event {
	return &Event{
		ID:          uuid.NewString(),
		ExecutionID: executionID,
		Type:        t,
		Timestamp:   at,
		Payload:     payload,
	}
}
