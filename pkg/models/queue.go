package models

import (
	"encoding/json"
	"time"
)

// ItemStatus represents the state of a queue item.
type ItemStatus string

const (
	// ItemPending indicates the item waits for a worker.
	ItemPending ItemStatus = "pending"
	// ItemProcessing indicates a worker holds the item.
	ItemProcessing ItemStatus = "processing"
	// ItemCompleted indicates the item finished successfully.
	ItemCompleted ItemStatus = "completed"
	// ItemFailed indicates the item exhausted its attempts.
	ItemFailed ItemStatus = "failed"
	// ItemCancelled indicates the item was cancelled.
	ItemCancelled ItemStatus = "cancelled"
)

// AllItemStatuses lists every status, in lifecycle order.
var AllItemStatuses = []ItemStatus{ItemPending, ItemProcessing, ItemCompleted, ItemFailed, ItemCancelled}

// Valid returns true if the status is a known value.
func (s ItemStatus) Valid() bool {
	switch s {
	case ItemPending, ItemProcessing, ItemCompleted, ItemFailed, ItemCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true for completed, failed and cancelled.
func (s ItemStatus) Terminal() bool {
	return s == ItemCompleted || s == ItemFailed || s == ItemCancelled
}

// ItemOptions are the enqueue options stored alongside an item.
type ItemOptions struct {
	Priority    int `json:"priority"`
	MaxAttempts int `json:"max_attempts"`
}

// QueueItem is the persisted record for one unit of work.
type QueueItem struct {
	// ID is the unique identifier for this item.
	ID string `json:"id"`
	// ExecutionID is the execution whose step set the item belongs to.
	ExecutionID string `json:"execution_id,omitempty"`
	// StepKey is the step this item runs.
	StepKey string `json:"step_key,omitempty"`
	// Payload is the serialized unit of work.
	Payload json.RawMessage `json:"payload"`
	// Options are the serialized enqueue options.
	Options ItemOptions `json:"options"`
	// Priority orders dequeue; higher first.
	Priority int `json:"priority"`
	// Status is the current status.
	Status ItemStatus `json:"status"`
	// CreatedAt is when the item was enqueued.
	CreatedAt time.Time `json:"created_at"`
	// StartedAt is when the current attempt was claimed.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// CompletedAt is when the item reached a terminal status.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// Attempts counts claims so far.
	Attempts int `json:"attempts"`
	// MaxAttempts bounds Attempts.
	MaxAttempts int `json:"max_attempts"`
	// WorkerID is the worker holding the item while processing.
	WorkerID string `json:"worker_id,omitempty"`
	// LastError is the most recent failure message.
	LastError string `json:"last_error,omitempty"`
	// Result is the serialized result on success.
	Result json.RawMessage `json:"result,omitempty"`
	// Seq breaks created-at ties so FIFO order is total.
	Seq int64 `json:"seq"`
}

// RetryPending reports whether the item failed at least once and waits for
// another attempt.
func (q *QueueItem) RetryPending() bool {
	return q.Status == ItemPending && q.Attempts > 0
}

// Clone returns a deep copy of the item.
func (q *QueueItem) Clone() *QueueItem {
	c := *q
	if q.Payload != nil {
		c.Payload = append(json.RawMessage(nil), q.Payload...)
	}
	if q.Result != nil {
		c.Result = append(json.RawMessage(nil), q.Result...)
	}
	if q.StartedAt != nil {
		t := *q.StartedAt
		c.StartedAt = &t
	}
	if q.CompletedAt != nil {
		t := *q.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// StepPayload is the payload the orchestrator enqueues for one step.
type StepPayload struct {
	ExecutionID string `json:"execution_id"`
	Level       int    `json:"level"`
	Step        Step   `json:"step"`
}
