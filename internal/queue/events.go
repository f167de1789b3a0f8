package queue

import (
	"time"

	"github.com/ShayCichocki/stepflow/pkg/models"
)

// Event is a telemetry record emitted by the queue.
type Event struct {
	Type      models.EventType
	ItemID    string
	Timestamp time.Time
	// ExecutionID and StepKey are set for items that belong to a workflow run.
	ExecutionID string
	StepKey     string
	WorkerID    string
	Priority    int
	Attempts    int
	Duration    time.Duration
	Error       string
	// Count is used by bulk events (cleanup, stuck_items_reset).
	Count int
}

// Sink consumes queue telemetry. Emit must not block for long.
type Sink interface {
	Emit(Event)
}

type nopSink struct{}

func (nopSink) Emit(Event) {}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// Emit calls f(ev).
func (f SinkFunc) Emit(ev Event) { f(ev) }
