package orchestrator

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/stepflow/internal/queue"
)

// EventEmitter fans telemetry out to a buffered channel. It implements
// queue.Sink, so the queue can publish into it directly.
type EventEmitter struct {
	events       chan Event
	droppedCount atomic.Uint64
	logger       *zap.SugaredLogger

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

var _ queue.Sink = (*EventEmitter)(nil)

// NewEventEmitter creates a new EventEmitter with the given buffer size.
func NewEventEmitter(bufferSize int, logger *zap.SugaredLogger) *EventEmitter {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &EventEmitter{
		events: make(chan Event, bufferSize),
		logger: logger,
	}
}

// Emit publishes a queue event.
func (e *EventEmitter) Emit(ev queue.Event) {
	e.Publish(fromQueueEvent(ev))
}

// Publish sends an event to the events channel.
// If the channel is full, it tries with a timeout before dropping the event.
func (e *EventEmitter) Publish(event Event) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}

	select {
	case e.events <- event:
		return
	default:
	}

	// Give the receiver a chance to drain.
	select {
	case e.events <- event:
		return
	case <-time.After(100 * time.Millisecond):
		count := e.droppedCount.Add(1)
		if count%10 == 1 {
			e.logger.Warnw("event channel full, dropping events", "dropped", count, "type", event.Type)
		}
	}
}

// DroppedCount returns the total number of events that have been dropped.
func (e *EventEmitter) DroppedCount() uint64 {
	return e.droppedCount.Load()
}

// Events returns a read-only channel of events.
func (e *EventEmitter) Events() <-chan Event {
	return e.events
}

// Close closes the events channel. Later publishes are discarded.
func (e *EventEmitter) Close() {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		close(e.events)
		e.mu.Unlock()
	})
}
