package queue

import (
	"errors"
	"fmt"

	"github.com/ShayCichocki/stepflow/internal/state"
	"github.com/ShayCichocki/stepflow/pkg/models"
)

// ErrItemNotFound is returned when an operation names an unknown item.
var ErrItemNotFound = state.ErrNotFound

// QueueStateError is returned when an operation is attempted on an item
// whose status does not permit it, or by a worker whose claim on the item
// was superseded.
type QueueStateError struct {
	ItemID string
	Op     string
	Status models.ItemStatus
	// WorkerID and Attempt name the current claim when Status is processing.
	WorkerID string
	Attempt  int
}

func (e *QueueStateError) Error() string {
	if e.Status == models.ItemProcessing {
		return fmt.Sprintf("cannot %s item %s: claimed by %s on attempt %d", e.Op, e.ItemID, e.WorkerID, e.Attempt)
	}
	return fmt.Sprintf("cannot %s item %s: status is %s", e.Op, e.ItemID, e.Status)
}

// Unwrap lets errors.Is(err, state.ErrConflict) match.
func (e *QueueStateError) Unwrap() error {
	return state.ErrConflict
}

// RetryExhaustedError reports that an item failed on its last allowed
// attempt and is now terminally failed.
type RetryExhaustedError struct {
	ItemID      string
	Attempts    int
	MaxAttempts int
	LastError   string
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("item %s failed after %d/%d attempts: %s", e.ItemID, e.Attempts, e.MaxAttempts, e.LastError)
}

// IsRetryExhausted reports whether err is or wraps a RetryExhaustedError.
func IsRetryExhausted(err error) bool {
	var re *RetryExhaustedError
	return errors.As(err, &re)
}
