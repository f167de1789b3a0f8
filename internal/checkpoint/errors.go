package checkpoint

import (
	"fmt"
	"strings"
)

// CheckpointConsistencyError is returned when a checkpoint cannot be trusted:
// its payload is corrupt, or the steps it records as resolved do not match
// the queue items in the store. Callers must not fall back to an older
// checkpoint.
type CheckpointConsistencyError struct {
	CheckpointID string
	ExecutionID  string
	Reason       string
	// Steps lists the step keys that failed the cross-check, if any.
	Steps []string
}

func (e *CheckpointConsistencyError) Error() string {
	msg := fmt.Sprintf("checkpoint %s of execution %s is inconsistent: %s", e.CheckpointID, e.ExecutionID, e.Reason)
	if len(e.Steps) > 0 {
		msg += " (" + strings.Join(e.Steps, ", ") + ")"
	}
	return msg
}
