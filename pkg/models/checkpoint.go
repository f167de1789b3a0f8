package models

import "time"

// CheckpointType distinguishes snapshot kinds.
type CheckpointType string

const (
	// CheckpointFull carries the whole context.
	CheckpointFull CheckpointType = "full"
	// CheckpointIncremental is written at pause requests between level commits.
	CheckpointIncremental CheckpointType = "incremental"
)

// Checkpoint is an immutable snapshot of execution state.
type Checkpoint struct {
	// ID is the unique identifier for this checkpoint.
	ID string `json:"id"`
	// ExecutionID is the execution the snapshot belongs to.
	ExecutionID string `json:"execution_id"`
	// Type is the snapshot kind.
	Type CheckpointType `json:"type"`
	// State is the serialized state-machine state at capture time.
	State ExecutionState `json:"state"`
	// Level is the first unresolved level when the snapshot was taken.
	Level int `json:"level"`
	// CompletedSteps are steps that finished successfully.
	CompletedSteps []string `json:"completed_steps"`
	// FailedSteps are steps that failed terminally with ContinueOnError set.
	FailedSteps []string `json:"failed_steps,omitempty"`
	// PendingSteps are steps not yet resolved.
	PendingSteps []string `json:"pending_steps"`
	// Context is the serialized context, possibly compressed (see Encoding).
	Context []byte `json:"context"`
	// Encoding describes how Context is stored ("json" or "json+xz").
	Encoding string `json:"encoding"`
	// Checksum is the hex digest of the stored Context bytes.
	Checksum string `json:"checksum"`
	// Size is the length of the uncompressed context in bytes.
	Size int `json:"size"`
	// CreatedAt is when the checkpoint was written.
	CreatedAt time.Time `json:"created_at"`
}
