package models

import "time"

// ExecutionState is the lifecycle state of one workflow run.
type ExecutionState string

const (
	// ExecutionIdle is the state of a freshly created execution.
	ExecutionIdle ExecutionState = "idle"
	// ExecutionParsing indicates the definition is being parsed.
	ExecutionParsing ExecutionState = "parsing"
	// ExecutionValidating indicates the dependency graph is being checked.
	ExecutionValidating ExecutionState = "validating"
	// ExecutionExecuting indicates levels are being driven through the queue.
	ExecutionExecuting ExecutionState = "executing"
	// ExecutionPaused indicates the run stopped at a checkpoint boundary.
	ExecutionPaused ExecutionState = "paused"
	// ExecutionCompleted indicates every level resolved.
	ExecutionCompleted ExecutionState = "completed"
	// ExecutionFailed indicates the run ended with an unrecoverable failure.
	ExecutionFailed ExecutionState = "failed"
)

// Valid returns true if the state is a known value.
func (s ExecutionState) Valid() bool {
	switch s {
	case ExecutionIdle, ExecutionParsing, ExecutionValidating, ExecutionExecuting,
		ExecutionPaused, ExecutionCompleted, ExecutionFailed:
		return true
	default:
		return false
	}
}

// Terminal returns true for completed and failed.
func (s ExecutionState) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed
}

// Execution is one run of a workflow definition.
type Execution struct {
	// ID is the unique identifier for this execution.
	ID string `json:"id"`
	// WorkflowName is the name of the definition being run.
	WorkflowName string `json:"workflow_name"`
	// WorkflowVersion is the version of the definition being run.
	WorkflowVersion string `json:"workflow_version,omitempty"`
	// Definition is the definition snapshot the execution was started with.
	Definition *WorkflowDefinition `json:"definition"`
	// State is the current state-machine state.
	State ExecutionState `json:"state"`
	// Context holds variables produced and consumed by steps.
	Context *Context `json:"context"`
	// CreatedAt is when the execution record was created.
	CreatedAt time.Time `json:"created_at"`
	// StartedAt is when the execution entered Executing for the first time.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// CompletedAt is when the execution reached a terminal state.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// Duration is CompletedAt - StartedAt once terminal.
	Duration time.Duration `json:"duration,omitempty"`
	// TriggeredBy names the actor that started the run.
	TriggeredBy string `json:"triggered_by,omitempty"`
	// Priority is applied to every queue item the execution creates, added
	// to the step's own priority.
	Priority int `json:"priority"`
	// ParentID links a sub-workflow to the execution that spawned it.
	ParentID string `json:"parent_id,omitempty"`
	// ResumeCount counts resumes from checkpoints.
	ResumeCount int `json:"resume_count"`
	// CheckpointCount counts checkpoints written.
	CheckpointCount int `json:"checkpoint_count"`
	// CurrentLevel is the index of the first unresolved level.
	CurrentLevel int `json:"current_level"`
	// PauseRequested asks the level driver to pause at the next boundary.
	PauseRequested bool `json:"pause_requested"`
	// CancelRequested asks the level driver to cancel the run.
	CancelRequested bool `json:"cancel_requested"`
	// LastError is the error that failed the run, if any.
	LastError string `json:"last_error,omitempty"`
	// UpdatedAt is the last time the record changed.
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the execution.
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	c := *e
	c.Context = e.Context.Clone()
	if e.Definition != nil {
		def := *e.Definition
		def.Steps = append([]Step(nil), e.Definition.Steps...)
		c.Definition = &def
	}
	if e.StartedAt != nil {
		t := *e.StartedAt
		c.StartedAt = &t
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
