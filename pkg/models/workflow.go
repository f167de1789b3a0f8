package models

import (
	"errors"
	"fmt"
)

// ErrDuplicateStepKey indicates two steps in one definition share a key.
var ErrDuplicateStepKey = errors.New("duplicate step key")

// WorkflowDefinition is the in-memory form of a declarative workflow.
type WorkflowDefinition struct {
	// Name identifies the workflow.
	Name string `json:"name" yaml:"name"`
	// Version is the definition version, free-form.
	Version string `json:"version,omitempty" yaml:"version,omitempty"`
	// Steps lists the steps in definition order.
	Steps []Step `json:"steps" yaml:"steps"`
}

// Step is one unit of work in a workflow.
type Step struct {
	// Key uniquely identifies the step within its definition.
	Key string `json:"key" yaml:"key"`
	// Action names the operation the step performs (e.g. "shell", "agent").
	Action string `json:"action" yaml:"action"`
	// DependsOn lists step keys that must resolve before this step runs.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	// Executor optionally selects a specific executor, overriding Action.
	Executor string `json:"executor,omitempty" yaml:"executor,omitempty"`
	// ContinueOnError lets the workflow proceed when this step fails terminally.
	ContinueOnError bool `json:"continue_on_error,omitempty" yaml:"continue_on_error,omitempty"`
	// Params carries executor-specific parameters.
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	// Priority is the queue priority for this step. Higher runs first.
	Priority int `json:"priority,omitempty" yaml:"priority,omitempty"`
	// MaxAttempts bounds delivery attempts. Zero uses the queue default.
	MaxAttempts int `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
}

// Step returns the step with the given key, or nil.
func (d *WorkflowDefinition) Step(key string) *Step {
	for i := range d.Steps {
		if d.Steps[i].Key == key {
			return &d.Steps[i]
		}
	}
	return nil
}

// Keys returns step keys in definition order.
func (d *WorkflowDefinition) Keys() []string {
	keys := make([]string, 0, len(d.Steps))
	for _, s := range d.Steps {
		keys = append(keys, s.Key)
	}
	return keys
}

// CheckKeys verifies that every step has a non-empty, unique key.
func (d *WorkflowDefinition) CheckKeys() error {
	seen := make(map[string]bool, len(d.Steps))
	for i, s := range d.Steps {
		if s.Key == "" {
			return fmt.Errorf("step %d has no key", i)
		}
		if seen[s.Key] {
			return fmt.Errorf("%w: %s", ErrDuplicateStepKey, s.Key)
		}
		seen[s.Key] = true
	}
	return nil
}
