package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/sasha-s/go-deadlock"

	"github.com/ShayCichocki/stepflow/pkg/models"
)

// ErrNoExecutor is returned when no executor is registered for a step.
var ErrNoExecutor = errors.New("no executor registered")

// StepExecutor runs a single workflow step. The returned map becomes the
// step's result and is merged into the execution context under the step key
// once its level resolves. execCtx is a private copy; mutating it has no
// effect on the execution.
type StepExecutor interface {
	Execute(ctx context.Context, step models.Step, execCtx *models.Context) (map[string]any, error)
}

// ExecutorFunc adapts a function to StepExecutor.
type ExecutorFunc func(ctx context.Context, step models.Step, execCtx *models.Context) (map[string]any, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, step models.Step, execCtx *models.Context) (map[string]any, error) {
	return f(ctx, step, execCtx)
}

// StepExecutionError wraps an executor failure with the step it came from.
type StepExecutionError struct {
	ExecutionID string
	StepKey     string
	Attempt     int
	Err         error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %s (attempt %d): %v", e.StepKey, e.Attempt, e.Err)
}

func (e *StepExecutionError) Unwrap() error {
	return e.Err
}

// Registry maps executor names to implementations. A step is matched by its
// Executor hint first, then by its Action.
type Registry struct {
	mu        deadlock.RWMutex
	executors map[string]StepExecutor
}

// NewRegistry returns a registry holding the built-in "noop" executor.
func NewRegistry() *Registry {
	r := &Registry{executors: make(map[string]StepExecutor)}
	r.Register("noop", ExecutorFunc(noop))
	return r
}

// Register adds or replaces an executor.
func (r *Registry) Register(name string, ex StepExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[name] = ex
}

// Names returns the registered executor names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.executors))
	for name := range r.executors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the executor for step.
func (r *Registry) Lookup(step models.Step) (StepExecutor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if step.Executor != "" {
		if ex, ok := r.executors[step.Executor]; ok {
			return ex, nil
		}
		return nil, fmt.Errorf("%w: executor %q for step %s", ErrNoExecutor, step.Executor, step.Key)
	}
	if ex, ok := r.executors[step.Action]; ok {
		return ex, nil
	}
	return nil, fmt.Errorf("%w: action %q for step %s", ErrNoExecutor, step.Action, step.Key)
}

// noop echoes the step's params back as its result.
func noop(_ context.Context, step models.Step, _ *models.Context) (map[string]any, error) {
	out := make(map[string]any, len(step.Params)+1)
	for k, v := range step.Params {
		out[k] = v
	}
	out["step"] = step.Key
	return out, nil
}
