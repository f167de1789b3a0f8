package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sasha-s/go-deadlock"
	"go.uber.org/zap"

	"github.com/ShayCichocki/stepflow/internal/checkpoint"
	"github.com/ShayCichocki/stepflow/internal/graph"
	"github.com/ShayCichocki/stepflow/internal/lifecycle"
	"github.com/ShayCichocki/stepflow/internal/queue"
	"github.com/ShayCichocki/stepflow/internal/state"
	"github.com/ShayCichocki/stepflow/pkg/models"
)

var (
	// ErrExecutionTerminal is returned when an operation needs a live
	// execution but the execution has completed or failed.
	ErrExecutionTerminal = errors.New("execution is terminal")
	// ErrAlreadyDriving is returned when resuming an execution that this
	// engine drives, that another driver heartbeated within the stale
	// threshold, or that another engine resumed first.
	ErrAlreadyDriving = errors.New("execution is already being driven")
)

// StartOptions describes a new execution.
type StartOptions struct {
	// TriggeredBy names the actor starting the run.
	TriggeredBy string
	// Priority is added to every step's priority.
	Priority int
	// ParentID links a sub-workflow to its parent execution.
	ParentID string
	// Context seeds the execution context.
	Context *models.Context
}

// Engine ties the queue, the checkpoint manager and the state machine
// together and drives executions level by level.
type Engine struct {
	store       state.QueueStore
	queue       *queue.Queue
	checkpoints *checkpoint.Manager
	registry    *Registry
	emitter     *EventEmitter
	logger      *zap.SugaredLogger
	opts        *engineOptions

	ctx    context.Context
	cancel context.CancelFunc

	mu      deadlock.Mutex
	drivers map[string]*driver
}

// New creates an Engine over store.
func New(store state.QueueStore, opts ...Option) *Engine {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.registry == nil {
		o.registry = NewRegistry()
	}
	if o.emitter == nil {
		o.emitter = NewEventEmitter(DefaultEventBuffer, o.logger)
	}

	qopts := append([]queue.Option{queue.WithSink(o.emitter), queue.WithLogger(o.logger.Named("queue"))}, o.queueOpts...)
	cpopts := []checkpoint.Option{checkpoint.WithLogger(o.logger.Named("checkpoint"))}
	if o.compressThreshold != nil {
		cpopts = append(cpopts, checkpoint.WithCompressThreshold(*o.compressThreshold))
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:       store,
		queue:       queue.New(store, qopts...),
		checkpoints: checkpoint.NewManager(store, cpopts...),
		registry:    o.registry,
		emitter:     o.emitter,
		logger:      o.logger,
		opts:        o,
		ctx:         ctx,
		cancel:      cancel,
		drivers:     make(map[string]*driver),
	}
}

// Queue returns the workflow queue.
func (e *Engine) Queue() *queue.Queue { return e.queue }

// Registry returns the step executor registry.
func (e *Engine) Registry() *Registry { return e.registry }

// Checkpoints returns the checkpoint manager.
func (e *Engine) Checkpoints() *checkpoint.Manager { return e.checkpoints }

// Events returns the live telemetry channel.
func (e *Engine) Events() <-chan Event { return e.emitter.Events() }

// DroppedEventCount returns how many telemetry events were dropped.
func (e *Engine) DroppedEventCount() uint64 { return e.emitter.DroppedCount() }

// NewPool creates a worker pool serving this engine's queue.
func (e *Engine) NewPool() *Pool {
	return NewPool(e.opts.pool, e.queue, e.store, e.registry, e.emitter, e.logger.Named("pool"))
}

// Plan validates def and returns its step levels without touching the
// store.
func (e *Engine) Plan(def *models.WorkflowDefinition) ([][]string, error) {
	g, err := e.validate(def)
	if err != nil {
		return nil, err
	}
	return g.Levels(), nil
}

// validate builds the dependency graph and checks every step has an
// executor. Errors are *graph.DefinitionError.
func (e *Engine) validate(def *models.WorkflowDefinition) (*graph.DependencyGraph, error) {
	if def == nil {
		return nil, &graph.DefinitionError{Err: errors.New("nil workflow definition")}
	}
	g, err := graph.Build(def.Steps)
	if err != nil {
		return nil, err
	}
	for _, key := range g.Keys() {
		if _, err := e.registry.Lookup(*g.Step(key)); err != nil {
			return nil, &graph.DefinitionError{Step: key, Err: err}
		}
	}
	return g, nil
}

// StartExecution validates def, records a new execution and begins driving
// it. An invalid definition is rejected before anything is written.
func (e *Engine) StartExecution(ctx context.Context, def *models.WorkflowDefinition, opts StartOptions) (*models.Execution, error) {
	g, err := e.validate(def)
	if err != nil {
		return nil, err
	}

	now := e.opts.now()
	execCtx := opts.Context.Clone()
	exec := &models.Execution{
		ID:              uuid.NewString(),
		WorkflowName:    def.Name,
		WorkflowVersion: def.Version,
		Definition:      def,
		State:           models.ExecutionIdle,
		Context:         execCtx,
		CreatedAt:       now,
		TriggeredBy:     opts.TriggeredBy,
		Priority:        opts.Priority,
		ParentID:        opts.ParentID,
		UpdatedAt:       now,
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}

	m := e.machine(exec)
	for _, t := range []lifecycle.Trigger{lifecycle.TriggerStart, lifecycle.TriggerParsed, lifecycle.TriggerValidated} {
		if err := m.Fire(ctx, t, lifecycle.WithPayload(map[string]any{"workflow": def.Name, "steps": g.Size()})); err != nil {
			return nil, err
		}
	}

	e.logger.Infow("execution started", "execution", exec.ID, "workflow", def.Name,
		"steps", g.Size(), "levels", g.NumLevels())
	e.publish(models.EventWorkflowStarted, exec.ID, fmt.Sprintf("%s: %d steps in %d levels", def.Name, g.Size(), g.NumLevels()))

	if err := e.drive(m, g); err != nil {
		return nil, err
	}
	return m.Execution(), nil
}

// ResumeExecution continues an execution from a specific checkpoint. The
// checkpoint is verified first; a corrupt or inconsistent checkpoint is an
// error and no older checkpoint is tried.
func (e *Engine) ResumeExecution(ctx context.Context, checkpointID string) (*models.Execution, error) {
	restored, err := e.checkpoints.Load(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	return e.resume(ctx, restored.Checkpoint.ExecutionID, restored)
}

// ResumeLatest continues an execution from its most recent checkpoint. An
// execution interrupted before its first level commit restarts from level 0
// with its stored context.
func (e *Engine) ResumeLatest(ctx context.Context, executionID string) (*models.Execution, error) {
	restored, err := e.checkpoints.Latest(ctx, executionID)
	if errors.Is(err, state.ErrNotFound) {
		restored = nil
	} else if err != nil {
		return nil, err
	}
	return e.resume(ctx, executionID, restored)
}

func (e *Engine) resume(ctx context.Context, executionID string, restored *checkpoint.Restored) (*models.Execution, error) {
	if e.driving(executionID) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyDriving, executionID)
	}

	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("load execution: %w", err)
	}
	if exec.State.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrExecutionTerminal, executionID, exec.State)
	}
	if exec.CancelRequested {
		return nil, fmt.Errorf("execution %s has a pending cancel request", executionID)
	}

	g, err := graph.Build(exec.Definition.Steps)
	if err != nil {
		return nil, fmt.Errorf("rebuild graph: %w", err)
	}

	level, execCtx, cpID := 0, exec.Context, ""
	if restored != nil {
		plan := e.checkpoints.Plan(restored, g)
		level, execCtx, cpID = plan.Level, plan.Context, plan.CheckpointID
	}
	update := func(x *models.Execution) {
		x.CurrentLevel = level
		x.Context = execCtx.Clone()
	}
	payload := map[string]any{"checkpoint_id": cpID, "from_level": level}

	m := e.machine(exec)
	switch exec.State {
	case models.ExecutionPaused:
		if err := m.Fire(ctx, lifecycle.TriggerResume, lifecycle.WithUpdate(update), lifecycle.WithPayload(payload)); err != nil {
			return nil, lostRace(executionID, err)
		}
	case models.ExecutionExecuting:
		now := e.opts.now()
		if idle := now.Sub(exec.UpdatedAt); idle < e.opts.staleAfter {
			return nil, fmt.Errorf("%w: %s heartbeat %s ago", ErrAlreadyDriving, executionID, idle.Round(time.Millisecond))
		}
		// The previous driver is gone; take over without a state change.
		// Bumping ResumeCount fences it out if it comes back.
		next := exec.Clone()
		update(next)
		next.ResumeCount++
		next.UpdatedAt = now
		payload["level"] = level
		payload["interrupted"] = true
		ev := models.NewEvent(exec.ID, models.EventWorkflowResumed, now, payload)
		if err := e.checkpoints.Commit(ctx, state.GuardOf(exec), nil, next, ev); err != nil {
			return nil, lostRace(executionID, fmt.Errorf("resume execution: %w", err))
		}
		m = e.machine(next)
	default:
		return nil, fmt.Errorf("%w: cannot resume execution in state %s", lifecycle.ErrIllegalTransition, exec.State)
	}

	e.logger.Infow("execution resumed", "execution", executionID, "checkpoint", cpID, "level", level)
	e.publish(models.EventWorkflowResumed, executionID, fmt.Sprintf("from level %d", level))

	if err := e.drive(m, g); err != nil {
		return nil, err
	}
	return m.Execution(), nil
}

// lostRace reports a conflicting resume commit as ErrAlreadyDriving.
func lostRace(executionID string, err error) error {
	if errors.Is(err, state.ErrConflict) {
		return fmt.Errorf("%w: %s: %v", ErrAlreadyDriving, executionID, err)
	}
	return err
}

// PauseExecution asks the execution to pause at its next level boundary.
// Steps already running finish first. The request is durable, so it reaches
// a driver in another process.
func (e *Engine) PauseExecution(ctx context.Context, executionID string) error {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return fmt.Errorf("load execution: %w", err)
	}
	switch {
	case exec.State.Terminal():
		return fmt.Errorf("%w: %s is %s", ErrExecutionTerminal, executionID, exec.State)
	case exec.State == models.ExecutionPaused:
		return nil
	}
	if err := e.store.SetPauseRequested(ctx, executionID, true); err != nil {
		return fmt.Errorf("request pause: %w", err)
	}
	e.logger.Infow("pause requested", "execution", executionID)
	return nil
}

// CancelExecution cancels the execution's live items and fails the run.
// Running steps are not interrupted; their results are discarded.
func (e *Engine) CancelExecution(ctx context.Context, executionID, reason string) error {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return fmt.Errorf("load execution: %w", err)
	}
	if exec.State.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrExecutionTerminal, executionID, exec.State)
	}
	if reason == "" {
		reason = "cancelled"
	}

	if err := e.store.SetCancelRequested(ctx, executionID, true); err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	if _, err := e.queue.CancelExecution(ctx, executionID); err != nil {
		return err
	}
	e.logger.Infow("cancel requested", "execution", executionID, "reason", reason)

	// A paused run has no driver to observe the flag.
	if exec.State == models.ExecutionPaused && !e.driving(executionID) {
		m := e.machine(exec)
		if err := m.Fire(ctx, lifecycle.TriggerCancel, lifecycle.WithReason(reason)); err != nil {
			return err
		}
		e.publish(models.EventWorkflowCancelled, executionID, reason)
	}
	return nil
}

// AbandonExecution fails an execution instead of resuming it and cancels its
// live items. A paused run is cancelled. An executing run is failed once it
// has gone without a heartbeat for the stale threshold; before that it is
// refused with ErrAlreadyDriving. Runs still parsing or validating have no
// failure edge and are refused with lifecycle.ErrIllegalTransition.
func (e *Engine) AbandonExecution(ctx context.Context, executionID, reason string) error {
	if e.driving(executionID) {
		return fmt.Errorf("%w: %s", ErrAlreadyDriving, executionID)
	}
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return fmt.Errorf("load execution: %w", err)
	}
	if exec.State.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrExecutionTerminal, executionID, exec.State)
	}
	if reason == "" {
		reason = "abandoned"
	}

	trigger := lifecycle.TriggerFail
	switch exec.State {
	case models.ExecutionExecuting:
		if idle := e.opts.now().Sub(exec.UpdatedAt); idle < e.opts.staleAfter {
			return fmt.Errorf("%w: %s heartbeat %s ago", ErrAlreadyDriving, executionID, idle.Round(time.Millisecond))
		}
	case models.ExecutionPaused:
		trigger = lifecycle.TriggerCancel
	default:
		return fmt.Errorf("%w: cannot abandon execution in state %s", lifecycle.ErrIllegalTransition, exec.State)
	}

	m := e.machine(exec)
	err = m.Fire(ctx, trigger, lifecycle.WithReason(reason), lifecycle.WithPayload(map[string]any{"abandoned": true}))
	if err != nil {
		return lostRace(executionID, err)
	}
	if _, err := e.queue.CancelExecution(ctx, executionID); err != nil {
		return err
	}

	e.logger.Infow("execution abandoned", "execution", executionID, "from", exec.State, "reason", reason)
	e.publish(models.EventWorkflowFailed, executionID, reason)
	return nil
}

// Wait blocks until the execution stops being driven by this engine, or,
// for executions driven elsewhere, until it is paused or terminal.
func (e *Engine) Wait(ctx context.Context, executionID string) (*models.Execution, error) {
	e.mu.Lock()
	d := e.drivers[executionID]
	e.mu.Unlock()

	if d != nil {
		select {
		case <-d.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return e.store.GetExecution(ctx, executionID)
	}

	ticker := time.NewTicker(e.opts.heartbeat)
	defer ticker.Stop()
	for {
		exec, err := e.store.GetExecution(ctx, executionID)
		if err != nil {
			return nil, err
		}
		if exec.State.Terminal() || exec.State == models.ExecutionPaused {
			return exec, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// StepStatus reports the queue state of one step.
type StepStatus struct {
	Key          string
	Level        int
	Status       models.ItemStatus
	ItemID       string
	Attempts     int
	MaxAttempts  int
	WorkerID     string
	LastError    string
	RetryPending bool
}

// ExecutionStatus is a point-in-time view of an execution.
type ExecutionStatus struct {
	Execution *models.Execution
	Levels    [][]string
	Steps     []StepStatus
	// LatestCheckpointID is empty before the first level commit.
	LatestCheckpointID string
}

// ExecutionStatus returns the execution with the status of every step.
// Steps never enqueued have an empty Status.
func (e *Engine) ExecutionStatus(ctx context.Context, executionID string) (*ExecutionStatus, error) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("load execution: %w", err)
	}
	g, err := graph.Build(exec.Definition.Steps)
	if err != nil {
		return nil, fmt.Errorf("rebuild graph: %w", err)
	}
	items, err := e.store.ListItemsByExecution(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	latest := latestItems(items)

	status := &ExecutionStatus{Execution: exec, Levels: g.Levels()}
	for _, key := range g.TopologicalSort() {
		lvl, _ := g.LevelOf(key)
		s := StepStatus{Key: key, Level: lvl}
		if item, ok := latest[key]; ok {
			s.Status = item.Status
			s.ItemID = item.ID
			s.Attempts = item.Attempts
			s.MaxAttempts = item.MaxAttempts
			s.WorkerID = item.WorkerID
			s.LastError = item.LastError
			s.RetryPending = item.RetryPending()
		}
		status.Steps = append(status.Steps, s)
	}

	cp, err := e.store.LatestCheckpoint(ctx, executionID)
	switch {
	case err == nil:
		status.LatestCheckpointID = cp.ID
	case !errors.Is(err, state.ErrNotFound):
		return nil, fmt.Errorf("latest checkpoint: %w", err)
	}
	return status, nil
}

// ItemStatus returns a queue item. Its Status, LastError, Attempts and
// RetryPending describe where it stands.
func (e *Engine) ItemStatus(ctx context.Context, itemID string) (*models.QueueItem, error) {
	return e.queue.GetItem(ctx, itemID)
}

// Close stops all level drivers and waits for them. Executions being driven
// stay in their current state and can be resumed later.
func (e *Engine) Close() error {
	e.cancel()
	e.mu.Lock()
	drivers := make([]*driver, 0, len(e.drivers))
	for _, d := range e.drivers {
		drivers = append(drivers, d)
	}
	e.mu.Unlock()

	for _, d := range drivers {
		<-d.done
	}
	e.emitter.Close()
	return nil
}

func (e *Engine) machine(exec *models.Execution) *lifecycle.Machine {
	return lifecycle.New(e.checkpoints, exec,
		lifecycle.WithLogger(e.logger.Named("lifecycle")),
		lifecycle.WithClock(e.opts.now))
}

func (e *Engine) driving(executionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.drivers[executionID]
	return ok
}

// drive starts a level driver goroutine for m.
func (e *Engine) drive(m *lifecycle.Machine, g *graph.DependencyGraph) error {
	d := newDriver(e, m, g)

	e.mu.Lock()
	if _, ok := e.drivers[d.id]; ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyDriving, d.id)
	}
	if e.ctx.Err() != nil {
		e.mu.Unlock()
		return fmt.Errorf("engine closed")
	}
	e.drivers[d.id] = d
	e.mu.Unlock()

	go func() {
		defer func() {
			e.mu.Lock()
			delete(e.drivers, d.id)
			e.mu.Unlock()
			close(d.done)
		}()
		if err := d.run(e.ctx); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Errorw("level driver stopped", "execution", d.id, "error", err)
		}
	}()
	return nil
}

func (e *Engine) publish(typ models.EventType, executionID, message string) {
	e.emitter.Publish(Event{
		Type:        typ,
		ExecutionID: executionID,
		Message:     message,
		Timestamp:   e.opts.now(),
	})
}

// latestItems returns the most recently created item per step.
func latestItems(items []models.QueueItem) map[string]*models.QueueItem {
	out := make(map[string]*models.QueueItem, len(items))
	for i := range items {
		item := &items[i]
		if prev, ok := out[item.StepKey]; ok && !newer(item, prev) {
			continue
		}
		out[item.StepKey] = item
	}
	return out
}

func newer(a, b *models.QueueItem) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.Seq > b.Seq
}
