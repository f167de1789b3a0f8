// Package lifecycle drives an execution through its states. Every transition
// is persisted, together with its audit events, before Fire returns.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/qmuntal/stateless"
	"go.uber.org/zap"

	"github.com/ShayCichocki/stepflow/internal/state"
	"github.com/ShayCichocki/stepflow/pkg/models"
)

// ErrIllegalTransition is returned when a trigger is not permitted in the
// current state. The execution is left unchanged.
var ErrIllegalTransition = errors.New("illegal state transition")

// Trigger moves an execution between states.
type Trigger string

const (
	TriggerStart     Trigger = "start"
	TriggerParsed    Trigger = "parsed"
	TriggerValidated Trigger = "validated"
	// TriggerInvalid fails a run whose definition is rejected while it is
	// validating. The engine checks definitions before recording an
	// execution, so it never fires this; it exists for callers that persist
	// a run first and validate it afterwards.
	TriggerInvalid   Trigger = "invalid"
	TriggerAdvance   Trigger = "advance"
	TriggerPause     Trigger = "pause"
	TriggerResume    Trigger = "resume"
	TriggerComplete  Trigger = "complete"
	TriggerFail      Trigger = "fail"
	TriggerCancel    Trigger = "cancel"
)

// Committer persists an execution update, an optional checkpoint and events
// in one atomic unit. The unit is refused with state.ErrConflict when the
// stored execution no longer matches g.
type Committer interface {
	Commit(ctx context.Context, g state.Guard, cp *models.Checkpoint, e *models.Execution, events ...*models.Event) error
}

// StoreCommitter adapts a CheckpointStore to Committer.
type StoreCommitter struct {
	Store state.CheckpointStore
}

// Commit calls CommitLevel on the wrapped store.
func (s StoreCommitter) Commit(ctx context.Context, g state.Guard, cp *models.Checkpoint, e *models.Execution, events ...*models.Event) error {
	return s.Store.CommitLevel(ctx, g, cp, e, events...)
}

// Machine is the state machine of one execution. It is safe for concurrent
// use.
type Machine struct {
	mu     sync.Mutex
	exec   *models.Execution
	fsm    *stateless.StateMachine
	commit Committer
	logger *zap.SugaredLogger
	now    func() time.Time
}

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(m *Machine) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// New returns a machine positioned at the execution's current state. An
// execution with no state starts at idle. The machine owns exec from here
// on; callers read it back through Execution.
func New(c Committer, exec *models.Execution, opts ...Option) *Machine {
	if exec.State == "" {
		exec.State = models.ExecutionIdle
	}
	m := &Machine{
		exec:   exec,
		commit: c,
		logger: zap.NewNop().Sugar(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	m.fsm = stateless.NewStateMachineWithExternalStorage(
		func(context.Context) (stateless.State, error) { return m.exec.State, nil },
		func(_ context.Context, s stateless.State) error {
			m.exec.State = s.(models.ExecutionState)
			return nil
		},
		stateless.FiringImmediate,
	)
	configure(m.fsm)
	return m
}

func configure(fsm *stateless.StateMachine) {
	fsm.Configure(models.ExecutionIdle).
		Permit(TriggerStart, models.ExecutionParsing)

	fsm.Configure(models.ExecutionParsing).
		Permit(TriggerParsed, models.ExecutionValidating)

	fsm.Configure(models.ExecutionValidating).
		Permit(TriggerValidated, models.ExecutionExecuting).
		Permit(TriggerInvalid, models.ExecutionFailed)

	fsm.Configure(models.ExecutionExecuting).
		PermitReentry(TriggerAdvance).
		Permit(TriggerPause, models.ExecutionPaused).
		Permit(TriggerComplete, models.ExecutionCompleted).
		Permit(TriggerFail, models.ExecutionFailed).
		Permit(TriggerCancel, models.ExecutionFailed)

	fsm.Configure(models.ExecutionPaused).
		Permit(TriggerResume, models.ExecutionExecuting).
		Permit(TriggerCancel, models.ExecutionFailed)

	fsm.Configure(models.ExecutionCompleted)
	fsm.Configure(models.ExecutionFailed)
}

// State returns the current state.
func (m *Machine) State() models.ExecutionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exec.State
}

// Execution returns a copy of the execution as last committed.
func (m *Machine) Execution() *models.Execution {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exec.Clone()
}

// CanFire reports whether t is permitted in the current state.
func (m *Machine) CanFire(ctx context.Context, t Trigger) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ok, err := m.fsm.CanFireCtx(ctx, t)
	return err == nil && ok
}

// Permitted lists the triggers allowed in the current state.
func (m *Machine) Permitted(ctx context.Context) []Trigger {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, err := m.fsm.PermittedTriggersCtx(ctx)
	if err != nil {
		return nil
	}
	out := make([]Trigger, 0, len(raw))
	for _, t := range raw {
		out = append(out, t.(Trigger))
	}
	return out
}

type fireConfig struct {
	cp      *models.Checkpoint
	update  func(*models.Execution)
	reason  string
	payload map[string]any
	events  []*models.Event
}

// FireOption customizes a single transition.
type FireOption func(*fireConfig)

// WithCheckpoint commits cp in the same unit as the transition.
func WithCheckpoint(cp *models.Checkpoint) FireOption {
	return func(c *fireConfig) { c.cp = cp }
}

// WithUpdate applies fn to the execution before it is committed.
func WithUpdate(fn func(*models.Execution)) FireOption {
	return func(c *fireConfig) { c.update = fn }
}

// WithReason records why the run failed or was cancelled.
func WithReason(reason string) FireOption {
	return func(c *fireConfig) { c.reason = reason }
}

// WithPayload adds metadata to the transition's events.
func WithPayload(p map[string]any) FireOption {
	return func(c *fireConfig) { c.payload = p }
}

// WithEvents commits extra events alongside the transition.
func WithEvents(events ...*models.Event) FireOption {
	return func(c *fireConfig) { c.events = append(c.events, events...) }
}

// Fire applies trigger t. The new state, any checkpoint and the transition's
// events are committed atomically before Fire returns. On error the
// execution keeps its previous state. The commit is guarded by the state,
// level and resume count the machine last committed, so a machine whose
// execution was changed elsewhere gets state.ErrConflict. The pause and
// cancel request flags are not written by Fire; they only change through
// the store's setters.
func (m *Machine) Fire(ctx context.Context, t Trigger, opts ...FireOption) error {
	cfg := &fireConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.exec.State
	ok, err := m.fsm.CanFireCtx(ctx, t)
	if err != nil || !ok {
		return fmt.Errorf("%w: %s from %s", ErrIllegalTransition, t, from)
	}

	prev := m.exec
	m.exec = prev.Clone()
	if err := m.fsm.FireCtx(ctx, t); err != nil {
		m.exec = prev
		return fmt.Errorf("%w: %s from %s: %v", ErrIllegalTransition, t, from, err)
	}

	now := m.now()
	to := m.exec.State
	m.stamp(t, now, cfg)

	events := m.transitionEvents(t, from, to, now, cfg)
	if err := m.commit.Commit(ctx, state.GuardOf(prev), cfg.cp, m.exec, events...); err != nil {
		m.exec = prev
		return fmt.Errorf("commit %s transition: %w", t, err)
	}

	m.logger.Debugw("execution transition",
		"execution", m.exec.ID, "trigger", t, "from", from, "to", to)
	return nil
}

// stamp updates bookkeeping fields for a transition that just happened.
func (m *Machine) stamp(t Trigger, now time.Time, cfg *fireConfig) {
	e := m.exec
	if cfg.update != nil {
		cfg.update(e)
	}
	e.UpdatedAt = now
	if cfg.cp != nil {
		e.CheckpointCount++
	}

	switch t {
	case TriggerValidated:
		if e.StartedAt == nil {
			e.StartedAt = &now
		}
	case TriggerResume:
		e.ResumeCount++
	}

	if e.State.Terminal() {
		e.CompletedAt = &now
		start := e.CreatedAt
		if e.StartedAt != nil {
			start = *e.StartedAt
		}
		e.Duration = now.Sub(start)
		if cfg.reason != "" {
			e.LastError = cfg.reason
		}
	}
}

var triggerEvents = map[Trigger]models.EventType{
	TriggerStart:    models.EventWorkflowStarted,
	TriggerInvalid:  models.EventWorkflowFailed,
	TriggerAdvance:  models.EventLevelAdvanced,
	TriggerPause:    models.EventWorkflowPaused,
	TriggerResume:   models.EventWorkflowResumed,
	TriggerComplete: models.EventWorkflowCompleted,
	TriggerFail:     models.EventWorkflowFailed,
	TriggerCancel:   models.EventWorkflowCancelled,
}

func (m *Machine) transitionEvents(t Trigger, from, to models.ExecutionState, now time.Time, cfg *fireConfig) []*models.Event {
	id := m.exec.ID
	events := []*models.Event{
		models.NewEvent(id, models.EventStateChanged, now, map[string]any{
			"from":    string(from),
			"to":      string(to),
			"trigger": string(t),
		}),
	}

	if typ, ok := triggerEvents[t]; ok {
		payload := map[string]any{"level": m.exec.CurrentLevel}
		for k, v := range cfg.payload {
			payload[k] = v
		}
		if cfg.reason != "" {
			payload["reason"] = cfg.reason
		}
		events = append(events, models.NewEvent(id, typ, now, payload))
	}

	if cfg.cp != nil {
		events = append(events, models.NewEvent(id, models.EventCheckpointWritten, now, map[string]any{
			"checkpoint_id": cfg.cp.ID,
			"level":         cfg.cp.Level,
			"type":          string(cfg.cp.Type),
			"size":          cfg.cp.Size,
		}))
	}
	return append(events, cfg.events...)
}
