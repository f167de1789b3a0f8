// Package checkpoint captures execution snapshots at level boundaries and
// restores them for resume.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ShayCichocki/stepflow/internal/graph"
	"github.com/ShayCichocki/stepflow/internal/state"
	"github.com/ShayCichocki/stepflow/pkg/models"
)

// DefaultCompressThreshold is the serialized context size above which the
// context is stored xz-compressed.
const DefaultCompressThreshold = 64 << 10

// Store is the persistence the manager needs.
type Store interface {
	GetCheckpoint(ctx context.Context, id string) (*models.Checkpoint, error)
	LatestCheckpoint(ctx context.Context, executionID string) (*models.Checkpoint, error)
	CommitLevel(ctx context.Context, g state.Guard, cp *models.Checkpoint, e *models.Execution, events ...*models.Event) error
	ListItemsByExecution(ctx context.Context, executionID string) ([]models.QueueItem, error)
}

// Manager writes and verifies checkpoints.
type Manager struct {
	store     Store
	threshold int
	logger    *zap.SugaredLogger
	now       func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithCompressThreshold sets the compression threshold in bytes. A negative
// value disables compression.
func WithCompressThreshold(n int) Option {
	return func(m *Manager) { m.threshold = n }
}

// WithLogger sets the logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager over store.
func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:     store,
		threshold: DefaultCompressThreshold,
		logger:    zap.NewNop().Sugar(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Resolution is the outcome of the steps at capture time.
type Resolution struct {
	Completed []string
	Failed    []string
	Pending   []string
}

// Capture builds a checkpoint of e. The snapshot records e's state tag,
// current level and full context along with the given step resolution.
// Capture does not persist anything.
func (m *Manager) Capture(e *models.Execution, typ models.CheckpointType, res Resolution) (*models.Checkpoint, error) {
	raw, err := json.Marshal(e.Context)
	if err != nil {
		return nil, fmt.Errorf("encode context: %w", err)
	}

	data, encoding := raw, EncodingJSON
	if m.threshold >= 0 && len(raw) > m.threshold {
		data, err = compressXZ(raw)
		if err != nil {
			return nil, err
		}
		encoding = EncodingJSONXZ
	}

	return &models.Checkpoint{
		ID:             uuid.NewString(),
		ExecutionID:    e.ID,
		Type:           typ,
		State:          e.State,
		Level:          e.CurrentLevel,
		CompletedSteps: nonNil(res.Completed),
		FailedSteps:    nonNil(res.Failed),
		PendingSteps:   nonNil(res.Pending),
		Context:        data,
		Encoding:       encoding,
		Checksum:       checksum(data),
		Size:           len(raw),
		CreatedAt:      m.now(),
	}, nil
}

// Commit persists cp (which may be nil), the execution update and events as
// one store transaction, provided the stored execution still matches g.
func (m *Manager) Commit(ctx context.Context, g state.Guard, cp *models.Checkpoint, e *models.Execution, events ...*models.Event) error {
	if err := m.store.CommitLevel(ctx, g, cp, e, events...); err != nil {
		return err
	}
	if cp != nil {
		m.logger.Debugw("checkpoint written",
			"execution", e.ID, "checkpoint", cp.ID, "level", cp.Level,
			"encoding", cp.Encoding, "size", cp.Size, "stored", len(cp.Context))
	}
	return nil
}

// Restored is a verified checkpoint with its decoded context.
type Restored struct {
	Checkpoint *models.Checkpoint
	Context    *models.Context
}

// Load reads and verifies a checkpoint by ID.
func (m *Manager) Load(ctx context.Context, checkpointID string) (*Restored, error) {
	cp, err := m.store.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return m.verify(ctx, cp)
}

// Latest reads and verifies the most recent checkpoint of an execution. A
// checkpoint that fails verification is reported; older ones are not tried.
func (m *Manager) Latest(ctx context.Context, executionID string) (*Restored, error) {
	cp, err := m.store.LatestCheckpoint(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("latest checkpoint: %w", err)
	}
	return m.verify(ctx, cp)
}

func (m *Manager) verify(ctx context.Context, cp *models.Checkpoint) (*Restored, error) {
	inconsistent := func(reason string, steps ...string) error {
		return &CheckpointConsistencyError{
			CheckpointID: cp.ID,
			ExecutionID:  cp.ExecutionID,
			Reason:       reason,
			Steps:        steps,
		}
	}

	if got := checksum(cp.Context); got != cp.Checksum {
		return nil, inconsistent("checksum mismatch")
	}

	raw := cp.Context
	switch cp.Encoding {
	case EncodingJSON, "":
	case EncodingJSONXZ:
		var err error
		if raw, err = extractXZ(cp.Context); err != nil {
			return nil, inconsistent(fmt.Sprintf("decompress context: %v", err))
		}
	default:
		return nil, inconsistent(fmt.Sprintf("unknown encoding %q", cp.Encoding))
	}

	execCtx := models.NewContext()
	if err := json.Unmarshal(raw, execCtx); err != nil {
		return nil, inconsistent(fmt.Sprintf("decode context: %v", err))
	}

	var missing []string
	for _, key := range cp.CompletedSteps {
		if _, ok := execCtx.Get(key); !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, inconsistent("completed steps have no result in context", missing...)
	}

	items, err := m.store.ListItemsByExecution(ctx, cp.ExecutionID)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	byStep := make(map[string][]models.ItemStatus)
	for _, item := range items {
		byStep[item.StepKey] = append(byStep[item.StepKey], item.Status)
	}

	for _, key := range cp.CompletedSteps {
		if !hasStatus(byStep[key], models.ItemCompleted) {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, inconsistent("completed steps have no completed queue item", missing...)
	}

	for _, key := range cp.FailedSteps {
		statuses := byStep[key]
		if hasStatus(statuses, models.ItemCompleted) ||
			!(hasStatus(statuses, models.ItemFailed) || hasStatus(statuses, models.ItemCancelled)) {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, inconsistent("failed steps do not match queue items", missing...)
	}

	return &Restored{Checkpoint: cp, Context: execCtx}, nil
}

// ResumePlan is what a driver needs to continue an execution from a
// checkpoint.
type ResumePlan struct {
	CheckpointID string
	State        models.ExecutionState
	// Level is the first level with an unresolved step.
	Level     int
	Context   *models.Context
	Completed []string
	Failed    []string
	// Remaining lists unresolved step keys in level order.
	Remaining []string
}

// Plan reconstructs the resume point of r against the execution's graph.
func (m *Manager) Plan(r *Restored, g *graph.DependencyGraph) *ResumePlan {
	resolved := make(map[string]bool, len(r.Checkpoint.CompletedSteps)+len(r.Checkpoint.FailedSteps))
	for _, key := range r.Checkpoint.CompletedSteps {
		resolved[key] = true
	}
	for _, key := range r.Checkpoint.FailedSteps {
		resolved[key] = true
	}

	var remaining []string
	for _, key := range g.TopologicalSort() {
		if !resolved[key] {
			remaining = append(remaining, key)
		}
	}

	return &ResumePlan{
		CheckpointID: r.Checkpoint.ID,
		State:        r.Checkpoint.State,
		Level:        g.FirstUnresolvedLevel(resolved),
		Context:      r.Context,
		Completed:    append([]string(nil), r.Checkpoint.CompletedSteps...),
		Failed:       append([]string(nil), r.Checkpoint.FailedSteps...),
		Remaining:    remaining,
	}
}

func hasStatus(statuses []models.ItemStatus, want models.ItemStatus) bool {
	for _, s := range statuses {
		if s == want {
			return true
		}
	}
	return false
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
