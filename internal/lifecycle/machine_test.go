package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/stepflow/internal/state"
	"github.com/ShayCichocki/stepflow/pkg/models"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *state.MemStore {
	t.Helper()
	s, err := state.NewMemStore()
	require.NoError(t, err)
	return s
}

func seed(t *testing.T, s *state.MemStore, st models.ExecutionState) *models.Execution {
	t.Helper()
	e := &models.Execution{
		ID:           "exec-" + string(st),
		WorkflowName: "wf",
		Definition:   &models.WorkflowDefinition{Name: "wf"},
		State:        st,
		Context:      models.NewContext(),
		CreatedAt:    epoch,
		UpdatedAt:    epoch,
	}
	require.NoError(t, s.CreateExecution(context.Background(), e))
	return e
}

func tick() func() time.Time {
	now := epoch
	return func() time.Time {
		now = now.Add(time.Second)
		return now
	}
}

func eventTypes(t *testing.T, s *state.MemStore, id string) []models.EventType {
	t.Helper()
	events, err := s.ListEvents(context.Background(), id)
	require.NoError(t, err)
	out := make([]models.EventType, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}

func TestMachine_HappyPath(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	e := seed(t, s, models.ExecutionIdle)
	m := New(StoreCommitter{Store: s}, e, WithClock(tick()))

	for _, tr := range []Trigger{TriggerStart, TriggerParsed, TriggerValidated, TriggerAdvance, TriggerComplete} {
		require.NoError(t, m.Fire(ctx, tr), "trigger %s", tr)
	}
	assert.Equal(t, models.ExecutionCompleted, m.State())

	stored, err := s.GetExecution(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, stored.State)
	require.NotNil(t, stored.StartedAt)
	require.NotNil(t, stored.CompletedAt)
	assert.Equal(t, stored.CompletedAt.Sub(*stored.StartedAt), stored.Duration)
	assert.Equal(t, 2*time.Second, stored.Duration)

	assert.Equal(t, []models.EventType{
		models.EventStateChanged, models.EventWorkflowStarted,
		models.EventStateChanged,
		models.EventStateChanged,
		models.EventStateChanged, models.EventLevelAdvanced,
		models.EventStateChanged, models.EventWorkflowCompleted,
	}, eventTypes(t, s, e.ID))
}

func TestMachine_IllegalTransitions(t *testing.T) {
	tests := []struct {
		from    models.ExecutionState
		trigger Trigger
	}{
		{models.ExecutionIdle, TriggerComplete},
		{models.ExecutionIdle, TriggerValidated},
		{models.ExecutionParsing, TriggerAdvance},
		{models.ExecutionValidating, TriggerPause},
		{models.ExecutionExecuting, TriggerResume},
		{models.ExecutionExecuting, TriggerStart},
		{models.ExecutionPaused, TriggerAdvance},
		{models.ExecutionPaused, TriggerComplete},
		{models.ExecutionCompleted, TriggerFail},
		{models.ExecutionCompleted, TriggerCancel},
		{models.ExecutionFailed, TriggerResume},
		{models.ExecutionFailed, TriggerStart},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.trigger), func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)
			e := seed(t, s, tt.from)
			m := New(StoreCommitter{Store: s}, e)

			assert.False(t, m.CanFire(ctx, tt.trigger))
			err := m.Fire(ctx, tt.trigger)
			require.ErrorIs(t, err, ErrIllegalTransition)
			assert.Equal(t, tt.from, m.State())

			stored, err := s.GetExecution(ctx, e.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.from, stored.State)
			assert.Empty(t, eventTypes(t, s, e.ID))
		})
	}
}

func TestMachine_Permitted(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	m := New(StoreCommitter{Store: s}, seed(t, s, models.ExecutionPaused))
	assert.ElementsMatch(t, []Trigger{TriggerResume, TriggerCancel}, m.Permitted(ctx))

	m = New(StoreCommitter{Store: s}, seed(t, s, models.ExecutionCompleted))
	assert.Empty(t, m.Permitted(ctx))
}

func TestMachine_AdvanceWithCheckpoint(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	e := seed(t, s, models.ExecutionExecuting)
	m := New(StoreCommitter{Store: s}, e, WithClock(tick()))

	cp := &models.Checkpoint{
		ID:          "cp-1",
		ExecutionID: e.ID,
		Type:        models.CheckpointFull,
		State:       models.ExecutionExecuting,
		Level:       1,
		Context:     []byte(`{"a":1}`),
		Encoding:    "json",
		CreatedAt:   epoch,
	}
	err := m.Fire(ctx, TriggerAdvance,
		WithCheckpoint(cp),
		WithUpdate(func(e *models.Execution) {
			e.CurrentLevel = 1
			e.Context.Set("a", float64(1))
		}),
	)
	require.NoError(t, err)

	stored, err := s.GetExecution(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.CurrentLevel)
	assert.Equal(t, 1, stored.CheckpointCount)
	v, ok := stored.Context.Get("a")
	require.True(t, ok)
	assert.Equal(t, float64(1), v)

	latest, err := s.LatestCheckpoint(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "cp-1", latest.ID)

	assert.Equal(t, []models.EventType{
		models.EventStateChanged, models.EventLevelAdvanced, models.EventCheckpointWritten,
	}, eventTypes(t, s, e.ID))
}

func TestMachine_PauseResumeCancel(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	e := seed(t, s, models.ExecutionExecuting)
	m := New(StoreCommitter{Store: s}, e, WithClock(tick()))

	require.NoError(t, m.Fire(ctx, TriggerPause))
	require.NoError(t, m.Fire(ctx, TriggerResume))
	assert.Equal(t, 1, m.Execution().ResumeCount)

	require.NoError(t, m.Fire(ctx, TriggerPause))
	require.NoError(t, m.Fire(ctx, TriggerCancel, WithReason("operator cancelled")))

	got := m.Execution()
	assert.Equal(t, models.ExecutionFailed, got.State)
	assert.Equal(t, "operator cancelled", got.LastError)
	assert.NotNil(t, got.CompletedAt)

	types := eventTypes(t, s, e.ID)
	assert.Equal(t, models.EventWorkflowCancelled, types[len(types)-1])
}

func TestMachine_InvalidDefinition(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	e := seed(t, s, models.ExecutionValidating)
	m := New(StoreCommitter{Store: s}, e)

	require.NoError(t, m.Fire(ctx, TriggerInvalid, WithReason("no executor for action \"x\"")))
	assert.Equal(t, models.ExecutionFailed, m.State())
	assert.Equal(t, "no executor for action \"x\"", m.Execution().LastError)
}

func TestMachine_FireDoesNotTouchRequestFlags(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	e := seed(t, s, models.ExecutionExecuting)
	m := New(StoreCommitter{Store: s}, e)

	require.NoError(t, s.SetPauseRequested(ctx, e.ID, true))
	require.NoError(t, m.Fire(ctx, TriggerAdvance))

	stored, err := s.GetExecution(ctx, e.ID)
	require.NoError(t, err)
	assert.True(t, stored.PauseRequested)
}

type failingCommitter struct{ calls int }

func (f *failingCommitter) Commit(context.Context, state.Guard, *models.Checkpoint, *models.Execution, ...*models.Event) error {
	f.calls++
	return errors.New("disk full")
}

func TestMachine_CommitFailureKeepsState(t *testing.T) {
	ctx := context.Background()
	c := &failingCommitter{}
	m := New(c, &models.Execution{ID: "x", State: models.ExecutionExecuting, Context: models.NewContext()})

	err := m.Fire(ctx, TriggerComplete)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrIllegalTransition)
	assert.Equal(t, 1, c.calls)
	assert.Equal(t, models.ExecutionExecuting, m.State())
	assert.Nil(t, m.Execution().CompletedAt)

	// The machine is still usable after a failed commit.
	assert.True(t, m.CanFire(ctx, TriggerPause))
}

func TestNew_DefaultsToIdle(t *testing.T) {
	m := New(&failingCommitter{}, &models.Execution{ID: "x"})
	assert.Equal(t, models.ExecutionIdle, m.State())
}

func TestMachine_StaleMachineConflicts(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	e := seed(t, s, models.ExecutionExecuting)
	stale, err := s.GetExecution(ctx, e.ID)
	require.NoError(t, err)

	first := New(StoreCommitter{Store: s}, e)
	second := New(StoreCommitter{Store: s}, stale)

	require.NoError(t, first.Fire(ctx, TriggerAdvance, WithUpdate(func(x *models.Execution) { x.CurrentLevel = 1 })))
	err = second.Fire(ctx, TriggerAdvance, WithUpdate(func(x *models.Execution) { x.CurrentLevel = 1 }))
	require.ErrorIs(t, err, state.ErrConflict)
	assert.Equal(t, 0, second.Execution().CurrentLevel)

	events := eventTypes(t, s, e.ID)
	assert.Equal(t, []models.EventType{models.EventStateChanged, models.EventLevelAdvanced}, events)
}
