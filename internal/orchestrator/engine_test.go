package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/stepflow/internal/graph"
	"github.com/ShayCichocki/stepflow/internal/lifecycle"
	"github.com/ShayCichocki/stepflow/internal/queue"
	"github.com/ShayCichocki/stepflow/internal/state"
	"github.com/ShayCichocki/stepflow/pkg/models"
)

const waitTimeout = 10 * time.Second

// harness runs an engine and a worker pool over one store.
type harness struct {
	t      *testing.T
	store  state.QueueStore
	engine *Engine
	pool   *Pool

	mu      sync.Mutex
	started map[string]int
	seen    map[string][]string
	release chan struct{}
	running chan string
}

func newHarness(t *testing.T, store state.QueueStore, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		store:   store,
		started: make(map[string]int),
		seen:    make(map[string][]string),
		release: make(chan struct{}),
		running: make(chan string, 16),
	}

	reg := NewRegistry()
	reg.Register("ok", ExecutorFunc(h.ok))
	reg.Register("fail", ExecutorFunc(h.fail))
	reg.Register("block", ExecutorFunc(h.block))
	reg.Register("flaky", ExecutorFunc(h.flaky))

	h.engine = New(store, append([]Option{
		WithRegistry(reg),
		WithHeartbeat(5 * time.Millisecond),
		WithPoolConfig(PoolConfig{
			Workers:      4,
			PollInterval: 2 * time.Millisecond,
			MaxBackoff:   10 * time.Millisecond,
			StuckTimeout: -1,
		}),
	}, opts...)...)
	h.pool = h.engine.NewPool()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.pool.Run(ctx)
	}()
	// Drain telemetry so the emitter never blocks.
	go func() {
		for range h.engine.Events() {
		}
	}()

	t.Cleanup(func() {
		cancel()
		<-done
		h.engine.Close()
	})
	return h
}

func memStore(t *testing.T) state.QueueStore {
	t.Helper()
	s, err := state.NewMemStore()
	require.NoError(t, err)
	return s
}

func sqliteStore(t *testing.T) state.QueueStore {
	t.Helper()
	return sqliteAt(t, filepath.Join(t.TempDir(), "engine.db"))
}

// sqliteAt opens its own handle on path, as a separate process would.
func sqliteAt(t *testing.T, path string) state.QueueStore {
	t.Helper()
	db, err := state.Open(path)
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })
	return db
}

func (h *harness) record(step models.Step, execCtx *models.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.started[step.Key]++
	h.seen[step.Key] = execCtx.Keys()
}

func (h *harness) ok(_ context.Context, step models.Step, execCtx *models.Context) (map[string]any, error) {
	h.record(step, execCtx)
	return map[string]any{"value": step.Key}, nil
}

func (h *harness) fail(_ context.Context, step models.Step, execCtx *models.Context) (map[string]any, error) {
	h.record(step, execCtx)
	return nil, errors.New("always fails")
}

func (h *harness) block(ctx context.Context, step models.Step, execCtx *models.Context) (map[string]any, error) {
	h.record(step, execCtx)
	h.running <- step.Key
	select {
	case <-h.release:
		return map[string]any{"value": step.Key}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *harness) flaky(_ context.Context, step models.Step, execCtx *models.Context) (map[string]any, error) {
	h.record(step, execCtx)
	h.mu.Lock()
	n := h.started[step.Key]
	h.mu.Unlock()
	if n == 1 {
		return nil, errors.New("transient")
	}
	return map[string]any{"value": step.Key, "attempt": n}, nil
}

func (h *harness) wait(id string) *models.Execution {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	exec, err := h.engine.Wait(ctx, id)
	require.NoError(h.t, err)
	return exec
}

func (h *harness) waitRunning(key string) {
	h.t.Helper()
	select {
	case got := <-h.running:
		require.Equal(h.t, key, got)
	case <-time.After(waitTimeout):
		h.t.Fatalf("step %s never started", key)
	}
}

func (h *harness) itemsByStep(id string) map[string][]models.QueueItem {
	h.t.Helper()
	items, err := h.store.ListItemsByExecution(context.Background(), id)
	require.NoError(h.t, err)
	out := make(map[string][]models.QueueItem)
	for _, item := range items {
		out[item.StepKey] = append(out[item.StepKey], item)
	}
	return out
}

func (h *harness) eventTypes(id string) []models.EventType {
	h.t.Helper()
	events, err := h.store.ListEvents(context.Background(), id)
	require.NoError(h.t, err)
	var out []models.EventType
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}

func fanIn(actionA, actionB string) *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		Name:    "fan-in",
		Version: "1",
		Steps: []models.Step{
			{Key: "A", Action: actionA},
			{Key: "B", Action: actionB},
			{Key: "C", Action: "ok", DependsOn: []string{"A", "B"}},
		},
	}
}

func contextJSON(t *testing.T, c *models.Context) string {
	t.Helper()
	b, err := json.Marshal(c)
	require.NoError(t, err)
	return string(b)
}

func TestStartExecution_RunsLevelsInOrder(t *testing.T) {
	for name, open := range map[string]func(*testing.T) state.QueueStore{"memdb": memStore, "sqlite": sqliteStore} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, open(t))
			seed := models.NewContext()
			seed.Set("input", "x")

			exec, err := h.engine.StartExecution(context.Background(), fanIn("ok", "ok"), StartOptions{TriggeredBy: "test", Context: seed})
			require.NoError(t, err)
			assert.Equal(t, models.ExecutionExecuting, exec.State)

			final := h.wait(exec.ID)
			require.Equal(t, models.ExecutionCompleted, final.State, final.LastError)
			assert.Equal(t, []string{"input", "A", "B", "C"}, final.Context.Keys())
			assert.Equal(t, 2, final.CheckpointCount)
			assert.Equal(t, 2, final.CurrentLevel)
			require.NotNil(t, final.CompletedAt)
			assert.Equal(t, "test", final.TriggeredBy)

			// C ran after A and B had resolved and saw their results.
			h.mu.Lock()
			assert.ElementsMatch(t, []string{"input", "A", "B"}, h.seen["C"])
			assert.Equal(t, []string{"input"}, h.seen["A"])
			h.mu.Unlock()

			items := h.itemsByStep(exec.ID)
			for _, key := range []string{"A", "B", "C"} {
				require.Len(t, items[key], 1, key)
				assert.Equal(t, models.ItemCompleted, items[key][0].Status)
			}
			assert.False(t, items["C"][0].StartedAt.Before(*items["A"][0].CompletedAt))
			assert.False(t, items["C"][0].StartedAt.Before(*items["B"][0].CompletedAt))
			assert.False(t, items["C"][0].CreatedAt.Before(*items["A"][0].CompletedAt))

			types := h.eventTypes(exec.ID)
			assert.Equal(t, models.EventStateChanged, types[0])
			assert.Contains(t, types, models.EventWorkflowStarted)
			assert.Contains(t, types, models.EventStepCompleted)
			assert.Contains(t, types, models.EventCheckpointWritten)
			assert.Contains(t, types, models.EventLevelAdvanced)
			assert.Contains(t, types, models.EventWorkflowCompleted)
		})
	}
}

func TestStartExecution_InvalidDefinitionLeavesNoTrace(t *testing.T) {
	tests := []struct {
		name string
		def  *models.WorkflowDefinition
		is   error
	}{
		{
			name: "cycle",
			def: &models.WorkflowDefinition{Name: "loop", Steps: []models.Step{
				{Key: "A", Action: "ok", DependsOn: []string{"B"}},
				{Key: "B", Action: "ok", DependsOn: []string{"A"}},
			}},
			is: graph.ErrCycleDetected,
		},
		{
			name: "unknown dependency",
			def: &models.WorkflowDefinition{Name: "dangling", Steps: []models.Step{
				{Key: "A", Action: "ok", DependsOn: []string{"ghost"}},
			}},
			is: graph.ErrUnknownDependency,
		},
		{
			name: "unknown executor",
			def: &models.WorkflowDefinition{Name: "mystery", Steps: []models.Step{
				{Key: "A", Action: "teleport"},
			}},
			is: ErrNoExecutor,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, memStore(t))
			ctx := context.Background()

			_, err := h.engine.StartExecution(ctx, tt.def, StartOptions{})
			require.ErrorIs(t, err, tt.is)
			var defErr *graph.DefinitionError
			require.ErrorAs(t, err, &defErr)

			execs, err := h.store.ListExecutions(ctx)
			require.NoError(t, err)
			assert.Empty(t, execs)

			counts, err := h.store.CountItemsByStatus(ctx)
			require.NoError(t, err)
			for status, n := range counts {
				assert.Zero(t, n, status)
			}
		})
	}
}

func TestStepFailure_FailsExecutionAndSkipsLaterLevels(t *testing.T) {
	h := newHarness(t, memStore(t))
	def := fanIn("fail", "ok")
	def.Steps[0].MaxAttempts = 2

	exec, err := h.engine.StartExecution(context.Background(), def, StartOptions{})
	require.NoError(t, err)

	final := h.wait(exec.ID)
	assert.Equal(t, models.ExecutionFailed, final.State)
	assert.Contains(t, final.LastError, "step A failed")
	assert.Contains(t, final.LastError, "always fails")

	items := h.itemsByStep(exec.ID)
	require.Len(t, items["A"], 1)
	assert.Equal(t, models.ItemFailed, items["A"][0].Status)
	assert.Equal(t, 2, items["A"][0].Attempts)
	assert.False(t, items["A"][0].RetryPending())
	assert.Empty(t, items["C"], "C must never be enqueued")

	types := h.eventTypes(exec.ID)
	assert.Contains(t, types, models.EventStepRetry)
	assert.Contains(t, types, models.EventStepFailed)
	assert.Contains(t, types, models.EventWorkflowFailed)
}

func TestContinueOnError(t *testing.T) {
	h := newHarness(t, memStore(t))
	def := fanIn("fail", "ok")
	def.Steps[0].MaxAttempts = 1
	def.Steps[0].ContinueOnError = true

	exec, err := h.engine.StartExecution(context.Background(), def, StartOptions{})
	require.NoError(t, err)

	final := h.wait(exec.ID)
	require.Equal(t, models.ExecutionCompleted, final.State, final.LastError)
	_, hasA := final.Context.Get("A")
	assert.False(t, hasA)
	_, hasC := final.Context.Get("C")
	assert.True(t, hasC)

	status, err := h.engine.ExecutionStatus(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Len(t, status.Steps, 3)
	assert.Equal(t, "A", status.Steps[0].Key)
	assert.Equal(t, models.ItemFailed, status.Steps[0].Status)
	assert.Contains(t, status.Steps[0].LastError, "always fails")
	assert.False(t, status.Steps[0].RetryPending)
	assert.Equal(t, models.ItemCompleted, status.Steps[2].Status)
	assert.Equal(t, 1, status.Steps[2].Level)

	cp, err := h.store.LatestCheckpoint(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, cp.FailedSteps)
}

func TestRetryThenSucceed(t *testing.T) {
	h := newHarness(t, memStore(t))
	def := &models.WorkflowDefinition{Name: "retry", Steps: []models.Step{{Key: "F", Action: "flaky"}}}

	exec, err := h.engine.StartExecution(context.Background(), def, StartOptions{})
	require.NoError(t, err)

	final := h.wait(exec.ID)
	require.Equal(t, models.ExecutionCompleted, final.State, final.LastError)
	items := h.itemsByStep(exec.ID)
	require.Len(t, items["F"], 1)
	assert.Equal(t, 2, items["F"][0].Attempts)
	assert.Contains(t, h.eventTypes(exec.ID), models.EventStepRetry)
}

func TestPauseAndResume_MatchesUninterruptedRun(t *testing.T) {
	h := newHarness(t, memStore(t))
	ctx := context.Background()

	reference, err := h.engine.StartExecution(ctx, fanIn("ok", "ok"), StartOptions{})
	require.NoError(t, err)
	want := h.wait(reference.ID)
	require.Equal(t, models.ExecutionCompleted, want.State)

	exec, err := h.engine.StartExecution(ctx, fanIn("block", "ok"), StartOptions{})
	require.NoError(t, err)
	h.waitRunning("A")

	require.NoError(t, h.engine.PauseExecution(ctx, exec.ID))
	close(h.release)

	paused := h.wait(exec.ID)
	require.Equal(t, models.ExecutionPaused, paused.State, paused.LastError)
	assert.Equal(t, 1, paused.CurrentLevel)
	assert.False(t, paused.PauseRequested)
	assert.Empty(t, h.itemsByStep(exec.ID)["C"], "C must not be enqueued while paused")

	status, err := h.engine.ExecutionStatus(ctx, exec.ID)
	require.NoError(t, err)
	require.NotEmpty(t, status.LatestCheckpointID)
	cp, err := h.store.GetCheckpoint(ctx, status.LatestCheckpointID)
	require.NoError(t, err)
	assert.Equal(t, models.CheckpointIncremental, cp.Type)
	assert.Equal(t, models.ExecutionPaused, cp.State)

	resumed, err := h.engine.ResumeLatest(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionExecuting, resumed.State)

	final := h.wait(exec.ID)
	require.Equal(t, models.ExecutionCompleted, final.State, final.LastError)
	assert.Equal(t, 1, final.ResumeCount)
	assert.Equal(t, contextJSON(t, want.Context), contextJSON(t, final.Context))

	// Each step ran exactly once per execution across the pause.
	items := h.itemsByStep(exec.ID)
	for _, key := range []string{"A", "B", "C"} {
		assert.Len(t, items[key], 1, key)
	}

	types := h.eventTypes(exec.ID)
	assert.Contains(t, types, models.EventWorkflowPaused)
	assert.Contains(t, types, models.EventWorkflowResumed)
}

func TestResumeExecution_FromCheckpoint(t *testing.T) {
	h := newHarness(t, memStore(t))
	ctx := context.Background()

	exec, err := h.engine.StartExecution(ctx, fanIn("block", "ok"), StartOptions{})
	require.NoError(t, err)
	h.waitRunning("A")
	require.NoError(t, h.engine.PauseExecution(ctx, exec.ID))
	close(h.release)
	require.Equal(t, models.ExecutionPaused, h.wait(exec.ID).State)

	cps, err := h.store.ListCheckpoints(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, cps, 1)

	_, err = h.engine.ResumeExecution(ctx, cps[0].ID)
	require.NoError(t, err)
	final := h.wait(exec.ID)
	assert.Equal(t, models.ExecutionCompleted, final.State)

	_, err = h.engine.ResumeExecution(ctx, cps[0].ID)
	assert.ErrorIs(t, err, ErrExecutionTerminal)
}

func TestCancelExecution_WhileRunning(t *testing.T) {
	h := newHarness(t, memStore(t))
	ctx := context.Background()

	exec, err := h.engine.StartExecution(ctx, fanIn("block", "ok"), StartOptions{})
	require.NoError(t, err)
	h.waitRunning("A")

	require.NoError(t, h.engine.CancelExecution(ctx, exec.ID, "operator"))
	close(h.release)

	final := h.wait(exec.ID)
	assert.Equal(t, models.ExecutionFailed, final.State)
	assert.True(t, final.CancelRequested)

	items := h.itemsByStep(exec.ID)
	assert.Equal(t, models.ItemCancelled, items["A"][0].Status)
	assert.Empty(t, items["C"])
	assert.Contains(t, h.eventTypes(exec.ID), models.EventWorkflowCancelled)

	assert.ErrorIs(t, h.engine.CancelExecution(ctx, exec.ID, ""), ErrExecutionTerminal)
	assert.ErrorIs(t, h.engine.PauseExecution(ctx, exec.ID), ErrExecutionTerminal)
}

func TestCancelExecution_WhilePaused(t *testing.T) {
	h := newHarness(t, memStore(t))
	ctx := context.Background()

	exec, err := h.engine.StartExecution(ctx, fanIn("block", "ok"), StartOptions{})
	require.NoError(t, err)
	h.waitRunning("A")
	require.NoError(t, h.engine.PauseExecution(ctx, exec.ID))
	close(h.release)
	require.Equal(t, models.ExecutionPaused, h.wait(exec.ID).State)

	require.NoError(t, h.engine.CancelExecution(ctx, exec.ID, "no longer needed"))

	got, err := h.store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionFailed, got.State)
	assert.Equal(t, "no longer needed", got.LastError)

	_, err = h.engine.ResumeLatest(ctx, exec.ID)
	assert.ErrorIs(t, err, ErrExecutionTerminal)
}

func TestResumeLatest_InterruptedDriver(t *testing.T) {
	store := memStore(t)
	ctx := context.Background()

	// First engine starts the run and goes away mid-level.
	first := newHarness(t, store)
	exec, err := first.engine.StartExecution(ctx, fanIn("block", "ok"), StartOptions{})
	require.NoError(t, err)
	first.waitRunning("A")
	first.engine.Close()
	close(first.release)

	got, err := store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, models.ExecutionExecuting, got.State)

	second := newHarness(t, store, WithStaleAfter(200*time.Millisecond))
	_, err = second.engine.ResumeLatest(ctx, exec.ID)
	require.ErrorIs(t, err, ErrAlreadyDriving, "the run heartbeated moments ago")

	time.Sleep(250 * time.Millisecond)
	_, err = second.engine.ResumeLatest(ctx, exec.ID)
	require.NoError(t, err)

	final := second.wait(exec.ID)
	require.Equal(t, models.ExecutionCompleted, final.State, final.LastError)
	assert.Equal(t, 1, final.ResumeCount)
	assert.Equal(t, []string{"A", "B", "C"}, final.Context.Keys())
}

func countEvents(types []models.EventType, want models.EventType) int {
	n := 0
	for _, typ := range types {
		if typ == want {
			n++
		}
	}
	return n
}

func TestResumeLatest_LiveDriverInAnotherEngine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	ctx := context.Background()

	first := newHarness(t, sqliteAt(t, path))
	second := newHarness(t, sqliteAt(t, path))

	exec, err := first.engine.StartExecution(ctx, fanIn("block", "ok"), StartOptions{})
	require.NoError(t, err)
	first.waitRunning("A")

	_, err = second.engine.ResumeLatest(ctx, exec.ID)
	require.ErrorIs(t, err, ErrAlreadyDriving)
	assert.False(t, second.engine.driving(exec.ID))

	close(first.release)
	final := first.wait(exec.ID)
	require.Equal(t, models.ExecutionCompleted, final.State, final.LastError)
	assert.Equal(t, 0, final.ResumeCount)

	cps, err := first.store.ListCheckpoints(ctx, exec.ID)
	require.NoError(t, err)
	assert.Len(t, cps, 2)

	types := first.eventTypes(exec.ID)
	assert.Zero(t, countEvents(types, models.EventWorkflowResumed))
	assert.Equal(t, 1, countEvents(types, models.EventLevelAdvanced))
	assert.Equal(t, 1, countEvents(types, models.EventWorkflowCompleted))
}

func TestResumeLatest_StaleDriverStopsAfterTakeover(t *testing.T) {
	store := memStore(t)
	ctx := context.Background()

	// The first driver heartbeats rarely, so it looks dead while A runs.
	first := newHarness(t, store, WithHeartbeat(300*time.Millisecond))
	exec, err := first.engine.StartExecution(ctx, fanIn("block", "ok"), StartOptions{})
	require.NoError(t, err)
	first.waitRunning("A")

	second := newHarness(t, store, WithStaleAfter(50*time.Millisecond))
	time.Sleep(100 * time.Millisecond)
	_, err = second.engine.ResumeLatest(ctx, exec.ID)
	require.NoError(t, err)

	close(first.release)
	final := second.wait(exec.ID)
	require.Equal(t, models.ExecutionCompleted, final.State, final.LastError)
	assert.Equal(t, 1, final.ResumeCount)

	require.Eventually(t, func() bool { return !first.engine.driving(exec.ID) },
		waitTimeout, 10*time.Millisecond, "the replaced driver must stop")

	cps, err := store.ListCheckpoints(ctx, exec.ID)
	require.NoError(t, err)
	assert.Len(t, cps, 2)

	types := second.eventTypes(exec.ID)
	assert.Equal(t, 1, countEvents(types, models.EventWorkflowResumed))
	assert.Equal(t, 1, countEvents(types, models.EventLevelAdvanced))
	assert.Equal(t, 1, countEvents(types, models.EventWorkflowCompleted))

	got, err := store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, got.State)
}

func TestEmptyWorkflowCompletes(t *testing.T) {
	h := newHarness(t, memStore(t))
	exec, err := h.engine.StartExecution(context.Background(), &models.WorkflowDefinition{Name: "empty"}, StartOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, h.wait(exec.ID).State)
}

func TestPlan(t *testing.T) {
	e := New(memStore(t))
	defer e.Close()
	levels, err := e.Plan(&models.WorkflowDefinition{Name: "p", Steps: []models.Step{
		{Key: "A", Action: "noop"},
		{Key: "B", Action: "noop"},
		{Key: "C", Action: "noop", DependsOn: []string{"A", "B"}},
	}})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"A", "B"}, {"C"}}, levels)
}

func seedExecution(t *testing.T, store state.QueueStore, id string, st models.ExecutionState, updated time.Time) {
	t.Helper()
	require.NoError(t, store.CreateExecution(context.Background(), &models.Execution{
		ID:           id,
		WorkflowName: "fan-in",
		Definition:   fanIn("ok", "ok"),
		State:        st,
		Context:      models.NewContext(),
		CreatedAt:    updated,
		UpdatedAt:    updated,
	}))
}

func TestAbandonExecution(t *testing.T) {
	ctx := context.Background()
	old := time.Now().Add(-time.Hour)

	t.Run("stale executing run fails through the state machine", func(t *testing.T) {
		store := memStore(t)
		e := New(store, WithStaleAfter(time.Minute))
		defer e.Close()
		seedExecution(t, store, "x", models.ExecutionExecuting, old)
		itemID, err := e.Queue().Enqueue(ctx, "payload", queue.EnqueueOptions{ExecutionID: "x", StepKey: "A"})
		require.NoError(t, err)

		require.NoError(t, e.AbandonExecution(ctx, "x", "operator gave up"))

		got, err := store.GetExecution(ctx, "x")
		require.NoError(t, err)
		assert.Equal(t, models.ExecutionFailed, got.State)
		assert.Equal(t, "operator gave up", got.LastError)
		assert.NotNil(t, got.CompletedAt)

		item, err := store.GetItem(ctx, itemID)
		require.NoError(t, err)
		assert.Equal(t, models.ItemCancelled, item.Status)

		events, err := store.ListEvents(ctx, "x")
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, models.EventStateChanged, events[0].Type)
		assert.Equal(t, "executing", events[0].Payload["from"])
		assert.Equal(t, "failed", events[0].Payload["to"])
		assert.Equal(t, models.EventWorkflowFailed, events[1].Type)
		assert.Equal(t, true, events[1].Payload["abandoned"])

		assert.ErrorIs(t, e.AbandonExecution(ctx, "x", ""), ErrExecutionTerminal)
	})

	t.Run("live executing run is refused", func(t *testing.T) {
		store := memStore(t)
		e := New(store, WithStaleAfter(time.Minute))
		defer e.Close()
		seedExecution(t, store, "x", models.ExecutionExecuting, time.Now())

		assert.ErrorIs(t, e.AbandonExecution(ctx, "x", ""), ErrAlreadyDriving)
		got, err := store.GetExecution(ctx, "x")
		require.NoError(t, err)
		assert.Equal(t, models.ExecutionExecuting, got.State)
	})

	t.Run("paused run is cancelled", func(t *testing.T) {
		store := memStore(t)
		e := New(store)
		defer e.Close()
		seedExecution(t, store, "x", models.ExecutionPaused, time.Now())

		require.NoError(t, e.AbandonExecution(ctx, "x", ""))
		got, err := store.GetExecution(ctx, "x")
		require.NoError(t, err)
		assert.Equal(t, models.ExecutionFailed, got.State)
		assert.Equal(t, "abandoned", got.LastError)

		events, err := store.ListEvents(ctx, "x")
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, models.EventWorkflowCancelled, events[1].Type)
	})

	for _, st := range []models.ExecutionState{models.ExecutionParsing, models.ExecutionValidating} {
		t.Run(string(st)+" run has no failure edge", func(t *testing.T) {
			store := memStore(t)
			e := New(store)
			defer e.Close()
			seedExecution(t, store, "x", st, old)

			assert.ErrorIs(t, e.AbandonExecution(ctx, "x", ""), lifecycle.ErrIllegalTransition)
			got, err := store.GetExecution(ctx, "x")
			require.NoError(t, err)
			assert.Equal(t, st, got.State)

			events, err := store.ListEvents(ctx, "x")
			require.NoError(t, err)
			assert.Empty(t, events)
		})
	}
}
