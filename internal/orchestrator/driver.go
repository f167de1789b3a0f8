package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/stepflow/internal/checkpoint"
	"github.com/ShayCichocki/stepflow/internal/graph"
	"github.com/ShayCichocki/stepflow/internal/lifecycle"
	"github.com/ShayCichocki/stepflow/internal/queue"
	"github.com/ShayCichocki/stepflow/internal/state"
	"github.com/ShayCichocki/stepflow/pkg/models"
)

// driver moves one execution through its levels. Only the current level is
// ever in the queue: a level's steps are enqueued once every step of the
// previous level is terminal and the level has been committed.
type driver struct {
	id      string
	engine  *Engine
	machine *lifecycle.Machine
	graph   *graph.DependencyGraph
	logger  *zap.SugaredLogger
	done    chan struct{}
}

func newDriver(e *Engine, m *lifecycle.Machine, g *graph.DependencyGraph) *driver {
	id := m.Execution().ID
	return &driver{
		id:      id,
		engine:  e,
		machine: m,
		graph:   g,
		logger:  e.logger.Named("driver").With("execution", id),
		done:    make(chan struct{}),
	}
}

func (d *driver) run(ctx context.Context) error {
	err := d.loop(ctx)
	if errors.Is(err, state.ErrConflict) {
		d.logger.Warnw("execution changed by another driver, stopping", "error", err)
		return nil
	}
	return err
}

func (d *driver) loop(ctx context.Context) error {
	for {
		exec := d.machine.Execution()
		if exec.State != models.ExecutionExecuting {
			return nil
		}
		if exec.CurrentLevel >= d.graph.NumLevels() {
			return d.complete(ctx)
		}

		stop, err := d.runLevel(ctx, exec.CurrentLevel)
		if err != nil || stop {
			return err
		}
	}
}

// runLevel enqueues the level and waits for it to resolve. It reports
// whether the driver should stop.
func (d *driver) runLevel(ctx context.Context, level int) (bool, error) {
	keys := d.graph.Level(level)
	if err := d.heartbeat(ctx); err != nil {
		return true, err
	}
	enqueued, err := d.enqueueLevel(ctx, level, keys)
	if err != nil {
		return true, err
	}
	d.audit(ctx, models.EventLevelStarted, map[string]any{"level": level, "steps": keys, "enqueued": enqueued})
	d.logger.Debugw("level started", "level", level, "steps", keys, "enqueued", enqueued)

	ticker := time.NewTicker(d.engine.opts.heartbeat)
	defer ticker.Stop()

	for {
		exec, err := d.engine.store.GetExecution(ctx, d.id)
		if err != nil {
			if ctx.Err() != nil {
				return true, ctx.Err()
			}
			d.logger.Warnw("poll execution failed", "error", err)
		} else {
			if exec.CancelRequested {
				return true, d.cancel(ctx)
			}
			if err := d.heartbeat(ctx); err != nil {
				return true, err
			}

			latest, err := d.latest(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return true, ctx.Err()
				}
				d.logger.Warnw("poll items failed", "error", err)
			} else if stop, resolved, err := d.check(ctx, keys, latest); stop || err != nil {
				return true, err
			} else if resolved {
				return d.commitLevel(ctx, level, latest, exec.PauseRequested)
			}
		}

		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case <-ticker.C:
		}
	}
}

// enqueueLevel enqueues every step of the level that has no item yet. Steps
// with an item from an earlier driver keep it. Returns the number enqueued.
func (d *driver) enqueueLevel(ctx context.Context, level int, keys []string) (int, error) {
	latest, err := d.latest(ctx)
	if err != nil {
		return 0, err
	}
	exec := d.machine.Execution()

	n := 0
	for _, key := range keys {
		if _, ok := latest[key]; ok {
			continue
		}
		step := d.graph.Step(key)
		payload := models.StepPayload{ExecutionID: d.id, Level: level, Step: *step}
		_, err := d.engine.queue.Enqueue(ctx, payload, queue.EnqueueOptions{
			Priority:    exec.Priority + step.Priority,
			MaxAttempts: step.MaxAttempts,
			ExecutionID: d.id,
			StepKey:     key,
		})
		if err != nil {
			return n, fmt.Errorf("enqueue step %s: %w", key, err)
		}
		n++
	}
	return n, nil
}

// check inspects the level's items. stop is true when the execution was
// failed because a step failed without ContinueOnError.
func (d *driver) check(ctx context.Context, keys []string, latest map[string]*models.QueueItem) (stop, resolved bool, err error) {
	resolved = true
	for _, key := range keys {
		item, ok := latest[key]
		if !ok || !item.Status.Terminal() {
			resolved = false
			continue
		}
		if item.Status != models.ItemCompleted && !d.graph.Step(key).ContinueOnError {
			if item.Status == models.ItemCancelled && d.cancelRequested(ctx) {
				return true, false, d.cancel(ctx)
			}
			return true, false, d.fail(ctx, key, item)
		}
	}
	return false, resolved, nil
}

// commitLevel merges the level's results into the context and commits the
// checkpoint together with the transition that ends the level.
func (d *driver) commitLevel(ctx context.Context, level int, latest map[string]*models.QueueItem, pause bool) (bool, error) {
	exec := d.machine.Execution()
	merged := exec.Context.Clone()
	for _, key := range d.graph.Level(level) {
		item := latest[key]
		if item.Status != models.ItemCompleted {
			continue
		}
		var result any
		if len(item.Result) > 0 {
			if err := json.Unmarshal(item.Result, &result); err != nil {
				return true, fmt.Errorf("decode result of step %s: %w", key, err)
			}
		}
		merged.Set(key, result)
	}

	next := level + 1
	trigger, target, typ := lifecycle.TriggerAdvance, models.ExecutionExecuting, models.CheckpointFull
	switch {
	case next >= d.graph.NumLevels():
		trigger, target = lifecycle.TriggerComplete, models.ExecutionCompleted
	case pause:
		trigger, target, typ = lifecycle.TriggerPause, models.ExecutionPaused, models.CheckpointIncremental
	}

	snapshot := exec.Clone()
	snapshot.State = target
	snapshot.CurrentLevel = next
	snapshot.Context = merged
	cp, err := d.engine.checkpoints.Capture(snapshot, typ, d.resolution(level, latest))
	if err != nil {
		return true, err
	}

	err = d.machine.Fire(ctx, trigger,
		lifecycle.WithCheckpoint(cp),
		lifecycle.WithUpdate(func(x *models.Execution) {
			x.CurrentLevel = next
			x.Context = merged.Clone()
		}),
		lifecycle.WithPayload(map[string]any{"resolved_level": level}),
	)
	if err != nil {
		return true, err
	}
	d.logger.Infow("level committed", "level", level, "checkpoint", cp.ID, "trigger", trigger)

	switch trigger {
	case lifecycle.TriggerPause:
		if err := d.engine.store.SetPauseRequested(ctx, d.id, false); err != nil {
			d.logger.Warnw("clear pause request failed", "error", err)
		}
		d.engine.publish(models.EventWorkflowPaused, d.id, fmt.Sprintf("paused before level %d", next))
		return true, nil
	case lifecycle.TriggerComplete:
		d.engine.publish(models.EventWorkflowCompleted, d.id, "")
		return true, nil
	}
	d.engine.publish(models.EventLevelAdvanced, d.id, fmt.Sprintf("level %d resolved", level))
	return false, nil
}

// resolution classifies every step up to and including level.
func (d *driver) resolution(level int, latest map[string]*models.QueueItem) checkpoint.Resolution {
	var res checkpoint.Resolution
	for i := 0; i < d.graph.NumLevels(); i++ {
		for _, key := range d.graph.Level(i) {
			item, ok := latest[key]
			switch {
			case i > level || !ok:
				res.Pending = append(res.Pending, key)
			case item.Status == models.ItemCompleted:
				res.Completed = append(res.Completed, key)
			default:
				res.Failed = append(res.Failed, key)
			}
		}
	}
	return res
}

func (d *driver) complete(ctx context.Context) error {
	if err := d.machine.Fire(ctx, lifecycle.TriggerComplete); err != nil {
		return err
	}
	d.engine.publish(models.EventWorkflowCompleted, d.id, "")
	return nil
}

func (d *driver) fail(ctx context.Context, key string, item *models.QueueItem) error {
	reason := fmt.Sprintf("step %s %s", key, item.Status)
	if item.LastError != "" {
		reason += ": " + item.LastError
	}
	if err := d.machine.Fire(ctx, lifecycle.TriggerFail, lifecycle.WithReason(reason)); err != nil {
		return err
	}
	if _, err := d.engine.queue.CancelExecution(ctx, d.id); err != nil {
		return err
	}
	d.logger.Warnw("execution failed", "step", key, "reason", reason)
	d.engine.publish(models.EventWorkflowFailed, d.id, reason)
	return nil
}

func (d *driver) cancel(ctx context.Context) error {
	if err := d.machine.Fire(ctx, lifecycle.TriggerCancel, lifecycle.WithReason("cancel requested")); err != nil {
		return err
	}
	if _, err := d.engine.queue.CancelExecution(ctx, d.id); err != nil {
		return err
	}
	d.logger.Infow("execution cancelled")
	d.engine.publish(models.EventWorkflowCancelled, d.id, "cancel requested")
	return nil
}

// cancelRequested rereads the cancel flag. Items cancelled by a cancel
// request can be seen before the flag on the previous poll.
func (d *driver) cancelRequested(ctx context.Context) bool {
	exec, err := d.engine.store.GetExecution(ctx, d.id)
	return err == nil && exec.CancelRequested
}

// heartbeat refreshes UpdatedAt so recovery and other engines see the run
// as live. Only a conflict or a vanished execution is returned; other
// failures are logged and retried on the next tick.
func (d *driver) heartbeat(ctx context.Context) error {
	g := state.GuardOf(d.machine.Execution())
	err := d.engine.store.TouchExecution(ctx, g, d.engine.opts.now())
	switch {
	case err == nil || ctx.Err() != nil:
		return nil
	case errors.Is(err, state.ErrConflict), errors.Is(err, state.ErrNotFound):
		return err
	}
	d.logger.Warnw("heartbeat failed", "error", err)
	return nil
}

func (d *driver) latest(ctx context.Context) (map[string]*models.QueueItem, error) {
	items, err := d.engine.store.ListItemsByExecution(ctx, d.id)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	return latestItems(items), nil
}

func (d *driver) audit(ctx context.Context, typ models.EventType, payload map[string]any) {
	ev := models.NewEvent(d.id, typ, d.engine.opts.now(), payload)
	if err := d.engine.store.AppendEvent(ctx, ev); err != nil && ctx.Err() == nil {
		d.logger.Warnw("append event failed", "type", typ, "error", err)
	}
	d.engine.emitter.Publish(FromAuditEvent(ev))
}
