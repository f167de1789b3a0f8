package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ShayCichocki/stepflow/internal/queue"
	"github.com/ShayCichocki/stepflow/internal/state"
	"github.com/ShayCichocki/stepflow/pkg/models"
)

// PoolConfig contains configuration options for the worker pool.
type PoolConfig struct {
	// Workers is the number of concurrent workers.
	Workers int
	// PollInterval is the first idle backoff step after an empty dequeue.
	PollInterval time.Duration
	// MaxBackoff caps the idle backoff.
	MaxBackoff time.Duration
	// DequeueRate limits dequeue attempts per second across the pool.
	// Zero means unlimited.
	DequeueRate float64
	// StuckTimeout is how long an item may stay processing before the
	// reaper returns it to pending. Negative disables the reaper.
	StuckTimeout time.Duration
	// ReapInterval is how often the reaper runs.
	ReapInterval time.Duration
	// WorkerPrefix prefixes worker IDs. Defaults to the hostname.
	WorkerPrefix string
}

// Pool runs workers that pull step items from the queue and execute them.
// Workers share no state beyond the store; any number of pools in any
// number of processes can serve the same queue.
type Pool struct {
	cfg      PoolConfig
	queue    *queue.Queue
	store    state.QueueStore
	registry *Registry
	emitter  *EventEmitter
	gate     *claimGate
	limiter  *rate.Limiter
	logger   *zap.SugaredLogger

	active    atomic.Int64
	processed atomic.Int64
}

// NewPool creates a worker pool.
func NewPool(cfg PoolConfig, q *queue.Queue, store state.QueueStore, registry *Registry, emitter *EventEmitter, logger *zap.SugaredLogger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxBackoff < cfg.PollInterval {
		cfg.MaxBackoff = cfg.PollInterval
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = DefaultReapInterval
	}
	if cfg.WorkerPrefix == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "worker"
		}
		cfg.WorkerPrefix = host
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	limit := rate.Inf
	if cfg.DequeueRate > 0 {
		limit = rate.Limit(cfg.DequeueRate)
	}

	return &Pool{
		cfg:      cfg,
		queue:    q,
		store:    store,
		registry: registry,
		emitter:  emitter,
		gate:     newClaimGate(logger),
		limiter:  rate.NewLimiter(limit, cfg.Workers),
		logger:   logger,
	}
}

// Pause stops workers from claiming new items. Items in flight finish.
func (p *Pool) Pause() { p.gate.pause() }

// Resume undoes Pause.
func (p *Pool) Resume() { p.gate.resume() }

// Stop makes Run return once in-flight items finish.
func (p *Pool) Stop() { p.gate.stop() }

// IsPaused reports whether the pool is paused.
func (p *Pool) IsPaused() bool { return p.gate.paused() }

// Active returns the number of items currently being executed.
func (p *Pool) Active() int { return int(p.active.Load()) }

// Processed returns the number of items this pool has finished.
func (p *Pool) Processed() int64 { return p.processed.Load() }

// Run starts the workers and the stuck-item reaper and blocks until ctx is
// cancelled or Stop is called.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	p.logger.Infow("worker pool starting", "workers", p.cfg.Workers, "prefix", p.cfg.WorkerPrefix)

	for i := 0; i < p.cfg.Workers; i++ {
		workerID := fmt.Sprintf("%s-%d-%s", p.cfg.WorkerPrefix, i, uuid.NewString()[:8])
		g.Go(func() error { return p.work(ctx, workerID) })
	}
	if p.cfg.StuckTimeout > 0 {
		g.Go(func() error { return p.reap(ctx) })
	}

	err := g.Wait()
	p.logger.Infow("worker pool stopped", "processed", p.processed.Load())
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrStopped) {
		return nil
	}
	return err
}

func (p *Pool) work(ctx context.Context, workerID string) error {
	backoff := p.idleBackoff()
	for {
		if err := p.gate.wait(ctx); err != nil {
			return err
		}
		if err := p.limiter.Wait(ctx); err != nil {
			return ctx.Err()
		}

		ran, err := p.ProcessOne(ctx, workerID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Warnw("worker error", "worker", workerID, "error", err)
		}
		if ran {
			backoff = p.idleBackoff()
			continue
		}

		wait, _ := backoff.Next()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (p *Pool) idleBackoff() retry.Backoff {
	return retry.WithCappedDuration(p.cfg.MaxBackoff, retry.NewExponential(p.cfg.PollInterval))
}

func (p *Pool) reap(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if p.gate.stopped() {
				return ErrStopped
			}
			if _, err := p.queue.ResetStuckItems(ctx, p.cfg.StuckTimeout); err != nil && ctx.Err() == nil {
				p.logger.Warnw("reset stuck items failed", "error", err)
			}
		}
	}
}

// ProcessOne claims and runs at most one item. It reports whether an item
// was claimed.
func (p *Pool) ProcessOne(ctx context.Context, workerID string) (bool, error) {
	item, err := p.queue.Dequeue(ctx, workerID)
	if err != nil {
		return false, err
	}
	if item == nil {
		return false, nil
	}

	p.active.Add(1)
	defer p.active.Add(-1)
	defer p.processed.Add(1)

	return true, p.run(ctx, workerID, item)
}

func (p *Pool) run(ctx context.Context, workerID string, item *models.QueueItem) error {
	var payload models.StepPayload
	if err := json.Unmarshal(item.Payload, &payload); err != nil {
		return p.reject(ctx, item, fmt.Errorf("decode step payload: %w", err))
	}
	if payload.ExecutionID == "" {
		return p.reject(ctx, item, errors.New("item is not a workflow step"))
	}

	exec, err := p.store.GetExecution(ctx, payload.ExecutionID)
	if err != nil {
		return p.reject(ctx, item, fmt.Errorf("load execution: %w", err))
	}
	if exec.State.Terminal() || exec.CancelRequested {
		return ignoreSettled(p.queue.Cancel(ctx, item.ID))
	}

	step := payload.Step
	log := p.logger.With("execution", exec.ID, "step", step.Key, "item", item.ID, "worker", workerID, "attempt", item.Attempts)
	p.audit(ctx, exec.ID, item.ID, models.EventStepStarted, map[string]any{
		"step": step.Key, "worker": workerID, "attempt": item.Attempts,
	})

	ex, err := p.registry.Lookup(step)
	var result map[string]any
	if err == nil {
		start := time.Now()
		result, err = p.execute(ctx, ex, step, exec.Context.Clone())
		log.Debugw("step executed", "duration", time.Since(start), "ok", err == nil)
	}

	if ctx.Err() != nil {
		// Shutting down: leave the item processing for the reaper.
		return ctx.Err()
	}

	if err == nil {
		if cerr := p.queue.Complete(ctx, item, result); cerr != nil {
			log.Infow("step result discarded", "error", cerr)
			return ignoreSettled(cerr)
		}
		p.audit(ctx, exec.ID, item.ID, models.EventStepCompleted, map[string]any{
			"step": step.Key, "worker": workerID, "attempt": item.Attempts,
		})
		return nil
	}

	stepErr := &StepExecutionError{ExecutionID: exec.ID, StepKey: step.Key, Attempt: item.Attempts, Err: err}
	retried, ferr := p.queue.Fail(ctx, item, stepErr)
	switch {
	case retried:
		log.Infow("step failed, retry scheduled", "error", err)
		p.audit(ctx, exec.ID, item.ID, models.EventStepRetry, map[string]any{
			"step": step.Key, "worker": workerID, "attempt": item.Attempts, "error": err.Error(),
		})
		return nil
	case queue.IsRetryExhausted(ferr):
		log.Warnw("step failed", "error", err)
		p.audit(ctx, exec.ID, item.ID, models.EventStepFailed, map[string]any{
			"step": step.Key, "worker": workerID, "attempt": item.Attempts, "error": err.Error(),
		})
		return nil
	default:
		return ignoreSettled(ferr)
	}
}

// reject fails an item that cannot be run.
func (p *Pool) reject(ctx context.Context, item *models.QueueItem, cause error) error {
	p.logger.Warnw("rejecting item", "item", item.ID, "error", cause)
	_, err := p.queue.Fail(ctx, item, cause)
	if queue.IsRetryExhausted(err) {
		return nil
	}
	return ignoreSettled(err)
}

// execute runs ex, turning a panic into an error.
func (p *Pool) execute(ctx context.Context, ex StepExecutor, step models.Step, execCtx *models.Context) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return ex.Execute(ctx, step, execCtx)
}

func (p *Pool) audit(ctx context.Context, executionID, itemID string, typ models.EventType, payload map[string]any) {
	ev := models.NewEvent(executionID, typ, time.Now(), payload)
	ev.ItemID = itemID
	if err := p.store.AppendEvent(ctx, ev); err != nil && ctx.Err() == nil {
		p.logger.Warnw("append event failed", "type", typ, "execution", executionID, "error", err)
	}
	if p.emitter != nil {
		p.emitter.Publish(FromAuditEvent(ev))
	}
}

// ignoreSettled drops state conflicts: the item was cancelled or otherwise
// settled by someone else while the worker held it.
func ignoreSettled(err error) error {
	var qse *queue.QueueStateError
	if errors.As(err, &qse) {
		return nil
	}
	return err
}
