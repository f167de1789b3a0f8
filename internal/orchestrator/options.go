package orchestrator

import (
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/stepflow/internal/queue"
)

// Defaults for engine and pool settings.
const (
	DefaultWorkers      = 4
	DefaultPollInterval = 100 * time.Millisecond
	DefaultMaxBackoff   = 2 * time.Second
	DefaultStuckTimeout = 10 * time.Minute
	DefaultReapInterval = time.Minute
	DefaultEventBuffer  = 256
	DefaultStaleAfter   = time.Minute
)

// Option configures an Engine. Use With* functions to create Options.
type Option func(*engineOptions)

// engineOptions holds all optional configuration.
type engineOptions struct {
	logger            *zap.SugaredLogger
	registry          *Registry
	emitter           *EventEmitter
	queueOpts         []queue.Option
	compressThreshold *int
	pool              PoolConfig
	// heartbeat is how often a level driver polls the store and refreshes
	// the execution's UpdatedAt.
	heartbeat time.Duration
	// staleAfter is how long an executing run must go without a heartbeat
	// before another engine may take it over.
	staleAfter time.Duration
	now        func() time.Time
}

func defaultOptions() *engineOptions {
	return &engineOptions{
		logger: zap.NewNop().Sugar(),
		pool: PoolConfig{
			Workers:      DefaultWorkers,
			PollInterval: DefaultPollInterval,
			MaxBackoff:   DefaultMaxBackoff,
			StuckTimeout: DefaultStuckTimeout,
			ReapInterval: DefaultReapInterval,
		},
		heartbeat:  DefaultPollInterval,
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(o *engineOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithRegistry sets the step executor registry.
func WithRegistry(r *Registry) Option {
	return func(o *engineOptions) { o.registry = r }
}

// WithEmitter sets the telemetry emitter. The queue publishes into it too.
func WithEmitter(e *EventEmitter) Option {
	return func(o *engineOptions) { o.emitter = e }
}

// WithQueueOptions passes options through to the workflow queue.
func WithQueueOptions(opts ...queue.Option) Option {
	return func(o *engineOptions) { o.queueOpts = append(o.queueOpts, opts...) }
}

// WithCompressThreshold sets the checkpoint context compression threshold.
func WithCompressThreshold(n int) Option {
	return func(o *engineOptions) { o.compressThreshold = &n }
}

// WithPoolConfig sets the worker pool configuration. Zero fields keep their
// defaults.
func WithPoolConfig(cfg PoolConfig) Option {
	return func(o *engineOptions) {
		if cfg.Workers > 0 {
			o.pool.Workers = cfg.Workers
		}
		if cfg.PollInterval > 0 {
			o.pool.PollInterval = cfg.PollInterval
		}
		if cfg.MaxBackoff > 0 {
			o.pool.MaxBackoff = cfg.MaxBackoff
		}
		if cfg.DequeueRate > 0 {
			o.pool.DequeueRate = cfg.DequeueRate
		}
		if cfg.StuckTimeout != 0 {
			o.pool.StuckTimeout = cfg.StuckTimeout
		}
		if cfg.ReapInterval > 0 {
			o.pool.ReapInterval = cfg.ReapInterval
		}
		if cfg.WorkerPrefix != "" {
			o.pool.WorkerPrefix = cfg.WorkerPrefix
		}
	}
}

// WithHeartbeat sets how often level drivers poll the store.
func WithHeartbeat(d time.Duration) Option {
	return func(o *engineOptions) {
		if d > 0 {
			o.heartbeat = d
		}
	}
}

// WithStaleAfter sets how long an executing run must go without a heartbeat
// before resume may take it over.
func WithStaleAfter(d time.Duration) Option {
	return func(o *engineOptions) {
		if d > 0 {
			o.staleAfter = d
		}
	}
}
