package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"go.uber.org/zap"

	"github.com/ShayCichocki/stepflow/internal/api"
	"github.com/ShayCichocki/stepflow/internal/config"
	"github.com/ShayCichocki/stepflow/internal/exec"
	"github.com/ShayCichocki/stepflow/internal/executors/agent"
	"github.com/ShayCichocki/stepflow/internal/executors/shell"
	"github.com/ShayCichocki/stepflow/internal/logger"
	"github.com/ShayCichocki/stepflow/internal/orchestrator"
	"github.com/ShayCichocki/stepflow/internal/queue"
	"github.com/ShayCichocki/stepflow/internal/state"
	"github.com/ShayCichocki/stepflow/pkg/models"
)

// app bundles what most commands need: config, logger, store and engine.
type app struct {
	cfg    *config.Config
	log    *zap.SugaredLogger
	store  state.QueueStore
	engine *orchestrator.Engine
}

type appOptions struct {
	// quiet sends logs only to the configured log file, for full-screen UIs.
	quiet bool
	// workers overrides the configured worker count when positive.
	workers int
	// staleAfter is how long an executing run must go without a heartbeat
	// before this process may take it over. Zero keeps the engine default.
	staleAfter time.Duration
}

func newApp(opts appOptions) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log, err := logger.New(logger.Config{
		Debug:  cfg.Logging.Debug,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
		Quiet:  opts.quiet,
	})
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}

	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	workers := cfg.Workers.Count
	if opts.workers > 0 {
		workers = opts.workers
	}
	engine := orchestrator.New(store,
		orchestrator.WithLogger(log),
		orchestrator.WithRegistry(newRegistry(cfg, log)),
		orchestrator.WithQueueOptions(
			queue.WithLogger(log.Named("queue")),
			queue.WithDefaultMaxAttempts(cfg.Queue.DefaultMaxAttempts),
			queue.WithThroughputWindow(cfg.Queue.ThroughputWindow),
		),
		orchestrator.WithCompressThreshold(cfg.Checkpoint.CompressThreshold),
		orchestrator.WithPoolConfig(orchestrator.PoolConfig{
			Workers:      workers,
			PollInterval: cfg.Workers.PollInterval,
			MaxBackoff:   cfg.Workers.MaxBackoff,
			DequeueRate:  cfg.Workers.DequeueRate,
			StuckTimeout: cfg.Queue.StuckTimeout,
			ReapInterval: cfg.Queue.ReapInterval,
		}),
		orchestrator.WithHeartbeat(cfg.Workers.Heartbeat),
		orchestrator.WithStaleAfter(opts.staleAfter),
	)

	return &app{cfg: cfg, log: log, store: store, engine: engine}, nil
}

// Close stops the engine's drivers, then closes the store.
func (a *app) Close() {
	if err := a.engine.Close(); err != nil {
		a.log.Warnw("close engine", "error", err)
	}
	if err := a.store.Close(); err != nil {
		a.log.Warnw("close store", "error", err)
	}
	_ = a.log.Sync()
}

// openStore opens and migrates the configured queue store.
func openStore(cfg *config.Config) (state.QueueStore, error) {
	switch cfg.Store.Driver {
	case config.DriverMemory:
		m, err := state.NewMemStore()
		if err != nil {
			return nil, fmt.Errorf("open memory store: %w", err)
		}
		return m, nil
	case config.DriverSQLite, config.DriverSQLiteCGO, "":
		path := cfg.Store.Path
		if path == "" {
			path = state.DefaultDBPath()
		}
		driver := cfg.Store.Driver
		if driver == "" {
			driver = state.DriverModernc
		}
		db, err := state.Open(path, state.WithDriver(driver))
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate database: %w", err)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// newRegistry returns the built-in executors: noop, shell and agent.
func newRegistry(cfg *config.Config, log *zap.SugaredLogger) *orchestrator.Registry {
	reg := orchestrator.NewRegistry()
	reg.Register(shell.Name, shell.New(exec.NewRunner(), log.Named("shell")))
	reg.Register(agent.Name, &lazyAgent{cfg: cfg, log: log.Named("agent")})
	return reg
}

// lazyAgent builds the Anthropic client on first use, so workflows without
// agent steps need no credentials.
type lazyAgent struct {
	cfg *config.Config
	log *zap.SugaredLogger

	once sync.Once
	exec *agent.Executor
	err  error
}

func (l *lazyAgent) Execute(ctx context.Context, step models.Step, execCtx *models.Context) (map[string]any, error) {
	l.once.Do(func() {
		if err := config.CheckAgentCredentials(l.cfg); err != nil {
			l.err = err
			return
		}
		client, err := api.NewClient(api.ClientConfig{
			Model:         anthropic.Model(l.cfg.Anthropic.Model),
			APIKey:        l.cfg.Anthropic.APIKey,
			UseAWSBedrock: l.cfg.Anthropic.UseBedrock,
			AWSRegion:     l.cfg.Anthropic.AWSRegion,
			AWSProfile:    l.cfg.Anthropic.AWSProfile,
		})
		if err != nil {
			l.err = fmt.Errorf("create anthropic client: %w", err)
			return
		}
		l.log.Infow("agent executor ready", "model", client.Model(), "bedrock", client.Bedrock())
		l.exec = agent.New(client, l.log)
	})
	if l.err != nil {
		return nil, l.err
	}
	return l.exec.Execute(ctx, step, execCtx)
}
