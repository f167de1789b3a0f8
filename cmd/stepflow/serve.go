package main

import (
	"context"
	"errors"
	"sync"

	"github.com/ShayCichocki/stepflow/internal/config"
	"github.com/ShayCichocki/stepflow/internal/orchestrator"
	"github.com/ShayCichocki/stepflow/internal/signals"
)

// signalsDir returns the configured control-file directory.
func signalsDir(cfg *config.Config) string {
	if cfg.Signals.Dir != "" {
		return cfg.Signals.Dir
	}
	return config.DefaultSignalsDir()
}

// serve runs the local worker pool (when withPool is set) and the signals
// watcher until ctx is done. poolDone is closed when the pool returns, which
// a kill signal causes without cancelling ctx; it never closes without a pool.
// The returned stop function cancels both and waits for them.
func (a *app) serve(ctx context.Context, withPool bool) (pool *orchestrator.Pool, poolDone <-chan struct{}, stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup

	pool = a.engine.NewPool()
	done := make(chan struct{})
	if withPool {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer close(done)
			if err := pool.Run(ctx); err != nil {
				a.log.Errorw("worker pool failed", "error", err)
			}
		}()
	}

	watcher, err := signals.NewWatcher(signalsDir(a.cfg), a.log.Named("signals"))
	if err != nil {
		a.log.Warnw("signals disabled", "error", err)
	} else {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = watcher.Run(ctx)
		}()
		go func() {
			defer wg.Done()
			for sig := range watcher.Signals() {
				a.log.Infow("control signal", "kind", sig.Kind, "execution", sig.ExecutionID)
				err := signals.Dispatch(ctx, sig, pool, a.engine)
				switch {
				case err == nil:
				case errors.Is(err, orchestrator.ErrExecutionTerminal):
					a.log.Infow("signal ignored", "kind", sig.Kind, "execution", sig.ExecutionID, "reason", err)
				default:
					a.log.Warnw("signal failed", "kind", sig.Kind, "execution", sig.ExecutionID, "error", err)
				}
			}
		}()
	}

	return pool, done, func() {
		cancel()
		wg.Wait()
	}
}
