package orchestrator

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrStopped is returned once the pool has been stopped.
var ErrStopped = errors.New("worker pool stopped")

// claimGate decides whether workers may claim another item. Pausing closes
// the gate; a worker already running an item keeps it. Stopping is final.
type claimGate struct {
	mu sync.Mutex
	// resumed is non-nil while paused and is closed on resume.
	resumed chan struct{}
	halt    chan struct{}
	halted  bool
	logger  *zap.SugaredLogger
}

func newClaimGate(logger *zap.SugaredLogger) *claimGate {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &claimGate{halt: make(chan struct{}), logger: logger}
}

func (g *claimGate) pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.resumed == nil {
		g.resumed = make(chan struct{})
		g.logger.Infow("worker pool paused")
	}
}

func (g *claimGate) resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.resumed != nil {
		close(g.resumed)
		g.resumed = nil
		g.logger.Infow("worker pool resumed")
	}
}

func (g *claimGate) stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.halted {
		g.halted = true
		close(g.halt)
	}
}

func (g *claimGate) paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.resumed != nil
}

func (g *claimGate) stopped() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.halted
}

// wait returns nil as soon as claims are allowed, ErrStopped after stop, or
// ctx.Err() if ctx ends while the gate is closed.
func (g *claimGate) wait(ctx context.Context) error {
	for {
		g.mu.Lock()
		halted, resumed := g.halted, g.resumed
		g.mu.Unlock()

		switch {
		case halted:
			return ErrStopped
		case resumed == nil:
			return nil
		}

		select {
		case <-resumed:
		case <-g.halt:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
