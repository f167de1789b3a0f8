// Package signals turns control files in a directory into pool and
// execution commands, so operators and scripts can steer a running worker
// without an API.
//
// Files understood:
//
//	pause             pause the local worker pool; removing it resumes
//	kill              stop the local worker pool
//	<execution>.pause request a pause of the execution
//	<execution>.cancel cancel the execution; the file body is the reason
//
// Execution files are consumed once handled.
package signals

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Kind identifies a control signal.
type Kind string

const (
	PoolPause       Kind = "pool_pause"
	PoolResume      Kind = "pool_resume"
	PoolStop        Kind = "pool_stop"
	ExecutionPause  Kind = "execution_pause"
	ExecutionCancel Kind = "execution_cancel"
)

const (
	pauseFile    = "pause"
	killFile     = "kill"
	pauseSuffix  = ".pause"
	cancelSuffix = ".cancel"
)

// Signal is one decoded control file event.
type Signal struct {
	Kind        Kind
	ExecutionID string
	Reason      string
	// path is removed once an execution signal is dispatched.
	path string
}

// PoolControl is the part of the worker pool signals can steer.
type PoolControl interface {
	Pause()
	Resume()
	Stop()
}

// ExecutionControl is the part of the engine signals can steer.
type ExecutionControl interface {
	PauseExecution(ctx context.Context, executionID string) error
	CancelExecution(ctx context.Context, executionID, reason string) error
}

// Watcher watches a signals directory.
type Watcher struct {
	dir          string
	pollInterval time.Duration
	logger       *zap.SugaredLogger
	signals      chan Signal
	ready        chan struct{}
}

// NewWatcher creates the directory if needed and returns a watcher for it.
func NewWatcher(dir string, logger *zap.SugaredLogger) (*Watcher, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create signals dir: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Watcher{
		dir:          dir,
		pollInterval: 2 * time.Second,
		logger:       logger,
		signals:      make(chan Signal, 16),
		ready:        make(chan struct{}),
	}, nil
}

// Dir returns the watched directory.
func (w *Watcher) Dir() string { return w.dir }

// Signals returns the decoded signal stream. It is closed when Run returns.
func (w *Watcher) Signals() <-chan Signal { return w.signals }

// Run watches until ctx is done. Files present at start are reported first.
// If fsnotify is unavailable it falls back to polling the directory.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.signals)

	seen := make(map[string]bool)
	w.scan(ctx, seen)

	fw, err := fsnotify.NewWatcher()
	if err == nil {
		if err = fw.Add(w.dir); err != nil {
			fw.Close()
		}
	}
	if err != nil {
		w.logger.Warnw("file watcher unavailable, polling signals dir", "dir", w.dir, "error", err)
		close(w.ready)
		return w.poll(ctx, seen)
	}
	defer fw.Close()
	close(w.ready)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warnw("signals watcher error", "error", err)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) {
	name := filepath.Base(ev.Name)
	switch {
	case ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write):
		if sig, ok := w.decode(name); ok {
			w.send(ctx, sig)
		}
	case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
		if name == pauseFile {
			w.send(ctx, Signal{Kind: PoolResume})
		}
	}
}

// poll rescans the directory. A vanished pause file resumes the pool.
func (w *Watcher) poll(ctx context.Context, seen map[string]bool) error {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			hadPause := seen[pauseFile]
			w.scan(ctx, seen)
			if hadPause && !seen[pauseFile] {
				w.send(ctx, Signal{Kind: PoolResume})
			}
		}
	}
}

// scan reports files not reported before and forgets removed ones.
func (w *Watcher) scan(ctx context.Context, seen map[string]bool) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Warnw("read signals dir failed", "dir", w.dir, "error", err)
		return
	}
	present := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		present[name] = true
		if seen[name] {
			continue
		}
		seen[name] = true
		if sig, ok := w.decode(name); ok {
			w.send(ctx, sig)
		}
	}
	for name := range seen {
		if !present[name] {
			delete(seen, name)
		}
	}
}

func (w *Watcher) decode(name string) (Signal, bool) {
	path := filepath.Join(w.dir, name)
	switch {
	case name == pauseFile:
		return Signal{Kind: PoolPause}, true
	case name == killFile:
		return Signal{Kind: PoolStop}, true
	case strings.HasSuffix(name, pauseSuffix):
		id := strings.TrimSuffix(name, pauseSuffix)
		return Signal{Kind: ExecutionPause, ExecutionID: id, path: path}, id != ""
	case strings.HasSuffix(name, cancelSuffix):
		id := strings.TrimSuffix(name, cancelSuffix)
		reason := "cancelled by signal file"
		if body, err := os.ReadFile(path); err == nil && strings.TrimSpace(string(body)) != "" {
			reason = strings.TrimSpace(string(body))
		}
		return Signal{Kind: ExecutionCancel, ExecutionID: id, Reason: reason, path: path}, id != ""
	}
	return Signal{}, false
}

func (w *Watcher) send(ctx context.Context, sig Signal) {
	select {
	case w.signals <- sig:
	case <-ctx.Done():
	}
}

// Dispatch applies sig to the pool or the engine. Execution signal files
// are removed once handled, whether or not the command succeeded.
func Dispatch(ctx context.Context, sig Signal, pool PoolControl, execs ExecutionControl) error {
	switch sig.Kind {
	case PoolPause:
		pool.Pause()
	case PoolResume:
		pool.Resume()
	case PoolStop:
		pool.Stop()
	case ExecutionPause, ExecutionCancel:
		if sig.path != "" {
			defer os.Remove(sig.path)
		}
		if sig.Kind == ExecutionPause {
			return execs.PauseExecution(ctx, sig.ExecutionID)
		}
		return execs.CancelExecution(ctx, sig.ExecutionID, sig.Reason)
	default:
		return fmt.Errorf("unknown signal %q", sig.Kind)
	}
	return nil
}

// SendPause pauses workers watching dir.
func SendPause(dir string) error {
	return writeSignal(dir, pauseFile, time.Now().Format(time.RFC3339))
}

// SendResume resumes workers watching dir.
func SendResume(dir string) error {
	err := os.Remove(filepath.Join(dir, pauseFile))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// SendKill stops workers watching dir.
func SendKill(dir string) error {
	return writeSignal(dir, killFile, time.Now().Format(time.RFC3339))
}

// RequestPause asks whichever worker watches dir to pause the execution.
func RequestPause(dir, executionID string) error {
	return writeSignal(dir, executionID+pauseSuffix, "")
}

// RequestCancel asks whichever worker watches dir to cancel the execution.
func RequestCancel(dir, executionID, reason string) error {
	return writeSignal(dir, executionID+cancelSuffix, reason)
}

// ClearKill removes a kill file left behind by a previous stop, so a new
// pool does not stop as soon as it starts.
func ClearKill(dir string) error {
	err := os.Remove(filepath.Join(dir, killFile))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func writeSignal(dir, name, body string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create signals dir: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, name), []byte(body), 0644)
}
