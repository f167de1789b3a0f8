package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/stepflow/internal/signals"
)

var workerCount int

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Serve queued steps until interrupted",
	Long: `Run a worker pool that claims and executes queued steps from the store.

Any number of worker processes can serve the same store. The pool also reaps
items whose worker died, returning them to the queue.

Running workers are controlled through signal files:

  stepflow worker pause    # stop claiming new steps
  stepflow worker resume
  stepflow worker stop     # finish running steps and exit`,
	Args: cobra.NoArgs,
	RunE: runWorker,
}

var workerPauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause running workers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendWorkerSignal(signals.SendPause, "Pause signal sent")
	},
}

var workerResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume paused workers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendWorkerSignal(signals.SendResume, "Resume signal sent")
	},
}

var workerStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop running workers after their current steps",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendWorkerSignal(signals.SendKill, "Stop signal sent")
	},
}

func init() {
	workerCmd.Flags().IntVarP(&workerCount, "workers", "w", 0, "Number of workers (0 uses config)")
	workerCmd.AddCommand(workerPauseCmd)
	workerCmd.AddCommand(workerResumeCmd)
	workerCmd.AddCommand(workerStopCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	a, err := newApp(appOptions{workers: workerCount})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := signals.ClearKill(signalsDir(a.cfg)); err != nil {
		a.log.Warnw("clear stale kill signal", "error", err)
	}

	workers := a.cfg.Workers.Count
	if workerCount > 0 {
		workers = workerCount
	}
	printStatus("▶", fmt.Sprintf("Serving steps with %d workers (signals in %s)", workers, signalsDir(a.cfg)), color.FgCyan)

	pool, poolDone, stopServe := a.serve(ctx, true)
	select {
	case <-ctx.Done():
	case <-poolDone:
	}
	stopServe()

	printStatus("■", fmt.Sprintf("Workers stopped after %d steps", pool.Processed()), color.FgYellow)
	return nil
}

func sendWorkerSignal(send func(dir string) error, done string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := send(signalsDir(cfg)); err != nil {
		return err
	}
	printStatus("✓", done, color.FgGreen)
	return nil
}
