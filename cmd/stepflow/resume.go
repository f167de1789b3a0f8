package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/stepflow/internal/state"
	"github.com/ShayCichocki/stepflow/pkg/models"
)

var (
	resumeCheckpoint  string
	resumeInterrupted bool
	resumeAll         bool
	resumeAbandon     bool
	resumeStale       time.Duration
	resumeWorkers     int
	resumeTUI         bool
	resumeTimeout     time.Duration
)

var resumeCmd = &cobra.Command{
	Use:   "resume [execution-id]",
	Short: "Resume a paused or interrupted execution",
	Long: `Resume an execution from its latest checkpoint, or from a specific one.

Completed levels are not run again. Steps of the resumed level that already
completed keep their results; the rest are enqueued again.

Examples:
  stepflow resume 3f2a...                 # latest checkpoint
  stepflow resume --checkpoint 9c1b...    # specific checkpoint
  stepflow resume --interrupted           # list runs whose driver died
  stepflow resume --interrupted --all     # resume all of them
  stepflow resume --abandon 3f2a...       # fail an interrupted run instead`,
	Args: cobra.MaximumNArgs(1),
	RunE: runResume,
}

func init() {
	resumeCmd.Flags().StringVar(&resumeCheckpoint, "checkpoint", "", "Resume from this checkpoint ID")
	resumeCmd.Flags().BoolVar(&resumeInterrupted, "interrupted", false, "List executions whose driver stopped heartbeating")
	resumeCmd.Flags().BoolVar(&resumeAll, "all", false, "With --interrupted, resume every interrupted execution")
	resumeCmd.Flags().BoolVar(&resumeAbandon, "abandon", false, "Mark the execution failed instead of resuming it")
	resumeCmd.Flags().DurationVar(&resumeStale, "stale", time.Minute, "How long without a heartbeat counts as interrupted; live runs are never taken over")
	resumeCmd.Flags().IntVar(&resumeWorkers, "workers", 0, "Local workers (0 uses config, -1 disables the local pool)")
	resumeCmd.Flags().BoolVar(&resumeTUI, "tui", false, "Follow the execution in the dashboard")
	resumeCmd.Flags().DurationVar(&resumeTimeout, "timeout", 0, "Cancel the execution after this long")
}

func runResume(cmd *cobra.Command, args []string) error {
	switch {
	case resumeCheckpoint != "" && len(args) > 0:
		return errors.New("give either an execution ID or --checkpoint, not both")
	case resumeInterrupted && resumeAbandon:
		return errors.New("--abandon takes an execution ID, not --interrupted")
	case !resumeInterrupted && resumeCheckpoint == "" && len(args) == 0:
		return errors.New("an execution ID, --checkpoint or --interrupted is required")
	case resumeAll && !resumeInterrupted:
		return errors.New("--all requires --interrupted")
	}

	a, err := newApp(appOptions{quiet: resumeTUI, workers: resumeWorkers, staleAfter: resumeStale})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if resumeAbandon {
		if len(args) == 0 {
			return errors.New("--abandon requires an execution ID")
		}
		if err := a.engine.AbandonExecution(ctx, args[0], "abandoned by operator"); err != nil {
			return err
		}
		printStatus("✓", fmt.Sprintf("Execution %s marked failed", args[0]), color.FgGreen)
		return nil
	}

	var ids []string
	if resumeInterrupted {
		found, err := listInterrupted(ctx, a.store, resumeStale)
		if err != nil {
			return err
		}
		if !resumeAll || len(found) == 0 {
			return nil
		}
		for _, ie := range found {
			ids = append(ids, ie.ExecutionID)
		}
	}

	_, _, stopServe := a.serve(ctx, resumeWorkers >= 0)
	defer stopServe()

	if resumeCheckpoint != "" {
		exec, err := a.engine.ResumeExecution(ctx, resumeCheckpoint)
		if err != nil {
			return fmt.Errorf("resume from checkpoint: %w", err)
		}
		ids = []string{exec.ID}
	} else if len(args) > 0 {
		ids = []string{args[0]}
	}

	var resumed []string
	for _, id := range ids {
		if resumeCheckpoint != "" {
			resumed = append(resumed, id)
			continue
		}
		exec, err := a.engine.ResumeLatest(ctx, id)
		if err != nil {
			if len(ids) == 1 {
				return fmt.Errorf("resume %s: %w", id, err)
			}
			printStatus("✗", fmt.Sprintf("%s: %v", shortID(id), err), color.FgRed)
			continue
		}
		printStatus("▶", fmt.Sprintf("Resumed %s (%s) at level %d", exec.WorkflowName, exec.ID, exec.CurrentLevel), color.FgCyan)
		resumed = append(resumed, exec.ID)
	}

	if len(resumed) == 1 {
		return a.follow(ctx, resumed[0], followOptions{tui: resumeTUI, timeout: resumeTimeout})
	}

	var failed int
	for _, id := range resumed {
		final, err := a.engine.Wait(ctx, id)
		if err != nil {
			return err
		}
		printOutcome(final)
		if final.State == models.ExecutionFailed {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d resumed executions failed", failed, len(resumed))
	}
	return nil
}

func listInterrupted(ctx context.Context, store state.QueueStore, stale time.Duration) ([]state.InterruptedExecution, error) {
	found, err := state.NewRecoveryManager(store, stale).CheckForInterrupted(ctx)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		fmt.Println("No interrupted executions.")
		return nil, nil
	}

	fmt.Printf("%d interrupted executions:\n\n", len(found))
	for _, ie := range found {
		cp := ie.LatestCheckpointID
		if cp == "" {
			cp = "none"
		} else {
			cp = shortID(cp)
		}
		fmt.Printf("  %s  %-20s %s level=%d pending=%d processing=%d checkpoint=%s last activity %s\n",
			color.YellowString(shortID(ie.ExecutionID)), ie.WorkflowName, ie.State,
			ie.CurrentLevel, ie.PendingItems, ie.ProcessingItems, cp, ago(ie.LastActivity))
	}
	fmt.Println("\nResume with: stepflow resume <execution-id>")
	return found, nil
}
