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

	"github.com/ShayCichocki/stepflow/internal/definition"
	"github.com/ShayCichocki/stepflow/internal/orchestrator"
	"github.com/ShayCichocki/stepflow/internal/tui"
	"github.com/ShayCichocki/stepflow/pkg/models"
)

var (
	runSets         []string
	runContextFile  string
	runPriority     int
	runWorkers      int
	runTUI          bool
	runTimeout      time.Duration
	runPrintContext bool
	runQuiet        bool
)

var runCmd = &cobra.Command{
	Use:   "run <workflow.yaml>",
	Short: "Start a workflow execution and follow it",
	Long: `Start an execution of a workflow definition and follow it until it completes,
fails or pauses.

By default the command also runs a local worker pool. Use --workers=-1 to only
drive the execution and leave the steps to "stepflow worker" processes.

Interrupting the command (Ctrl+C) leaves the execution resumable:

  stepflow resume <execution-id>`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringArrayVar(&runSets, "set", nil, "Seed a context variable (key=value, repeatable)")
	runCmd.Flags().StringVar(&runContextFile, "context", "", "YAML or JSON file with initial context variables")
	runCmd.Flags().IntVar(&runPriority, "priority", 0, "Priority added to every step")
	runCmd.Flags().IntVar(&runWorkers, "workers", 0, "Local workers (0 uses config, -1 disables the local pool)")
	runCmd.Flags().BoolVar(&runTUI, "tui", false, "Follow the execution in the dashboard")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "Cancel the execution after this long")
	runCmd.Flags().BoolVar(&runPrintContext, "print-context", false, "Print the final context as JSON")
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "Only print the outcome")
}

func runRun(cmd *cobra.Command, args []string) error {
	def, err := definition.LoadFile(args[0])
	if err != nil {
		return err
	}
	seed, err := buildContext(runContextFile, runSets)
	if err != nil {
		return err
	}

	a, err := newApp(appOptions{quiet: runTUI, workers: runWorkers})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_, _, stopServe := a.serve(ctx, runWorkers >= 0)
	defer stopServe()

	exec, err := a.engine.StartExecution(ctx, def, orchestrator.StartOptions{
		TriggeredBy: "cli",
		Priority:    runPriority,
		Context:     seed,
	})
	if err != nil {
		return fmt.Errorf("start execution: %w", err)
	}
	if !runTUI {
		printStatus("▶", fmt.Sprintf("Started %s (%s)", def.Name, exec.ID), color.FgCyan)
	}

	return a.follow(ctx, exec.ID, followOptions{
		tui:          runTUI,
		quiet:        runQuiet,
		timeout:      runTimeout,
		printContext: runPrintContext,
	})
}

type followOptions struct {
	tui          bool
	quiet        bool
	timeout      time.Duration
	printContext bool
}

// follow waits for an execution while printing its events or showing the
// dashboard. A failed execution is returned as an error.
func (a *app) follow(ctx context.Context, executionID string, opts followOptions) error {
	if opts.timeout > 0 {
		timer := time.AfterFunc(opts.timeout, func() {
			reason := fmt.Sprintf("timed out after %s", opts.timeout)
			if err := a.engine.CancelExecution(context.Background(), executionID, reason); err != nil &&
				!errors.Is(err, orchestrator.ErrExecutionTerminal) {
				a.log.Warnw("cancel on timeout", "execution", executionID, "error", err)
			}
		})
		defer timer.Stop()
	}

	var (
		final *models.Execution
		err   error
	)
	if opts.tui {
		final, err = a.followTUI(ctx, executionID)
	} else {
		final, err = a.followText(ctx, executionID, opts.quiet)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "\nInterrupted. Resume with: stepflow resume %s\n", executionID)
			return nil
		}
		return err
	}
	if final == nil {
		fmt.Printf("Dashboard closed before the run finished. Resume with: stepflow resume %s\n", executionID)
		return nil
	}

	printOutcome(final)
	if opts.printContext {
		if err := printContext(os.Stdout, final.Context); err != nil {
			return fmt.Errorf("print context: %w", err)
		}
	}
	if final.State == models.ExecutionFailed {
		return fmt.Errorf("execution %s failed: %s", final.ID, final.LastError)
	}
	return nil
}

func (a *app) followText(ctx context.Context, executionID string, quiet bool) (*models.Execution, error) {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	printed := make(chan struct{})
	go func() {
		defer close(printed)
		events := a.engine.Events()
		for {
			select {
			case <-waitCtx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if !quiet && ev.ExecutionID == executionID {
					printEvent(os.Stdout, ev)
				}
			}
		}
	}()

	final, err := a.engine.Wait(ctx, executionID)
	cancel()
	<-printed
	if n := a.engine.DroppedEventCount(); n > 0 && !quiet {
		fmt.Fprintf(os.Stderr, "%s %d events were dropped\n", color.YellowString("⚠"), n)
	}
	return final, err
}

// followTUI runs the dashboard until the user quits. It returns a nil
// execution when the dashboard is closed before the run finishes.
func (a *app) followTUI(ctx context.Context, executionID string) (*models.Execution, error) {
	program, _ := tui.NewProgram(tui.NewStoreSource(a.engine.Queue(), a.store), a.engine, a.cfg.TUI.RefreshRate)

	feedCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		events := a.engine.Events()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		var lastDropped uint64
		for {
			select {
			case <-feedCtx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				program.Send(tui.EventMsg{Event: ev})
			case <-ticker.C:
				if n := a.engine.DroppedEventCount(); n != lastDropped {
					lastDropped = n
					program.Send(tui.DroppedMsg{Count: n})
				}
			}
		}
	}()

	var (
		final   *models.Execution
		waitErr error
		waited  = make(chan struct{})
	)
	go func() {
		defer close(waited)
		final, waitErr = a.engine.Wait(feedCtx, executionID)
		if waitErr != nil {
			return
		}
		msg := tui.StatusMsg{Text: fmt.Sprintf("%s %s (q to quit)", shortID(final.ID), final.State)}
		if final.State == models.ExecutionFailed {
			msg.Text = fmt.Sprintf("%s failed: %s (q to quit)", shortID(final.ID), final.LastError)
			msg.Error = true
		}
		program.Send(msg)
	}()

	go func() {
		<-ctx.Done()
		program.Quit()
	}()

	if _, err := program.Run(); err != nil {
		return nil, fmt.Errorf("dashboard: %w", err)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	select {
	case <-waited:
		if waitErr != nil {
			return nil, waitErr
		}
		return final, nil
	default:
		return nil, nil
	}
}
