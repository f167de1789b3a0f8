package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/stepflow/internal/tui"
)

var (
	topWorkers  int
	topReadOnly bool
)

var topCmd = &cobra.Command{
	Use:   "top",
	Short: "Live dashboard of the queue, executions and events",
	Long: `Open a full-screen dashboard over the store.

Keys: tab switches panels, p pauses the selected execution, r resumes it,
x cancels it, / filters events, a toggles follow, q quits.

With --workers the dashboard also runs a local worker pool.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(appOptions{quiet: true, workers: topWorkers})
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		_, _, stopServe := a.serve(ctx, topWorkers > 0)
		defer stopServe()

		var control tui.Controller
		if !topReadOnly {
			control = a.engine
		}
		program, _ := tui.NewProgram(tui.NewStoreSource(a.engine.Queue(), a.store), control, a.cfg.TUI.RefreshRate)
		go func() {
			<-ctx.Done()
			program.Quit()
		}()
		if _, err := program.Run(); err != nil {
			return fmt.Errorf("dashboard: %w", err)
		}
		return nil
	},
}

func init() {
	topCmd.Flags().IntVarP(&topWorkers, "workers", "w", 0, "Run this many local workers alongside the dashboard")
	topCmd.Flags().BoolVar(&topReadOnly, "read-only", false, "Disable pause, resume and cancel keys")
}
