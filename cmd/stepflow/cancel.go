package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/stepflow/internal/signals"
)

var (
	cancelReason    string
	cancelViaSignal bool
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <execution-id>",
	Short: "Cancel an execution",
	Long: `Cancel an executing or paused execution. Its pending items are cancelled and
the execution fails with the given reason. Steps already running are not
interrupted, but their results are discarded.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		if cancelViaSignal {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := signals.RequestCancel(signalsDir(cfg), id, cancelReason); err != nil {
				return err
			}
			printStatus("✓", fmt.Sprintf("Cancel signal written for %s", id), color.FgGreen)
			return nil
		}

		a, err := newApp(appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.engine.CancelExecution(cmd.Context(), id, cancelReason); err != nil {
			return err
		}
		printStatus("✓", fmt.Sprintf("Cancel requested for %s", id), color.FgGreen)
		return nil
	},
}

func init() {
	cancelCmd.Flags().StringVar(&cancelReason, "reason", "cancelled by operator", "Reason recorded on the execution")
	cancelCmd.Flags().BoolVar(&cancelViaSignal, "signal", false, "Write a signal file instead of updating the store")
}
