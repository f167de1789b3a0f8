package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/stepflow/internal/signals"
)

var pauseViaSignal bool

var pauseCmd = &cobra.Command{
	Use:   "pause <execution-id>",
	Short: "Pause an execution at its next level boundary",
	Long: `Ask an execution to pause. Steps already running finish, the current level
is committed with a checkpoint, and the execution waits for "stepflow resume".

The request is stored durably, so it reaches the driver even when it runs in
another process. --signal drops a signal file instead, for drivers that
share the signals directory but not the store.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		if pauseViaSignal {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := signals.RequestPause(signalsDir(cfg), id); err != nil {
				return err
			}
			printStatus("✓", fmt.Sprintf("Pause signal written for %s", id), color.FgGreen)
			return nil
		}

		a, err := newApp(appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.engine.PauseExecution(cmd.Context(), id); err != nil {
			return err
		}
		printStatus("✓", fmt.Sprintf("Pause requested for %s", id), color.FgGreen)
		return nil
	},
}

func init() {
	pauseCmd.Flags().BoolVar(&pauseViaSignal, "signal", false, "Write a signal file instead of updating the store")
}
