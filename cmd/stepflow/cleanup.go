package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	cleanupItemDays       int
	cleanupCheckpointDays int
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Purge old finished queue items and checkpoints",
	Long: `Delete completed, failed and cancelled queue items older than the retention
period, and the checkpoints of executions that finished before it.

Checkpoints of live or paused executions are never deleted. Resuming an
execution whose items were purged reports a checkpoint consistency error.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()
		ctx := cmd.Context()

		itemDays := a.cfg.Queue.RetentionDays
		if cmd.Flags().Changed("items") {
			itemDays = cleanupItemDays
		}
		cpDays := a.cfg.Checkpoint.RetentionDays
		if cmd.Flags().Changed("checkpoints") {
			cpDays = cleanupCheckpointDays
		}

		items, err := a.engine.Queue().Cleanup(ctx, itemDays)
		if err != nil {
			return fmt.Errorf("clean up items: %w", err)
		}
		printStatus("✓", fmt.Sprintf("Deleted %d queue items older than %d days", items, itemDays), color.FgGreen)

		cutoff := time.Now().AddDate(0, 0, -cpDays)
		cps, err := a.store.PruneCheckpoints(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("prune checkpoints: %w", err)
		}
		printStatus("✓", fmt.Sprintf("Deleted %d checkpoints of runs finished more than %d days ago", cps, cpDays), color.FgGreen)
		return nil
	},
}

func init() {
	cleanupCmd.Flags().IntVar(&cleanupItemDays, "items", 0, "Queue item retention in days (default from config)")
	cleanupCmd.Flags().IntVar(&cleanupCheckpointDays, "checkpoints", 0, "Checkpoint retention in days (default from config)")
}
