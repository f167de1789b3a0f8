package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/stepflow/pkg/models"
)

var (
	queueListStatus    string
	queueListLimit     int
	queueListExecution string
	queueStuckTimeout  time.Duration
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and maintain the work queue",
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show item counts, throughput and average processing time",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		stats, err := a.engine.Queue().GetStats(cmd.Context())
		if err != nil {
			return err
		}
		for _, s := range []models.ItemStatus{
			models.ItemPending, models.ItemProcessing, models.ItemCompleted,
			models.ItemFailed, models.ItemCancelled,
		} {
			fmt.Printf("  %s %d\n", itemColor(s).Sprintf("%-11s", s), stats.Counts[s])
		}
		fmt.Printf("  %-11s %d\n\n", "total", stats.Total)
		fmt.Printf("Throughput:      %d per %s\n", stats.Throughput, stats.ThroughputWindow)
		// The average only covers items finished by this process.
		if stats.AvgProcessingTime > 0 {
			fmt.Printf("Avg processing:  %s\n", stats.AvgProcessingTime.Round(time.Millisecond))
		}
		return nil
	},
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queue items by status or execution",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		var items []models.QueueItem
		if queueListExecution != "" {
			items, err = a.engine.Queue().GetItemsByExecution(cmd.Context(), queueListExecution)
		} else {
			status := models.ItemStatus(queueListStatus)
			if !status.Valid() {
				return fmt.Errorf("unknown status %q", queueListStatus)
			}
			items, err = a.engine.Queue().GetItemsByStatus(cmd.Context(), status, queueListLimit)
		}
		if err != nil {
			return err
		}
		if len(items) == 0 {
			fmt.Println("No items.")
			return nil
		}

		fmt.Printf("%-10s %-10s %-20s %-11s %-4s %-8s %s\n", "ID", "EXECUTION", "STEP", "STATUS", "PRI", "ATTEMPTS", "AGE")
		for _, it := range items {
			line := fmt.Sprintf("%-10s %-10s %-20s %s %-4d %-8s %s",
				shortID(it.ID), shortID(it.ExecutionID), it.StepKey,
				itemColor(it.Status).Sprintf("%-11s", it.Status),
				it.Priority, fmt.Sprintf("%d/%d", it.Attempts, it.MaxAttempts), ago(it.CreatedAt))
			if it.LastError != "" {
				line += " " + color.RedString(it.LastError)
			}
			fmt.Println(line)
		}
		return nil
	},
}

var queueResetStuckCmd = &cobra.Command{
	Use:   "reset-stuck",
	Short: "Return items stuck in processing to the queue",
	Long: `Items that have been processing for longer than --timeout are returned to
pending. Items that already used their last attempt are marked failed.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		timeout := queueStuckTimeout
		if timeout <= 0 {
			timeout = a.cfg.Queue.StuckTimeout
		}
		n, err := a.engine.Queue().ResetStuckItems(cmd.Context(), timeout)
		if err != nil {
			return err
		}
		printStatus("✓", fmt.Sprintf("Reset %d stuck items (older than %s)", n, timeout), color.FgGreen)
		return nil
	},
}

func init() {
	queueListCmd.Flags().StringVarP(&queueListStatus, "status", "s", string(models.ItemPending), "Item status to list")
	queueListCmd.Flags().IntVarP(&queueListLimit, "limit", "n", 50, "Maximum items to list (0 for all)")
	queueListCmd.Flags().StringVarP(&queueListExecution, "execution", "e", "", "List every item of this execution instead")
	queueResetStuckCmd.Flags().DurationVar(&queueStuckTimeout, "timeout", 0, "Processing time after which an item is stuck (default from config)")

	queueCmd.AddCommand(queueStatsCmd)
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueResetStuckCmd)
}
