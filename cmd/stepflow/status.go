package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/k0kubun/pp/v3"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/stepflow/internal/orchestrator"
	"github.com/ShayCichocki/stepflow/pkg/models"
)

var (
	statusAll     bool
	statusRaw     bool
	statusEvents  bool
	statusContext bool
)

var statusCmd = &cobra.Command{
	Use:   "status [execution-id]",
	Short: "Show executions or the steps of one execution",
	Long: `Without an argument, list live executions (parsing, validating, executing or
paused). With --all, include finished ones.

With an execution ID, show its state and the queue status of every step,
grouped by dependency level.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVarP(&statusAll, "all", "a", false, "Include completed and failed executions")
	statusCmd.Flags().BoolVar(&statusRaw, "raw", false, "Dump the full status structure")
	statusCmd.Flags().BoolVar(&statusEvents, "events", false, "Show the audit trail")
	statusCmd.Flags().BoolVar(&statusContext, "context", false, "Print the execution context as JSON")
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := newApp(appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := cmd.Context()

	if len(args) == 0 {
		states := []models.ExecutionState{
			models.ExecutionParsing, models.ExecutionValidating,
			models.ExecutionExecuting, models.ExecutionPaused,
		}
		if statusAll {
			states = nil
		}
		execs, err := a.store.ListExecutions(ctx, states...)
		if err != nil {
			return err
		}
		printExecutions(execs)
		return nil
	}

	st, err := a.engine.ExecutionStatus(ctx, args[0])
	if err != nil {
		return err
	}
	if statusRaw {
		pp.Println(st)
		return nil
	}
	printExecutionStatus(st)

	if statusContext {
		fmt.Println()
		if err := printContext(cmd.OutOrStdout(), st.Execution.Context); err != nil {
			return err
		}
	}
	if statusEvents {
		events, err := a.store.ListEvents(ctx, st.Execution.ID)
		if err != nil {
			return err
		}
		fmt.Printf("\n%s\n", color.New(color.Bold).Sprint("Events"))
		for i := range events {
			printEvent(cmd.OutOrStdout(), orchestrator.FromAuditEvent(&events[i]))
		}
	}
	return nil
}

func printExecutions(execs []models.Execution) {
	if len(execs) == 0 {
		fmt.Println("No executions.")
		return
	}
	fmt.Printf("%-10s %-20s %-11s %-6s %-12s %s\n", "ID", "WORKFLOW", "STATE", "LEVEL", "UPDATED", "NOTE")
	for _, e := range execs {
		var notes []string
		if e.PauseRequested {
			notes = append(notes, "pause requested")
		}
		if e.CancelRequested {
			notes = append(notes, "cancel requested")
		}
		if e.ResumeCount > 0 {
			notes = append(notes, fmt.Sprintf("resumed %dx", e.ResumeCount))
		}
		if e.LastError != "" {
			notes = append(notes, e.LastError)
		}
		fmt.Printf("%-10s %-20s %s %-6d %-12s %s\n",
			shortID(e.ID), e.WorkflowName,
			stateColor(e.State).Sprintf("%-11s", e.State),
			e.CurrentLevel, ago(e.UpdatedAt), strings.Join(notes, "; "))
	}
}

func printExecutionStatus(st *orchestrator.ExecutionStatus) {
	e := st.Execution
	fmt.Printf("%s %s\n", color.New(color.Bold).Sprint(e.WorkflowName), e.ID)
	fmt.Printf("  State:       %s\n", stateColor(e.State).Sprint(e.State))
	fmt.Printf("  Level:       %d of %d\n", min(e.CurrentLevel+1, len(st.Levels)), len(st.Levels))
	fmt.Printf("  Created:     %s\n", e.CreatedAt.Format(time.RFC3339))
	if e.Duration > 0 {
		fmt.Printf("  Duration:    %s\n", e.Duration.Round(time.Millisecond))
	}
	fmt.Printf("  Checkpoints: %d", e.CheckpointCount)
	if st.LatestCheckpointID != "" {
		fmt.Printf(" (latest %s)", st.LatestCheckpointID)
	}
	fmt.Println()
	if e.ResumeCount > 0 {
		fmt.Printf("  Resumes:     %d\n", e.ResumeCount)
	}
	if e.LastError != "" {
		fmt.Printf("  Error:       %s\n", color.RedString(e.LastError))
	}

	fmt.Println()
	current := -1
	for _, s := range st.Steps {
		if s.Level != current {
			current = s.Level
			fmt.Printf("%s\n", color.CyanString("Level %d", current))
		}
		status := string(s.Status)
		if status == "" {
			status = "-"
		}
		line := fmt.Sprintf("  %-24s %s", s.Key, itemColor(s.Status).Sprintf("%-10s", status))
		if s.MaxAttempts > 0 {
			line += fmt.Sprintf(" attempts %d/%d", s.Attempts, s.MaxAttempts)
		}
		if s.RetryPending {
			line += color.YellowString(" retry pending")
		}
		if s.WorkerID != "" && s.Status == models.ItemProcessing {
			line += fmt.Sprintf(" on %s", s.WorkerID)
		}
		if s.LastError != "" {
			line += color.RedString(" %s", s.LastError)
		}
		fmt.Println(line)
	}
}
