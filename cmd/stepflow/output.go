package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/ShayCichocki/stepflow/internal/orchestrator"
	"github.com/ShayCichocki/stepflow/pkg/models"
)

// printStatus prints a status line with color
func printStatus(symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Printf("%s %s\n", c.Sprint(symbol), message)
}

func stateColor(s models.ExecutionState) *color.Color {
	switch s {
	case models.ExecutionCompleted:
		return color.New(color.FgGreen)
	case models.ExecutionFailed:
		return color.New(color.FgRed)
	case models.ExecutionPaused:
		return color.New(color.FgYellow)
	case models.ExecutionExecuting:
		return color.New(color.FgCyan)
	default:
		return color.New(color.Faint)
	}
}

func itemColor(s models.ItemStatus) *color.Color {
	switch s {
	case models.ItemCompleted:
		return color.New(color.FgGreen)
	case models.ItemFailed:
		return color.New(color.FgRed)
	case models.ItemCancelled:
		return color.New(color.FgMagenta)
	case models.ItemProcessing:
		return color.New(color.FgCyan)
	case models.ItemPending:
		return color.New(color.FgYellow)
	default:
		return color.New(color.Faint)
	}
}

// printEvent writes one live event as a single line.
func printEvent(w io.Writer, ev orchestrator.Event) {
	ts := ev.Timestamp.Format("15:04:05")
	var b strings.Builder
	b.WriteString(string(ev.Type))
	if ev.StepKey != "" {
		fmt.Fprintf(&b, " %s", ev.StepKey)
	}
	if ev.WorkerID != "" {
		fmt.Fprintf(&b, " worker=%s", ev.WorkerID)
	}
	if ev.Attempts > 0 {
		fmt.Fprintf(&b, " attempt=%d", ev.Attempts)
	}
	if ev.Duration > 0 {
		fmt.Fprintf(&b, " took=%s", ev.Duration.Round(time.Millisecond))
	}
	if ev.Count > 0 {
		fmt.Fprintf(&b, " count=%d", ev.Count)
	}
	if ev.Message != "" {
		fmt.Fprintf(&b, " %s", ev.Message)
	}

	line := b.String()
	switch ev.Type {
	case models.EventStepFailed, models.EventFailed, models.EventWorkflowFailed:
		line = color.RedString(line)
		if ev.Error != "" {
			line += color.RedString(": %s", ev.Error)
		}
	case models.EventStepRetry, models.EventRetryScheduled, models.EventWorkflowPaused:
		line = color.YellowString(line)
		if ev.Error != "" {
			line += color.YellowString(": %s", ev.Error)
		}
	case models.EventStepCompleted, models.EventWorkflowCompleted, models.EventCheckpointWritten:
		line = color.GreenString(line)
	}
	fmt.Fprintf(w, "%s %s\n", color.New(color.Faint).Sprint(ts), line)
}

// printOutcome summarizes a finished, paused or failed execution.
func printOutcome(exec *models.Execution) {
	c := stateColor(exec.State)
	fmt.Printf("\n%s %s %s\n", c.Sprint(strings.ToUpper(string(exec.State))), exec.WorkflowName, exec.ID)
	if exec.Duration > 0 {
		fmt.Printf("  Duration:    %s\n", exec.Duration.Round(time.Millisecond))
	}
	fmt.Printf("  Checkpoints: %d\n", exec.CheckpointCount)
	if exec.ResumeCount > 0 {
		fmt.Printf("  Resumes:     %d\n", exec.ResumeCount)
	}
	if exec.LastError != "" {
		fmt.Printf("  Error:       %s\n", color.RedString(exec.LastError))
	}
	if exec.State == models.ExecutionPaused {
		fmt.Printf("\nResume with: stepflow resume %s\n", exec.ID)
	}
}

// printContext writes the execution context in insertion order.
func printContext(w io.Writer, c *models.Context) error {
	if c == nil || c.Len() == 0 {
		fmt.Fprintln(w, "{}")
		return nil
	}
	data, err := c.MarshalJSON()
	if err != nil {
		return err
	}
	fmt.Fprintln(w, string(data))
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func ago(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
