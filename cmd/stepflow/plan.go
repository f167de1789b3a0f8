package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/stepflow/internal/definition"
	"github.com/ShayCichocki/stepflow/internal/logger"
	"github.com/ShayCichocki/stepflow/internal/orchestrator"
	"github.com/ShayCichocki/stepflow/internal/state"
)

var planCmd = &cobra.Command{
	Use:   "plan <workflow.yaml>",
	Short: "Validate a workflow and show its dependency levels",
	Long: `Validate a workflow definition and print the levels it would run in.

Steps in the same level have no dependencies on each other and run
concurrently. Nothing is written to the store.`,
	Args: cobra.ExactArgs(1),
	RunE: runPlan,
}

func runPlan(cmd *cobra.Command, args []string) error {
	def, err := definition.LoadFile(args[0])
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	mem, err := state.NewMemStore()
	if err != nil {
		return err
	}
	defer mem.Close()
	engine := orchestrator.New(mem, orchestrator.WithRegistry(newRegistry(cfg, logger.Nop())))
	defer engine.Close()

	levels, err := engine.Plan(def)
	if err != nil {
		return err
	}

	title := def.Name
	if def.Version != "" {
		title += " " + def.Version
	}
	fmt.Printf("%s: %d steps in %d levels\n\n", color.New(color.Bold).Sprint(title), len(def.Steps), len(levels))
	for i, level := range levels {
		fmt.Printf("  %s ", color.CyanString("L%d", i))
		parts := make([]string, 0, len(level))
		for _, key := range level {
			step := def.Step(key)
			label := key
			if step != nil {
				action := step.Action
				if step.Executor != "" {
					action = step.Executor
				}
				label = fmt.Sprintf("%s %s", key, color.New(color.Faint).Sprintf("(%s)", action))
			}
			parts = append(parts, label)
		}
		fmt.Println(strings.Join(parts, ", "))
	}
	return nil
}
