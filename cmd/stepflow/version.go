package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/stepflow/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("stepflow version %s\n", version.String())
	},
}
