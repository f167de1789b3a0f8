package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/stepflow/internal/config"
)

var (
	configPath  string
	storeDriver string
	storePath   string
	debugLog    bool
	logFormat   string
)

var rootCmd = &cobra.Command{
	Use:   "stepflow",
	Short: "Durable workflow orchestration engine",
	Long: `stepflow runs workflows of dependent steps on top of a durable queue.

Steps are grouped into dependency levels. Each level is enqueued, executed by
workers, and committed together with a checkpoint, so an interrupted run can
be resumed from where it stopped.

Workers in other processes can serve the same store:

  stepflow worker              # serve steps until interrupted
  stepflow run build.yaml      # drive a workflow (with local workers)
  stepflow top                 # watch queue and executions`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "Config file (default: XDG config plus .stepflow.yaml)")
	pf.StringVar(&storeDriver, "driver", "", "Store driver: sqlite, sqlite3 or memory")
	pf.StringVar(&storePath, "db", "", "SQLite database path")
	pf.BoolVar(&debugLog, "debug", false, "Enable debug logging")
	pf.StringVar(&logFormat, "log-format", "", "Log format: human or json")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(topCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig loads configuration and applies the global flag overrides.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFromPath(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if storeDriver != "" {
		cfg.Store.Driver = storeDriver
	}
	if storePath != "" {
		cfg.Store.Path = storePath
	}
	if debugLog {
		cfg.Logging.Debug = true
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
