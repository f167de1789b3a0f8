package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ShayCichocki/stepflow/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config [key] [value]",
	Short: "Manage configuration",
	Long: `View or modify stepflow configuration.

Without arguments, displays the effective configuration.
With one argument (key), displays the value for that key.
With two arguments (key value), sets the value in the user config file.

Configuration is stored at ~/.config/stepflow/config.yaml
Project-specific overrides can be placed in .stepflow.yaml`,
	Args: cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 2 {
			return setConfigKey(config.GetUserConfigPath(), args[0], args[1])
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		settings := cfg.Settings()
		if len(args) == 1 {
			value, ok := settings[args[0]]
			if !ok {
				return fmt.Errorf("unknown config key: %s", args[0])
			}
			fmt.Println(value)
			return nil
		}
		for _, key := range sortedKeys(settings) {
			fmt.Printf("%s: %v\n", key, settings[key])
		}
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config files in use",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("user:    %s\n", config.GetUserConfigPath())
		if p := config.GetProjectConfigPath(); p != "" {
			fmt.Printf("project: %s\n", p)
		}
		fmt.Printf("signals: %s\n", config.DefaultSignalsDir())
	},
}

func init() {
	configCmd.AddCommand(configPathCmd)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// setConfigKey writes key to the config file at path and validates the
// result. An invalid value leaves the file unchanged.
func setConfigKey(path, key, value string) error {
	if _, ok := config.Default().Settings()[key]; !ok {
		return fmt.Errorf("unknown config key: %s", key)
	}

	previous, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		previous = nil
	case err != nil:
		return fmt.Errorf("read config: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if previous != nil {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config: %w", err)
		}
	}
	v.Set(key, decodeValue(value))

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	if _, err := config.LoadFromPath(path); err != nil {
		if previous != nil {
			_ = os.WriteFile(path, previous, 0600)
		} else {
			_ = os.Remove(path)
		}
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	fmt.Printf("Set %s = %s\n", key, value)
	return nil
}
