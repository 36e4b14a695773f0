package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tunequeue/tunequeue/pkg/log"
	"github.com/tunequeue/tunequeue/pkg/settings"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "tunequeue",
	Short: "Tunequeue - distributed parameter-tuning orchestrator",
	Long: `Tunequeue coordinates a fleet of remote workers that execute
computational jobs on behalf of long-lived parameter-tuning tasks.

The manager accepts task definitions over HTTP, composes their modules,
and schedules jobs across registered workers; each worker host runs a
single control daemon driven by this same binary's worker commands.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Tunequeue version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("settings", "", "Path to the json settings file (defaults apply when absent)")

	rootCmd.AddCommand(managerCmd)
	rootCmd.AddCommand(workerCmd)
}

// loadSettings reads the --settings file when one was given, watching
// it for changes; otherwise it returns the documented defaults with no
// backing loader.
func loadSettings(cmd *cobra.Command) (settings.Settings, *settings.Loader, error) {
	path, _ := cmd.Flags().GetString("settings")
	return loadSettingsPath(path)
}

func loadSettingsPath(path string) (settings.Settings, *settings.Loader, error) {
	if path == "" {
		return settings.Defaults(), nil, nil
	}
	loader, err := settings.NewLoader(path)
	if err != nil {
		return settings.Settings{}, nil, err
	}
	if err := loader.Watch(); err != nil {
		return settings.Settings{}, nil, err
	}
	return loader.Current(), loader, nil
}

func initLogging(s settings.Settings) error {
	var output *os.File
	if s.LoggerPath != "" {
		f, err := os.OpenFile(s.LoggerPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		output = f
	} else if s.LogStdOut {
		output = os.Stdout
	} else {
		devnull, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
		if err != nil {
			return err
		}
		output = devnull
	}

	log.Init(log.Config{
		Level:      log.Level(s.LogLevel),
		JSONOutput: s.LoggerPath != "",
		Output:     output,
	})
	return nil
}
