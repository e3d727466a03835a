// Package main provides the CLI entry point for the Axon agent runtime.
//
// Axon runs an actor-critic agent loop against any OpenAI-compatible model
// endpoint, with workspace tools, background tasks, and recurring schedules.
//
// # Basic Usage
//
// Answer a single prompt:
//
//	axon run "summarize the files in this directory"
//
// Start the long-running runtime with schedules and metrics:
//
//	axon serve --config axon.yaml
//
// Manage recurring schedules:
//
//	axon schedules list
//	axon schedules create --name standup --query "post the standup summary" --cron "0 9 * * 1-5"
//
// # Environment Variables
//
//   - AXON_CONFIG: Path to configuration file (default: axon.yaml)
//   - AXON_API_KEY: Bearer token for the model endpoint, referenced from the
//     config file as ${AXON_API_KEY}
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "axon",
		Short:        "Axon - AI agent runtime",
		Long:         "Axon runs an agent loop against OpenAI-compatible model endpoints\nwith workspace tools, background tasks, and recurring schedules.",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildRunCmd(),
		buildServeCmd(),
		buildTasksCmd(),
		buildSchedulesCmd(),
		buildCheckpointsCmd(),
		buildConfigCmd(),
		buildVersionCmd(),
	)

	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("axon %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

// resolveConfigPath applies the AXON_CONFIG fallback and the default name.
// An empty result means run on built-in defaults.
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("AXON_CONFIG"); env != "" {
		return env
	}
	if _, err := os.Stat("axon.yaml"); err == nil {
		return "axon.yaml"
	}
	return ""
}
