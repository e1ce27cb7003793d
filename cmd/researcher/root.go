package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "researcher",
	Short: "Autonomous research job engine",
	Long: `Researcher turns a research request into a graph of retrieval, synthesis
and report tasks, runs them wave by wave behind a quality gate, and streams
progress as it goes.

Run 'researcher serve' to expose the HTTP API, or 'researcher run' to execute
a single job in the foreground.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: user config plus .researcher.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(resultCmd)
	rootCmd.AddCommand(shareCmd)
	rootCmd.AddCommand(revokeCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
