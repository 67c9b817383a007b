// Package cmd implements the CLI surface: a cobra root command plus
// "run" (single in-memory pipeline demo) and "serve" (multi-worker
// request-dispatcher demo) subcommands.
package cmd

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/pipeflow/pipeflow/internal/config"
)

var (
	logLevel string
	env      config.Env
)

var rootCmd = &cobra.Command{
	Use:   "pipeflow",
	Short: "Pipeline-parallel transformer execution engine",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)
		env = config.LoadEnv()
		if env.Trace {
			logrus.SetLevel(logrus.TraceLevel)
		}
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log", "info", "Log level (debug, info, warn, error)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
}
