// Package commands provides the CLI commands for the Unbound daemon.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/unbound-app/daemon/internal/logging"
)

var (
	// Version information set at build time.
	Version   = "0.1.0"
	BuildTime = "dev"
)

var (
	printLogs bool
	logLevel  string
	logFile   bool
	directory string
)

var rootCmd = &cobra.Command{
	Use:   "unboundd",
	Short: "Unbound daemon - IPC core for the desktop app's Claude Code sessions",
	Long: `unboundd owns Session state, drives the Claude Code subprocess per
session, and exposes that state over a local Unix socket (C1) and a
remote publish relay (C4).

Run 'unboundd' with no subcommand to start the daemon, or 'unboundd
health' to query a running instance.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logCfg := logging.Config{
			Level:     logging.ParseLevel(logLevel),
			Output:    os.Stderr,
			Pretty:    printLogs,
			LogToFile: logFile,
		}
		if !printLogs && !logFile {
			logCfg.Level = logging.FatalLevel
		}
		logging.Init(logCfg)

		if logFile {
			logging.Info().
				Str("version", Version).
				Str("logFile", logging.GetLogFilePath()).
				Msg("unboundd started with file logging")
		}
	},
	RunE: runDaemon,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&printLogs, "print-logs", false, "Print logs to stderr")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "INFO", "Log level (DEBUG|INFO|WARN|ERROR)")
	rootCmd.PersistentFlags().BoolVar(&logFile, "log-file", false, "Write logs to the daemon log file")
	rootCmd.PersistentFlags().StringVar(&directory, "directory", "", "Project directory to load per-project config from")

	rootCmd.SetVersionTemplate(fmt.Sprintf("unboundd %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(healthCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// GetWorkDir returns the working directory from the --directory flag
// or the process's current directory.
func GetWorkDir() (string, error) {
	if directory != "" {
		return directory, nil
	}
	return os.Getwd()
}
