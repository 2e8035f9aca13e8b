// Package commands provides the CLI commands for amon.
package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/amon-ai/amon/internal/config"
	"github.com/amon-ai/amon/internal/logging"
)

var (
	// Version information set at build time
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Global flags
var (
	printLogs bool
	logLevel  string
	dataDir   string
	envFiles  []string
)

var rootCmd = &cobra.Command{
	Use:   "amon",
	Short: "amon - session and query service for the Claude agent",
	Long: `amon keeps conversation sessions on disk, runs agent queries against
them and relays streaming output and permission requests to clients.

Run 'amon serve' to start the HTTP API, or 'amon run' to send a single
prompt from the terminal.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if dataDir != "" {
			os.Setenv("AMON_DATA_DIR", dataDir)
		}
		setupLogging()
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&printLogs, "print-logs", false, "Print logs to stderr")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (DEBUG|INFO|WARN|ERROR), defaults to $AMON_LOG_LEVEL or INFO")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Data directory (default $AMON_DATA_DIR or ~/.amon)")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", []string{".env"}, "Dotenv files to load")

	rootCmd.SetVersionTemplate(fmt.Sprintf("amon %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func setupLogging() {
	level := logLevel
	if level == "" {
		level = os.Getenv("AMON_LOG_LEVEL")
	}
	if level == "" {
		level = "INFO"
	}

	cfg := logging.DefaultConfig()
	cfg.Level = logging.ParseLevel(level)
	cfg.LogToFile = true
	cfg.LogDir = config.GetPaths().Logs
	if printLogs {
		cfg.Pretty = true
	} else {
		cfg.Output = io.Discard
	}
	logging.Init(cfg)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "amon %s (%s)\n", Version, BuildTime)
	},
}
