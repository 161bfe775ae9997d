package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/deepnoodle-ai/toolrouter/slogger"
)

var (
	configPath string
	logLevel   string
	logFormat  string
)

func getLogLevel() slogger.LogLevel {
	return slogger.LevelFromString(logLevel)
}

// newLogger builds the process-wide logger, writing to stderr: stdout is
// reserved for the upstream JSON-RPC wire protocol.
func newLogger() slogger.Logger {
	if logFormat == "json" {
		return slogger.NewJSONWithWriter(os.Stderr, getLogLevel())
	}
	return slogger.NewWithWriter(os.Stderr, getLogLevel())
}

var rootCmd = &cobra.Command{
	Use:   "router",
	Short: "Multiplexing JSON-RPC router for tool-provider backends.",
	Long:  "router fronts many downstream tool-provider backends (subprocesses or remote servers) behind a single stdio JSON-RPC endpoint.",
	RunE:  runServe,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.HiddenDefaultCmd = true

	rootCmd.PersistentFlags().StringVarP(
		&configPath, "config", "c", "router.json",
		"Path to a config file or a directory of config fragments")

	rootCmd.PersistentFlags().StringVarP(
		&logLevel, "log-level", "", "info",
		"Log level to use (debug, info, warn, error)")

	rootCmd.PersistentFlags().StringVarP(
		&logFormat, "log-format", "", "text",
		"Log output format (text, json)")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(validateCmd)
}
