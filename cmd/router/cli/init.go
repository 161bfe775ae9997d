package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/deepnoodle-ai/toolrouter/config"
)

var (
	initYAML   bool
	initOutput string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Emit an example router config",
	RunE:  runInit,
}

func init() {
	initCmd.Flags().BoolVarP(&initYAML, "yaml", "", false, "Emit YAML instead of JSON")
	initCmd.Flags().StringVarP(&initOutput, "output", "o", "", "Write to this path instead of stdout")
}

func runInit(cmd *cobra.Command, args []string) error {
	data, err := config.Marshal(config.Example(), initYAML)
	if err != nil {
		return fmt.Errorf("rendering example config: %w", err)
	}
	if initOutput == "" {
		_, err := os.Stdout.Write(append(data, '\n'))
		return err
	}
	return os.WriteFile(initOutput, data, 0o644)
}
