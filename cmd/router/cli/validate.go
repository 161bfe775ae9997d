package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/deepnoodle-ai/toolrouter/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate <path>",
	Short: "Validate a config file or directory without starting the router",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadPath(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("OK: %d backend(s) configured\n", len(cfg.Servers))
	for _, spec := range cfg.Servers {
		fmt.Printf("  - %s (%s): %s\n", spec.ID, spec.Name, spec.Kind)
	}
	return nil
}
