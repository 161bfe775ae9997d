package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/deepnoodle-ai/toolrouter/config"
	"github.com/deepnoodle-ai/toolrouter/router"
	"github.com/deepnoodle-ai/toolrouter/supervisor"
)

// Version is the router's protocol/server version, reported in the
// initialize handshake.
const Version = "0.1.0"

func runServe(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	cfg, err := config.LoadPath(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sup := supervisor.New(cfg.CacheTools, logger)

	var spawnErrs []error
	for _, spec := range cfg.Servers {
		if err := sup.SpawnBackend(ctx, spec); err != nil {
			logger.Error("failed to spawn backend", "backend_id", spec.ID, "error", err)
			spawnErrs = append(spawnErrs, err)
			continue
		}
	}
	if len(spawnErrs) > 0 && sup.HealthyCount() == 0 {
		return fmt.Errorf("no healthy backends out of %d configured", len(cfg.Servers))
	}

	sup.StartHealthMonitor(ctx)
	defer sup.StopHealthMonitor()

	r := router.New(sup, router.ServerInfo{Name: "toolrouter", Version: Version}, os.Stdin, os.Stdout, logger)
	if err := r.Run(ctx); err != nil {
		return fmt.Errorf("router stopped: %w", err)
	}
	return nil
}
