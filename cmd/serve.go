package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapeq/internal/config"
	"github.com/JakeFAU/scrapeq/internal/server"
)

// service is the part of server.App the serve command drives.
type service interface {
	Run(ctx context.Context) error
}

// newService is the application factory; tests replace it.
var newService = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (service, error) {
	return server.Build(ctx, cfg, logger, nil)
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the worker pool",
		Long: `Starts the job queue workers, the stall monitor, the retention sweeper
and the HTTP API. SIGINT or SIGTERM drains in-flight work and exits.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newService(ctx, rt.cfg, rt.logger)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}
	rt.logger.Info("application started")
	if err := app.Run(ctx); err != nil {
		return fmt.Errorf("run application: %w", err)
	}
	return nil
}
