// Package cmd defines the CLI commands for the scrapeq executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapeq/internal/config"
	"github.com/JakeFAU/scrapeq/internal/logging"
)

// runtimeKeyType is the key for storing the loaded runtime in the context.
type runtimeKeyType string

const runtimeKey runtimeKeyType = "runtime"

// runtime is what every subcommand needs before doing work.
type runtime struct {
	cfg    config.Config
	logger *zap.Logger
}

// loadConfig and newLogger are variables so tests can substitute them.
var (
	loadConfig = config.Load
	newLogger  = logging.New
)

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "scrapeq",
		Short: "A job queue for scraping product pages through rotating proxies.",
		Long: `scrapeq accepts scrape jobs over HTTP, runs them on a bounded worker
pool with retries and stall recovery, and can discover product URLs by
crawling listing pages.`,
		SilenceUsage: true,

		// Runs before every subcommand: load config and build the logger.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := newLogger(logging.Options{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
				Encoding:    cfg.Logging.Encoding,
			})
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			cmd.SetContext(context.WithValue(ctx, runtimeKey, &runtime{cfg: cfg, logger: logger}))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if rt, err := resolveRuntime(cmd.Context()); err == nil {
				// Sync fails on stdout/stderr for some platforms; nothing to do about it.
				_ = rt.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml, /etc/scrapeq or $HOME/.scrapeq)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newDiscoverCmd())
	cmd.AddCommand(newSearchCmd())
	return cmd
}

func resolveRuntime(ctx context.Context) (*runtime, error) {
	if ctx == nil {
		return nil, errors.New("runtime not initialized")
	}
	rt, ok := ctx.Value(runtimeKey).(*runtime)
	if !ok || rt == nil {
		return nil, errors.New("runtime not initialized")
	}
	return rt, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
