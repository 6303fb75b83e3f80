package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapeq/internal/config"
	"github.com/JakeFAU/scrapeq/internal/crawler"
	"github.com/JakeFAU/scrapeq/internal/server"
)

// discoverer is the crawl surface the discover command needs.
type discoverer interface {
	Discover(ctx context.Context, seed string, params crawler.DiscoverParams) (crawler.DiscoverResult, error)
	DefaultDepth() int
}

var newDiscoverer = func(cfg config.Config, logger *zap.Logger) (discoverer, func(), error) {
	return server.NewDiscoverer(cfg, logger)
}

type discoverFlags struct {
	depth    int
	maxURLs  int
	patterns []string
	exclude  []string
	timeout  time.Duration
}

func newDiscoverCmd() *cobra.Command {
	var flags discoverFlags
	cmd := &cobra.Command{
		Use:   "discover <seed-url>",
		Short: "Crawl from a seed page and print the discovered URLs as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiscover(cmd, args[0], flags)
		},
	}
	cmd.Flags().IntVar(&flags.depth, "depth", -1, "crawl depth (default from crawler.max_depth)")
	cmd.Flags().IntVar(&flags.maxURLs, "max-urls", 0, "stop after this many URLs (default from crawler.max_urls)")
	cmd.Flags().StringSliceVar(&flags.patterns, "pattern", nil, "substring a URL must contain (repeatable)")
	cmd.Flags().StringSliceVar(&flags.exclude, "exclude", nil, "substring that rejects a URL (repeatable)")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", 0, "overall crawl timeout (default from crawler.timeout)")
	return cmd
}

func runDiscover(cmd *cobra.Command, seed string, flags discoverFlags) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	engine, release, err := newDiscoverer(rt.cfg, rt.logger)
	if err != nil {
		return fmt.Errorf("build crawler: %w", err)
	}
	defer release()

	params := crawler.DiscoverParams{
		MaxDepth: engine.DefaultDepth(),
		MaxURLs:  flags.maxURLs,
		Include:  flags.patterns,
		Exclude:  flags.exclude,
		Timeout:  flags.timeout,
	}
	if flags.depth >= 0 {
		params.MaxDepth = flags.depth
	}
	res, err := engine.Discover(cmd.Context(), seed, params)
	if err != nil {
		return fmt.Errorf("discover %s: %w", seed, err)
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return nil
}
