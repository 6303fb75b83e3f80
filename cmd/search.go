package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapeq/internal/config"
	"github.com/JakeFAU/scrapeq/internal/crawler"
	"github.com/JakeFAU/scrapeq/internal/search"
	"github.com/JakeFAU/scrapeq/internal/server"
)

type searcher interface {
	Search(ctx context.Context, term string, opts search.Options) (search.Result, error)
}

var newSearcher = func(cfg config.Config, logger *zap.Logger) (searcher, func(), error) {
	return server.NewSearcher(cfg, logger)
}

type searchFlags struct {
	marketplaces []string
	maxResults   int
	exclude      []string
}

func newSearchCmd() *cobra.Command {
	var flags searchFlags
	cmd := &cobra.Command{
		Use:   "search <term>...",
		Short: "Search every configured marketplace and print product links as JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(cmd, strings.Join(args, " "), flags)
		},
	}
	cmd.Flags().StringSliceVar(&flags.marketplaces, "marketplace", nil, "limit the search to these marketplaces (repeatable)")
	cmd.Flags().IntVar(&flags.maxResults, "max-results", 0, "links per marketplace (default from search.max_results)")
	cmd.Flags().StringSliceVar(&flags.exclude, "exclude", nil, "substring that rejects a link (default from search.exclude_patterns)")
	return cmd
}

func runSearch(cmd *cobra.Command, term string, flags searchFlags) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	finder, release, err := newSearcher(rt.cfg, rt.logger)
	if err != nil {
		return fmt.Errorf("build search: %w", err)
	}
	defer release()

	opts := search.Options{Marketplaces: flags.marketplaces, MaxResults: flags.maxResults}
	if cmd.Flags().Changed("exclude") {
		opts.Exclude = flags.exclude
	}
	res, err := finder.Search(cmd.Context(), term, opts)
	if err != nil && !errors.Is(err, crawler.ErrCrawlFailed) {
		return fmt.Errorf("search %q: %w", term, err)
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(res); encErr != nil {
		return fmt.Errorf("write result: %w", encErr)
	}
	if err != nil {
		return fmt.Errorf("search %q: %w", term, err)
	}
	return nil
}
