package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"stacked/searchservice/internal/app"
	"stacked/searchservice/internal/domain"
	"stacked/searchservice/internal/search"
)

// catalog is the part of the search service the CLI drives.
type catalog interface {
	search.Searcher
	Popular(ctx context.Context, mediaType domain.MediaType, limit int) (domain.FeedResponse, error)
	Trending(ctx context.Context, mediaType domain.MediaType, limit int) (domain.FeedResponse, error)
}

type catalogOpener func(ctx context.Context, opts globalOptions) (catalog, func(), error)

type globalOptions struct {
	logLevel string
	timeout  time.Duration
	asJSON   bool
}

func newRootCmd(open catalogOpener) *cobra.Command {
	var opts globalOptions

	root := &cobra.Command{
		Use:          "stacked",
		Short:        "Search movies, shows, anime, books and games in one place",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 0, "per-search timeout (defaults to the configured one)")
	root.PersistentFlags().BoolVar(&opts.asJSON, "json", false, "print JSON instead of a table")

	root.AddCommand(
		newSearchCmd(open, &opts),
		newFeedCmd(open, &opts, domain.FeedPopular),
		newFeedCmd(open, &opts, domain.FeedTrending),
		newWatchCmd(open, &opts),
	)
	return root
}

func newSearchCmd(open catalogOpener, opts *globalOptions) *cobra.Command {
	var (
		rawTypes  string
		providers string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Run one aggregated search",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			types, err := parseTypes(rawTypes)
			if err != nil {
				return err
			}
			svc, closeFn, err := open(cmd.Context(), *opts)
			if err != nil {
				return err
			}
			defer closeFn()

			response, err := svc.Search(cmd.Context(), domain.SearchRequest{
				Query:     strings.Join(args, " "),
				Types:     types,
				Providers: splitList(providers),
				Limit:     limit,
			})
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}
			if opts.asJSON {
				return writeJSON(cmd.OutOrStdout(), response)
			}
			return writeSearchResponse(cmd.OutOrStdout(), response)
		},
	}
	cmd.Flags().StringVarP(&rawTypes, "types", "t", "", "comma separated media types")
	cmd.Flags().StringVar(&providers, "providers", "", "comma separated provider names")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "results per provider")
	return cmd
}

func newFeedCmd(open catalogOpener, opts *globalOptions, kind domain.FeedKind) *cobra.Command {
	var (
		rawType string
		limit   int
	)
	cmd := &cobra.Command{
		Use:   string(kind),
		Short: fmt.Sprintf("Show the %s feed for one media type", kind),
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mediaType, ok := domain.ParseMediaType(rawType)
			if !ok {
				return fmt.Errorf("unknown media type %q", rawType)
			}
			svc, closeFn, err := open(cmd.Context(), *opts)
			if err != nil {
				return err
			}
			defer closeFn()

			var feed domain.FeedResponse
			if kind == domain.FeedTrending {
				feed, err = svc.Trending(cmd.Context(), mediaType, limit)
			} else {
				feed, err = svc.Popular(cmd.Context(), mediaType, limit)
			}
			if err != nil {
				return fmt.Errorf("%s %s: %w", kind, mediaType, err)
			}
			if opts.asJSON {
				return writeJSON(cmd.OutOrStdout(), feed)
			}
			return writeFeed(cmd.OutOrStdout(), feed)
		},
	}
	cmd.Flags().StringVarP(&rawType, "type", "t", string(domain.MediaTypeMovie), "media type")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of items")
	return cmd
}

// newWatchCmd treats each stdin line as a keystroke-level edit of a search
// box: lines are debounced and only the settled query is searched.
func newWatchCmd(open catalogOpener, opts *globalOptions) *cobra.Command {
	var (
		rawTypes string
		delay    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Search interactively, one query per input line",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			types, err := parseTypes(rawTypes)
			if err != nil {
				return err
			}
			svc, closeFn, err := open(cmd.Context(), *opts)
			if err != nil {
				return err
			}
			defer closeFn()

			session := search.NewSession(svc)
			defer session.Close()
			states, unsubscribe := session.Subscribe()

			printed := make(chan error, 1)
			go func() {
				var firstErr error
				for state := range states {
					if state.Phase != search.PhaseReady && state.Phase != search.PhaseErrored {
						continue
					}
					if err := writeSessionState(cmd.OutOrStdout(), state, opts.asJSON); err != nil && firstErr == nil {
						firstErr = err
					}
				}
				printed <- firstErr
			}()

			debouncer := search.DebounceSession(session, delay, types)
			scanner := bufio.NewScanner(cmd.InOrStdin())
			for scanner.Scan() {
				debouncer.Trigger(scanner.Text())
			}
			debouncer.Flush()
			debouncer.Stop()
			session.Wait()
			unsubscribe()

			if err := <-printed; err != nil {
				return err
			}
			return scanner.Err()
		},
	}
	cmd.Flags().StringVarP(&rawTypes, "types", "t", "", "comma separated media types")
	cmd.Flags().DurationVar(&delay, "debounce", search.DefaultDebounceDelay, "quiet period before a query is searched")
	return cmd
}

func parseTypes(raw string) ([]domain.MediaType, error) {
	var types []domain.MediaType
	for _, part := range splitList(raw) {
		mediaType, ok := domain.ParseMediaType(part)
		if !ok {
			return nil, fmt.Errorf("unknown media type %q", part)
		}
		types = append(types, mediaType)
	}
	return types, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// openCatalog builds the same provider stack the HTTP service runs.
func openCatalog(ctx context.Context, opts globalOptions) (catalog, func(), error) {
	cfg, err := app.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load configuration: %w", err)
	}
	level := new(slog.LevelVar)
	level.Set(app.ParseLogLevel(opts.logLevel))
	logger := app.NewLogger(os.Stderr, level, cfg.LogFormat)

	timeout := cfg.RequestTimeout
	if opts.timeout > 0 {
		timeout = opts.timeout
	}

	redisClient := app.NewRedisClient(ctx, cfg.RedisURL, logger)
	svc := search.NewService(
		app.BuildProviders(cfg, app.NewProviderClient(timeout), redisClient),
		timeout,
		app.ServiceOptions(cfg, logger, redisClient)...,
	)
	svc.RestoreRoutes(ctx)

	closeFn := func() {
		if redisClient != nil {
			_ = redisClient.Close()
		}
	}
	return svc, closeFn, nil
}
