package app

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"stacked/searchservice/internal/domain"
	"stacked/searchservice/internal/providers/anilist"
	"stacked/searchservice/internal/providers/igdb"
	"stacked/searchservice/internal/providers/jikan"
	"stacked/searchservice/internal/providers/openlibrary"
	"stacked/searchservice/internal/providers/tmdb"
	"stacked/searchservice/internal/search"
)

// NewRedisClient connects to url and pings it. It returns nil when url is
// empty, malformed or unreachable; callers fall back to in-process state.
func NewRedisClient(ctx context.Context, url string, logger *slog.Logger) *redis.Client {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		logger.Warn("invalid redis url, using in-memory state only", slog.String("error", err.Error()))
		return nil
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis not reachable, using in-memory state only", slog.String("error", err.Error()))
		_ = client.Close()
		return nil
	}
	logger.Info("redis connected", slog.String("addr", opts.Addr))
	return client
}

// NewProviderClient returns the traced HTTP client every catalog shares.
func NewProviderClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)}
}

// BuildProviders registers every catalog. TMDB and IGDB stay registered
// without credentials and report Enabled=false.
func BuildProviders(cfg Config, client *http.Client, redisClient *redis.Client) []search.Provider {
	var tokens igdb.TokenCache
	if redisClient != nil {
		tokens = igdb.NewRedisTokenCache(redisClient, "")
	}
	return []search.Provider{
		tmdb.NewProvider(tmdb.Config{
			APIKey:    cfg.TMDB.APIKey,
			BaseURL:   cfg.TMDB.BaseURL,
			Language:  cfg.TMDB.Language,
			UserAgent: cfg.UserAgent,
			Client:    client,
		}),
		anilist.NewProvider(anilist.Config{
			Endpoint:  cfg.AniList.Endpoint,
			UserAgent: cfg.UserAgent,
			Client:    client,
		}),
		openlibrary.NewProvider(openlibrary.Config{
			Endpoint:  cfg.OpenLibrary.Endpoint,
			UserAgent: cfg.UserAgent,
			Client:    client,
		}),
		igdb.NewProvider(igdb.Config{
			ClientID:     cfg.IGDB.ClientID,
			ClientSecret: cfg.IGDB.ClientSecret,
			Endpoint:     cfg.IGDB.Endpoint,
			TokenURL:     cfg.IGDB.TokenURL,
			UserAgent:    cfg.UserAgent,
			Client:       client,
			Tokens:       tokens,
		}),
		jikan.NewProvider(jikan.Config{
			Endpoint:    cfg.Jikan.Endpoint,
			MinInterval: cfg.Jikan.MinInterval,
			UserAgent:   cfg.UserAgent,
			Client:      client,
		}),
	}
}

// ServiceOptions maps the configuration onto search.Service options.
// redisClient may be nil.
func ServiceOptions(cfg Config, logger *slog.Logger, redisClient *redis.Client) []search.ServiceOption {
	opts := []search.ServiceOption{
		search.WithLogger(logger),
		search.WithPerProviderLimit(cfg.PerProviderLimit),
	}
	if cfg.AnimeProvider != "" {
		opts = append(opts, search.WithRoute(domain.MediaTypeAnime, cfg.AnimeProvider))
	}
	if redisClient != nil {
		opts = append(opts, search.WithRouteStore(search.NewRedisRouteStore(redisClient, "")))
	}
	if cfg.CacheDisabled {
		return append(opts, search.WithCacheDisabled(true))
	}
	if cfg.CacheTTL > 0 {
		opts = append(opts, search.WithCacheTTL(cfg.CacheTTL))
	}
	if redisClient != nil {
		opts = append(opts, search.WithRedisCache(search.NewRedisCacheBackend(redisClient)))
	}
	return opts
}
