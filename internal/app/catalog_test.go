package app

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stacked/searchservice/internal/domain"
	"stacked/searchservice/internal/search"
)

func TestBuildProvidersRegistersEveryCatalog(t *testing.T) {
	cfg := defaultConfig()
	providers := BuildProviders(cfg, NewProviderClient(time.Second), nil)

	enabled := make(map[string]bool, len(providers))
	for _, provider := range providers {
		enabled[provider.Name()] = provider.Info().Enabled
	}
	assert.Equal(t, map[string]bool{
		"tmdb":        false,
		"anilist":     true,
		"openlibrary": true,
		"igdb":        false,
		"jikan":       true,
	}, enabled)

	cfg.TMDB.APIKey = "key"
	cfg.IGDB.ClientID = "id"
	cfg.IGDB.ClientSecret = "secret"
	for _, provider := range BuildProviders(cfg, nil, nil) {
		assert.True(t, provider.Info().Enabled, provider.Name())
	}
}

func TestServiceOptionsRouteAnimeToJikan(t *testing.T) {
	cfg := defaultConfig()
	cfg.AnimeProvider = "jikan"
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	service := search.NewService(BuildProviders(cfg, nil, nil), time.Second, ServiceOptions(cfg, logger, nil)...)
	routes := service.Routes()
	assert.Equal(t, "jikan", routes[domain.MediaTypeAnime])
	assert.Equal(t, "tmdb", routes[domain.MediaTypeMovie])
}

func TestNewRedisClientFallsBack(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	assert.Nil(t, NewRedisClient(ctx, "", logger))
	assert.Nil(t, NewRedisClient(ctx, "not a url", logger))

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	client := NewRedisClient(ctx, "redis://127.0.0.1:1/0", logger)
	require.Nil(t, client)
}
