package app

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("STACKED_CONFIG_FILE", "")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, ":8090", cfg.HTTPAddr)
	assert.Equal(t, 15*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 350*time.Millisecond, cfg.Jikan.MinInterval)
	assert.Equal(t, 300*time.Millisecond, cfg.DebounceDelay)
	assert.Equal(t, 30*time.Minute, cfg.CacheTTL)
	assert.Equal(t, 8, cfg.PerProviderLimit)
	assert.Equal(t, "anilist", cfg.AnimeProvider)
	assert.Equal(t, "stacked.db", cfg.LibraryDBPath)
	assert.False(t, cfg.IGDBConfigured())
}

func TestLoadConfigEnvironment(t *testing.T) {
	t.Setenv("STACKED_CONFIG_FILE", "")
	t.Setenv("HTTP_ADDR", ":9000")
	t.Setenv("SEARCH_TIMEOUT_SECONDS", "4")
	t.Setenv("JIKAN_MIN_INTERVAL_MS", "500")
	t.Setenv("SEARCH_CACHE_TTL_MINUTES", "5")
	t.Setenv("SEARCH_CACHE_DISABLED", "yes")
	t.Setenv("SEARCH_ANIME_PROVIDER", " Jikan ")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("IGDB_CLIENT_ID", "id")
	t.Setenv("IGDB_CLIENT_SECRET", "secret")
	t.Setenv("DEBOUNCE_MS", "not-a-number")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.HTTPAddr)
	assert.Equal(t, 4*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Jikan.MinInterval)
	assert.Equal(t, 5*time.Minute, cfg.CacheTTL)
	assert.True(t, cfg.CacheDisabled)
	assert.Equal(t, "jikan", cfg.AnimeProvider)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.IGDBConfigured())
	assert.Equal(t, 300*time.Millisecond, cfg.DebounceDelay, "invalid values keep the default")
}

func TestLoadConfigFileThenEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stacked.yaml")
	body := strings.Join([]string{
		"http_addr: \":7000\"",
		"request_timeout: 9s",
		"anime_provider: jikan",
		"tmdb:",
		"  api_key: file-key",
		"jikan:",
		"  min_interval: 1s",
		"library_db_path: /var/lib/stacked/library.db",
	}, "\n")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	t.Setenv("STACKED_CONFIG_FILE", path)
	t.Setenv("TMDB_API_KEY", "env-key")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.HTTPAddr)
	assert.Equal(t, 9*time.Second, cfg.RequestTimeout)
	assert.Equal(t, "jikan", cfg.AnimeProvider)
	assert.Equal(t, time.Second, cfg.Jikan.MinInterval)
	assert.Equal(t, "/var/lib/stacked/library.db", cfg.LibraryDBPath)
	assert.Equal(t, "env-key", cfg.TMDB.APIKey, "environment overrides the file")
	assert.Equal(t, "https://api.themoviedb.org/3", cfg.TMDB.BaseURL, "unset keys keep defaults")
}

func TestLoadConfigFileErrors(t *testing.T) {
	t.Setenv("STACKED_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := LoadConfig()
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http_addr: [unterminated"), 0o600))
	t.Setenv("STACKED_CONFIG_FILE", path)
	_, err = LoadConfig()
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	level := new(slog.LevelVar)
	level.Set(ParseLogLevel("warn"))
	logger := NewLogger(&buf, level, "json")
	logger.Info("hidden")
	logger.Warn("shown", slog.String("provider", "tmdb"))

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"provider":"tmdb"`)
	level.Set(slog.LevelDebug)
	logger.Debug("now visible")
	assert.Contains(t, buf.String(), "now visible")

	assert.Equal(t, slog.LevelError, ParseLogLevel("ERROR"))
	assert.Equal(t, slog.LevelInfo, ParseLogLevel("verbose"))
}
