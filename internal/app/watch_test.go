package app

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchConfigReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stacked.yaml")
	require.NoError(t, os.WriteFile(path, []byte("anime_provider: anilist\n"), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan Config, 4)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	require.NoError(t, WatchConfig(ctx, path, logger, func(cfg Config) {
		changes <- cfg
	}))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1\n"), 0o600))
	require.NoError(t, os.WriteFile(path, []byte("anime_provider: jikan\nlog_level: debug\n"), 0o600))

	select {
	case cfg := <-changes:
		assert.Equal(t, "jikan", cfg.AnimeProvider)
		assert.Equal(t, "debug", cfg.LogLevel)
	case <-time.After(3 * time.Second):
		t.Fatal("config change was not delivered")
	}
}

func TestWatchConfigMissingDirectory(t *testing.T) {
	err := WatchConfig(context.Background(), filepath.Join(t.TempDir(), "absent", "stacked.yaml"), nil, func(Config) {})
	assert.Error(t, err)
}
