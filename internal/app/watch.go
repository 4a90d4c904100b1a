package app

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"stacked/searchservice/internal/search"
)

const configReloadDelay = 200 * time.Millisecond

// WatchConfig reloads the config file at path whenever it changes and
// passes the result to onChange. Editors often replace the file instead of
// writing it, so the parent directory is watched and events are filtered
// by name. Bursts of events collapse into one reload. The watcher stops
// when ctx is done.
func WatchConfig(ctx context.Context, path string, logger *slog.Logger, onChange func(Config)) error {
	if logger == nil {
		logger = slog.Default()
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch config dir: %w", err)
	}

	reload := search.NewDebouncer(configReloadDelay, func(changed string) {
		cfg, err := LoadConfigFrom(changed)
		if err != nil {
			logger.Warn("config reload failed", slog.String("path", changed), slog.String("error", err.Error()))
			return
		}
		logger.Info("config reloaded", slog.String("path", changed))
		onChange(cfg)
	}, nil)

	go func() {
		defer reload.Stop()
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != absPath {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				reload.Trigger(absPath)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", slog.String("error", err.Error()))
			}
		}
	}()
	return nil
}
