package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 250 * time.Millisecond

// Reload re-reads path and the environment without touching .env.
func Reload(path string) (*Config, error) {
	cfg, err := parseFile(path)
	if err != nil {
		return nil, err
	}
	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Watch calls apply with the new configuration each time the file at path changes.
// Invalid or unchanged files are logged and skipped. It blocks until ctx is cancelled.
func Watch(ctx context.Context, path string, current *Config, logger *slog.Logger, apply func(*Config)) error {
	if path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() {
		if err := w.Close(); err != nil {
			logger.Warn("Failed to close config watcher", "error", err)
		}
	}()

	// Editors replace files by rename, so the directory is watched rather than the file.
	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	name := filepath.Base(path)

	var (
		mu    sync.Mutex
		timer *time.Timer
		last  = current
	)
	reload := func() {
		cfg, err := Reload(path)
		if err != nil {
			logger.Warn("Config reload rejected", "path", path, "error", err)
			return
		}
		mu.Lock()
		unchanged := last != nil && reflect.DeepEqual(last, cfg)
		if !unchanged {
			last = cfg
		}
		mu.Unlock()
		if unchanged {
			logger.Debug("Config unchanged, skipping reload", "path", path)
			return
		}
		logger.Info("Config reloaded", "path", path)
		apply(cfg)
	}
	schedule := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(reloadDebounce, reload)
	}

	logger.Info("Watching config file", "path", path)
	for {
		select {
		case <-ctx.Done():
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			mu.Unlock()
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != name {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) != 0 {
				schedule()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("Config watcher error", "error", err)
		}
	}
}
