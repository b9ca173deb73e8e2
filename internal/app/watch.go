package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/vk/servicesd/internal/ctxlog"
)

// watchRequester is the requester name of rehashes the watcher starts.
const watchRequester = "config-watcher"

// watchDebounce folds the burst of events an editor save produces.
const watchDebounce = 500 * time.Millisecond

// watchConfig rehashes whenever one of the configuration files changes.
// Directories are watched rather than files so that editors replacing the
// file by rename are still seen.
func (a *App) watchConfig(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx).With("component", "config_watcher")
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()

	files := make(map[string]struct{}, len(a.appConfig.ConfigPaths))
	dirs := make(map[string]struct{})
	// wholeDirs are configuration directories: any config file in them counts.
	wholeDirs := make(map[string]struct{})
	for _, p := range a.appConfig.ConfigPaths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", p, err)
		}
		if info, err := os.Stat(abs); err == nil && info.IsDir() {
			wholeDirs[abs] = struct{}{}
			dirs[abs] = struct{}{}
			continue
		}
		files[abs] = struct{}{}
		dirs[filepath.Dir(abs)] = struct{}{}
	}
	watched := func(name string) bool {
		abs, err := filepath.Abs(name)
		if err != nil {
			return false
		}
		if _, ok := files[abs]; ok {
			return true
		}
		if _, ok := wholeDirs[filepath.Dir(abs)]; ok {
			_, err := pathFormat(abs)
			return err == nil
		}
		return false
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	logger.Info("👀 Watching configuration files.", "files", len(files), "directories", len(wholeDirs))

	var timer *time.Timer
	fire := make(chan struct{}, 1)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !watched(event.Name) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			logger.Debug("Configuration file changed.", "file", event.Name, "op", event.Op.String())
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(watchDebounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("Config watcher error.", "error", err)
		case <-fire:
			logger.Info("Configuration changed on disk, rehashing.")
			if err := a.rehash.Rehash(ctx, watchRequester); err != nil {
				logger.Warn("Rehash after file change finished with errors.", "error", err)
			}
		}
	}
}
