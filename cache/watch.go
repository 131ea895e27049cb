package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/fsnotify/fsnotify"
	"github.com/projecteru2/core/log"
)

// Watch invalidates the whole cache whenever one of paths changes, which
// catches VMs modified outside vmplex (GUI, another tool). Parent
// directories are watched because the hypervisor replaces its registry
// files by rename. Missing directories are skipped. Watch blocks until ctx
// is done.
func (c *Cache) Watch(ctx context.Context, paths []string) error {
	logger := log.WithFunc("cache.Watch")
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close() //nolint:errcheck

	var files []string
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			continue
		}
		dir := filepath.Dir(abs)
		if _, err := os.Stat(dir); err != nil {
			logger.Warnf(ctx, "skip watch %s: %v", abs, err)
			continue
		}
		if !slices.Contains(w.WatchList(), dir) {
			if err := w.Add(dir); err != nil {
				return fmt.Errorf("watch %s: %w", dir, err)
			}
		}
		files = append(files, abs)
	}
	if len(files) == 0 {
		<-ctx.Done()
		return nil
	}
	logger.Infof(ctx, "watching %v", files)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !slices.Contains(files, ev.Name) || ev.Op == fsnotify.Chmod {
				continue
			}
			logger.Infof(ctx, "%s changed (%s), invalidating cache", ev.Name, ev.Op)
			c.InvalidateAll()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warnf(ctx, "watch error: %v", err)
		}
	}
}
