package policy

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/xiaot623/gogo/relay/internal/logger"
)

const reloadDebounce = 100 * time.Millisecond

// Watch reloads the policy whenever the file at path changes, until ctx is
// done. A policy that fails to compile is logged and the previous one kept.
// ready, if non-nil, is closed once the watch is in place.
func (e *Engine) Watch(ctx context.Context, path string, ready chan<- struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create policy watcher: %w", err)
	}
	defer watcher.Close()

	// Editors often replace the file, so watch its directory.
	target := filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("failed to watch policy directory: %w", err)
	}
	if ready != nil {
		close(ready)
	}

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			debounce = time.After(reloadDebounce)

		case <-debounce:
			debounce = nil
			if err := e.ReloadFile(ctx, target); err != nil {
				logger.Warn("policy reload failed, keeping previous policy",
					zap.String("path", target), zap.Error(err))
				continue
			}
			logger.Info("policy reloaded", zap.String("path", target))

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("policy watcher error", zap.Error(err))
		}
	}
}
