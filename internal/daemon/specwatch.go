package daemon

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
)

const specDebounce = 500 * time.Millisecond

// WatchSpecs watches the spec directory and reloads after changes settle.
// It blocks until the context is cancelled.
func (r *Registry) WatchSpecs(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(r.specDir); err != nil {
		return err
	}

	r.logger.Info("watching spec directory for changes", "dir", r.specDir)

	var debounceTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			r.logger.Debug("spec file changed", "file", event.Name, "op", event.Op)

			// Debounce: reset timer on each event
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(specDebounce, func() {
				if ctx.Err() != nil {
					return
				}
				result, err := r.Reload()
				if err != nil {
					r.logger.Error("auto-reload failed", "error", err)
					return
				}
				if len(result.Added) > 0 || len(result.Removed) > 0 || len(result.Restarted) > 0 {
					r.logger.Info("auto-reload complete",
						"added", result.Added,
						"removed", result.Removed,
						"restarted", result.Restarted)
				} else {
					r.logger.Debug("auto-reload: no changes detected")
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Error("spec watcher error", "error", err)
		}
	}
}
