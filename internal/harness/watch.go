package harness

import (
	"context"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow coalesces the event bursts editors emit on save so a
// reload swaps the trigger set once per save, not once per event.
const debounceWindow = 250 * time.Millisecond

// Watch monitors the trigger config at path and calls onChange with the
// newly loaded Config after each save. It runs until ctx is cancelled.
//
// When a reload fails, the error is logged and the running trigger set
// stays; onChange is not called.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return err
	}

	slog.Info("config: watching for changes", "path", path)

	var pending *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// Editors often save via rename, which arrives as Create.
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if pending == nil {
				pending = time.AfterFunc(debounceWindow, func() {
					select {
					case reload <- struct{}{}:
					default:
					}
				})
			} else {
				pending.Reset(debounceWindow)
			}

		case <-reload:
			pending = nil
			// Re-add the file in case an atomic save replaced the inode.
			_ = watcher.Add(path)

			cfg, err := Load(path)
			if err != nil {
				slog.Error("config: reload failed, keeping previous triggers",
					"path", path, "err", err)
				continue
			}
			slog.Info("config: reloaded", "path", path, "triggers", len(cfg.Triggers))
			onChange(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("config: watcher error", "err", err)
		}
	}
}
