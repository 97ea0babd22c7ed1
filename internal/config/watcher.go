package config

import (
	"context"
	"path/filepath"
	"time"

	"onemcp/pkg/logging"

	"github.com/fsnotify/fsnotify"
)

// Watcher observes the config file and triggers a debounced manager reload.
// Watching the parent directory instead of the file itself survives the
// write-rename dance most editors perform.
type Watcher struct {
	manager  *Manager
	path     string
	debounce time.Duration

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewWatcher creates a watcher for the manager's config file.
func NewWatcher(manager *Manager, debounce time.Duration) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultReloadDebounce
	}
	return &Watcher{
		manager:  manager,
		path:     manager.Current().Path,
		debounce: debounce,
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching. It returns immediately; the watch loop runs until
// the context is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.watcher = fsw

	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return err
	}

	go w.loop(ctx)
	logging.Info("Config", "Watching %s for changes (debounce %s)", w.path, w.debounce)
	return nil
}

// Stop terminates the watch loop.
func (w *Watcher) Stop() {
	select {
	case <-w.done:
	default:
		close(w.done)
	}
	if w.watcher != nil {
		w.watcher.Close()
	}
}

func (w *Watcher) loop(ctx context.Context) {
	var timer *time.Timer
	var timerC <-chan time.Time

	target := filepath.Clean(w.path)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			logging.Debug("Config", "Change detected on %s (%s)", event.Name, event.Op)
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Warn("Config", "Watcher error: %v", err)

		case <-timerC:
			timerC = nil
			timer = nil
			if err := w.manager.Reload(ctx); err != nil {
				logging.Warn("Config", "Reload failed: %v", err)
			}
		}
	}
}
