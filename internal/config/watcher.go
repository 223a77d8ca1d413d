package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/asheshgoplani/agent-relay/internal/logging"
)

var configLog = logging.ForComponent(logging.CompConfig)

const reloadDebounce = 200 * time.Millisecond

// Watcher reloads the config file when it changes on disk.
type Watcher struct {
	loader   *Loader
	onChange func(*Config)
	watcher  *fsnotify.Watcher
}

// NewWatcher watches the loader's file. The directory is watched rather
// than the file so editors that replace the file are seen.
func NewWatcher(loader *Loader, onChange func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	dir := filepath.Dir(loader.Path())
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	return &Watcher{loader: loader, onChange: onChange, watcher: w}, nil
}

// Run blocks until ctx is done, reloading on every burst of writes.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	target := filepath.Clean(w.loader.Path())
	var (
		debounceTimer *time.Timer
		mu            sync.Mutex
	)
	defer func() {
		mu.Lock()
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}

			mu.Lock()
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(reloadDebounce, func() {
				if ctx.Err() != nil {
					return
				}
				w.reload()
			})
			mu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			configLog.Warn("config_watcher_error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := w.loader.Reload()
	if err != nil {
		configLog.Warn("config_reload_failed", slog.String("path", w.loader.Path()), slog.String("error", err.Error()))
		return
	}
	configLog.Info("config_reloaded", slog.String("path", w.loader.Path()))
	if w.onChange != nil {
		w.onChange(cfg)
	}
}
