package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow batches rapid editor write events into one reload.
const debounceWindow = 250 * time.Millisecond

// ReloadHandler is called with the freshly loaded config after the watched
// file changed and parsed cleanly.
type ReloadHandler func(cfg *Config, version string)

// Watcher reloads the sources file when it changes on disk. A change that
// fails validation is logged and ignored; the previous config stays active.
type Watcher struct {
	store   *FileStore
	handler ReloadHandler
	logger  *slog.Logger
	fsw     *fsnotify.Watcher
}

// NewWatcher starts watching the store's directory. Watching the directory
// rather than the file survives the rename dance editors and atomic writers
// perform.
func NewWatcher(store *FileStore, handler ReloadHandler, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(store.Path())); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(store.Path()), err)
	}
	return &Watcher{store: store, handler: handler, logger: logger, fsw: fsw}, nil
}

// Run processes events until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	var timer *time.Timer
	var timerC <-chan time.Time
	target := filepath.Clean(w.store.Path())

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounceWindow)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(debounceWindow)
			}
		case <-timerC:
			timer = nil
			timerC = nil
			w.reload(ctx)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	prev := w.store.Version()
	cfg, version, err := w.store.Load(ctx)
	if err != nil {
		w.logger.Warn("config reload failed, keeping previous config",
			"path", w.store.Path(), "error", err)
		return
	}
	if version == prev {
		return
	}
	w.logger.Info("config reloaded", "path", w.store.Path(), "version", version[:8])
	w.handler(cfg, version)
}
