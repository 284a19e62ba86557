package pricing

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultReloadDebounce = 250 * time.Millisecond

// Watcher reloads a pricing file into a Store whenever it changes on disk.
// A file that fails to parse leaves the current snapshot in place.
type Watcher struct {
	path     string
	store    *Store
	logger   *zap.Logger
	debounce time.Duration
	onReload func(*Table, error)
}

type WatcherOption func(*Watcher)

func WithLogger(logger *zap.Logger) WatcherOption {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithReloadHook is called after every reload attempt.
func WithReloadHook(fn func(*Table, error)) WatcherOption {
	return func(w *Watcher) {
		w.onReload = fn
	}
}

func NewWatcher(path string, store *Store, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		path:     path,
		store:    store,
		logger:   zap.NewNop(),
		debounce: defaultReloadDebounce,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Reload parses the file once and publishes it.
func (w *Watcher) Reload() error {
	table, err := LoadFile(w.path)
	if err == nil {
		w.store.Replace(table)
		w.logger.Info("pricing table reloaded",
			zap.String("path", w.path),
			zap.Int("entries", table.Len()),
			zap.Int64("version", w.store.Version()),
		)
	} else {
		w.logger.Warn("pricing reload failed, keeping previous table",
			zap.String("path", w.path),
			zap.Error(err),
		)
	}
	if w.onReload != nil {
		w.onReload(table, err)
	}
	return err
}

// Run blocks until ctx is done. The parent directory is watched so editors
// that replace the file by rename are picked up.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create pricing watcher: %w", err)
	}
	defer fsw.Close()

	target := filepath.Clean(w.path)
	if err := fsw.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch pricing directory %q: %w", filepath.Dir(target), err)
	}

	var (
		timer   *time.Timer
		timerC  <-chan time.Time
		pending bool
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			pending = true
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			timerC = timer.C
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("pricing watcher error", zap.Error(err))
		case <-timerC:
			timerC = nil
			if pending {
				pending = false
				_ = w.Reload()
			}
		}
	}
}
