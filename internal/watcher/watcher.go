// Package watcher notifies callers when watched files change on disk. It
// backs hot reload of the server configuration.
package watcher

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 500 * time.Millisecond

// ChangeCallback is called with the cleaned path of a file that changed.
type ChangeCallback func(path string)

// Watcher monitors individual files for changes.
type Watcher struct {
	mu       sync.RWMutex
	watchers map[string]*fileWatcher // path → watcher
	callback ChangeCallback
	debounce time.Duration
	logger   *slog.Logger
}

type fileWatcher struct {
	path      string
	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}
}

// New creates a new file watcher.
func New(callback ChangeCallback, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Watcher{
		watchers: make(map[string]*fileWatcher),
		callback: callback,
		debounce: defaultDebounce,
		logger:   logger,
	}
}

// SetDebounce changes the quiet period applied before the callback fires.
// It affects files watched afterwards.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	w.debounce = d
	w.mu.Unlock()
}

// Watch starts watching a file. The parent directory is watched rather than
// the file itself so that editors which replace the file atomically are
// still observed.
func (w *Watcher) Watch(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}

	w.mu.RLock()
	_, exists := w.watchers[abs]
	debounce := w.debounce
	w.mu.RUnlock()
	if exists {
		return nil
	}

	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsW.Add(filepath.Dir(abs)); err != nil {
		fsW.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	fw := &fileWatcher{
		path:      abs,
		fsWatcher: fsW,
		cancel:    make(chan struct{}),
	}

	w.mu.Lock()
	w.watchers[abs] = fw
	w.mu.Unlock()

	go w.watchLoop(fw, debounce)
	return nil
}

// Unwatch stops watching a file.
func (w *Watcher) Unwatch(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return
	}

	w.mu.Lock()
	fw, ok := w.watchers[abs]
	if ok {
		delete(w.watchers, abs)
	}
	w.mu.Unlock()

	if ok {
		close(fw.cancel)
		fw.fsWatcher.Close()
	}
}

// watchLoop processes fsnotify events with debouncing.
func (w *Watcher) watchLoop(fw *fileWatcher, debounce time.Duration) {
	var timer *time.Timer

	for {
		select {
		case <-fw.cancel:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-fw.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != fw.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			// Debounce: reset timer on each event.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				if w.callback != nil {
					w.callback(fw.path)
				}
			})

		case err, ok := <-fw.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", "path", fw.path, "error", err)
		}
	}
}

// Shutdown stops all watchers.
func (w *Watcher) Shutdown() {
	w.mu.Lock()
	paths := make([]string, 0, len(w.watchers))
	for path := range w.watchers {
		paths = append(paths, path)
	}
	w.mu.Unlock()

	for _, path := range paths {
		w.Unwatch(path)
	}
}
