// Package filewatch wraps fsnotify into the directory-watch-with-callback
// shape the Content Catalog needs: add a directory, get a callback per
// changed path, and have the watch silently re-added if the OS tears it
// down out from under you (e.g. after the watched file is replaced by an
// editor's atomic rename).
package filewatch

import (
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/buildat-io/buildat"
)

// Callback is invoked with the path that changed. It may be called from a
// goroutine other than the one that called Add.
type Callback func(changedPath string)

// Watcher owns one fsnotify.Watcher and dispatches its events to
// per-directory callbacks, re-adding a directory automatically if fsnotify
// reports it as removed while the directory still exists on disk.
type Watcher struct {
	logger buildat.Logger
	fsw    *fsnotify.Watcher

	mu   sync.Mutex
	dirs map[string][]Callback // a directory may carry watches for several distinct files
	stop chan struct{}
	once sync.Once
}

// New starts a Watcher backed by a fresh fsnotify.Watcher. Call Close when
// done.
func New(logger buildat.Logger) (*Watcher, error) {
	if logger == nil {
		logger = buildat.NopLogger{}
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		logger: logger,
		fsw:    fsw,
		dirs:   make(map[string][]Callback),
		stop:   make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Add starts watching directory, invoking cb with the changed path on any
// create, write, rename, remove, or chmod event inside it. Multiple calls
// for the same directory (e.g. two catalog files living side by side)
// accumulate independent callbacks rather than replacing one another.
func (w *Watcher) Add(directory string, cb Callback) error {
	w.mu.Lock()
	alreadyWatched := len(w.dirs[directory]) > 0
	w.dirs[directory] = append(w.dirs[directory], cb)
	w.mu.Unlock()
	if alreadyWatched {
		return nil
	}
	return w.fsw.Add(directory)
}

// Close stops the watch loop and releases the underlying fsnotify handle.
func (w *Watcher) Close() error {
	w.once.Do(func() { close(w.stop) })
	return w.fsw.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.stop:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("filewatch: watcher error", "error", err)
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	dir := parentDir(event.Name)

	w.mu.Lock()
	cbs := append([]Callback(nil), w.dirs[dir]...)
	w.mu.Unlock()
	if len(cbs) == 0 {
		return
	}

	if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		if _, err := os.Stat(dir); err == nil {
			if err := w.fsw.Add(dir); err != nil {
				w.logger.Warn("filewatch: failed to re-add watch after remove/rename", "dir", dir, "error", err)
			}
		}
	}

	for _, cb := range cbs {
		cb(event.Name)
	}
}

func parentDir(path string) string {
	idx := lastSlash(path)
	if idx < 0 {
		return "."
	}
	return path[:idx]
}

func lastSlash(path string) int {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' || path[i] == '\\' {
			return i
		}
	}
	return -1
}
