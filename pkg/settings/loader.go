package settings

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/tunequeue/tunequeue/pkg/log"
)

// Loader owns the current Settings snapshot and optionally watches its
// backing file for changes, republishing a fresh snapshot to every
// registered callback on each reload.
type Loader struct {
	path   string
	logger zerolog.Logger

	mu      sync.RWMutex
	current Settings

	callbacksMu sync.Mutex
	callbacks   []func(Settings)

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewLoader reads path once and returns a Loader seeded with its
// contents (missing fields fall back to Defaults).
func NewLoader(path string) (*Loader, error) {
	s, err := loadFile(path)
	if err != nil {
		return nil, err
	}
	return &Loader{
		path:    path,
		logger:  log.WithComponent("settings"),
		current: s,
	}, nil
}

// Current returns the current snapshot.
func (l *Loader) Current() Settings {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers a callback invoked with the new snapshot after
// every successful reload. Callbacks are invoked synchronously, in
// registration order, on the watch goroutine.
func (l *Loader) OnChange(cb func(Settings)) {
	l.callbacksMu.Lock()
	defer l.callbacksMu.Unlock()
	l.callbacks = append(l.callbacks, cb)
}

// reload re-reads the settings file and, on success, swaps the
// snapshot and notifies every registered callback.
func (l *Loader) reload() {
	s, err := loadFile(l.path)
	if err != nil {
		l.logger.Warn().Err(err).Str("path", l.path).Msg("settings reload failed, keeping previous snapshot")
		return
	}
	l.mu.Lock()
	l.current = s
	l.mu.Unlock()

	l.callbacksMu.Lock()
	callbacks := make([]func(Settings), len(l.callbacks))
	copy(callbacks, l.callbacks)
	l.callbacksMu.Unlock()

	for _, cb := range callbacks {
		cb(s)
	}
	l.logger.Info().Str("path", l.path).Msg("settings reloaded")
}

// Watch starts an fsnotify watch on the settings file's directory and
// reloads on every write to the file itself. It returns once the
// watcher is established; the watch loop runs in its own goroutine
// until Close is called.
func (l *Loader) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(l.path)); err != nil {
		w.Close()
		return err
	}
	l.watcher = w
	l.done = make(chan struct{})

	go func() {
		target := filepath.Clean(l.path)
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					l.reload()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				l.logger.Warn().Err(err).Msg("settings watcher error")
			case <-l.done:
				return
			}
		}
	}()
	return nil
}

// Close stops the watch goroutine, if running.
func (l *Loader) Close() error {
	if l.watcher == nil {
		return nil
	}
	close(l.done)
	return l.watcher.Close()
}
