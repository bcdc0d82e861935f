package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const debounceDelay = 500 * time.Millisecond

// Watcher observes a configuration directory and notifies subscribers when a
// config or template file changes. Rapid write bursts are debounced so one
// editor save triggers one notification.
type Watcher struct {
	dir       string
	callbacks []func(path string)
	mu        sync.RWMutex
	logger    *zap.Logger
	watcher   *fsnotify.Watcher
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// NewWatcher creates and starts a directory watcher.
func NewWatcher(dir string, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("cannot watch %s: %w", dir, err)
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fsWatcher.Add(dir); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	w := &Watcher{
		dir:     dir,
		logger:  logger,
		watcher: fsWatcher,
		stopCh:  make(chan struct{}),
	}
	go w.watchLoop()

	logger.Info("watching configuration directory", zap.String("dir", dir))
	return w, nil
}

// OnChange registers a callback invoked with the changed file path.
func (w *Watcher) OnChange(callback func(path string)) {
	w.mu.Lock()
	w.callbacks = append(w.callbacks, callback)
	w.mu.Unlock()
}

// Stop shuts the watcher down. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.watcher.Close()
	})
}

func (w *Watcher) watchLoop() {
	var debounce *time.Timer

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if !isConfigFile(event.Name) {
				continue
			}

			w.logger.Debug("configuration file changed",
				zap.String("file", event.Name),
				zap.String("operation", event.Op.String()),
			)

			if debounce != nil {
				debounce.Stop()
			}
			path := event.Name
			debounce = time.AfterFunc(debounceDelay, func() {
				w.notify(path)
			})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("file watcher error", zap.Error(err))

		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) notify(path string) {
	w.mu.RLock()
	callbacks := make([]func(string), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.RUnlock()

	w.logger.Info("configuration changed, notifying subscribers",
		zap.String("file", path),
		zap.Int("subscribers", len(callbacks)),
	)

	for _, callback := range callbacks {
		cb := callback
		go func() {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Error("configuration change callback panicked",
						zap.Any("panic", r),
					)
				}
			}()
			cb(path)
		}()
	}
}

func isConfigFile(path string) bool {
	switch filepath.Ext(path) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}
