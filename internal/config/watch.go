package config

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/superbox-dev/unipi-control/internal/logger"
)

// ChangeWatcher watches the daemon config and hardware-definition files
// for changes. Features and register blocks are immutable for the life
// of the process, so a detected change never hot-reloads anything — it
// only logs a warning that a restart is required.
type ChangeWatcher struct {
	watcher *fsnotify.Watcher
	paths   []string
}

// NewChangeWatcher starts watching the parent directory of each given
// file. A directory that cannot be watched (for example one that doesn't
// exist yet at startup) is logged as a warning and skipped; it is not an
// error condition worth failing the daemon over.
func NewChangeWatcher(paths ...string) (*ChangeWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	cw := &ChangeWatcher{watcher: w, paths: paths}
	for _, p := range paths {
		dir := filepath.Dir(p)
		if err := w.Add(dir); err != nil {
			logger.Warn("config watcher: cannot watch directory", zap.String("path", dir), zap.Error(err))
			continue
		}
	}

	return cw, nil
}

// Run blocks, logging a warning each time one of the watched files
// changes, until stop is closed.
func (cw *ChangeWatcher) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if !cw.isWatched(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				logger.Warn("configuration file changed on disk; restart required to apply",
					zap.String("path", event.Name))
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("config watcher error", zap.Error(err))
		}
	}
}

// Close releases the underlying inotify/kqueue handle.
func (cw *ChangeWatcher) Close() error {
	return cw.watcher.Close()
}

func (cw *ChangeWatcher) isWatched(name string) bool {
	for _, p := range cw.paths {
		if filepath.Clean(name) == filepath.Clean(p) {
			return true
		}
	}
	return false
}
