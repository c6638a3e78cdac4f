package config

import (
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watcher reloads Config from disk whenever the backing file changes,
// debouncing the burst of events a single `mv`/editor-save tends to
// produce.
type Watcher struct {
	path     string
	debounce time.Duration
	logger   *logrus.Logger
	fsw      *fsnotify.Watcher
	stop     chan struct{}
	onReload func(*Config, error)
}

// NewWatcher opens an fsnotify watch on path's containing directory
// (editors often replace the file via rename, which a direct watch on
// the file itself can miss) and calls onReload after every settled
// change.
func NewWatcher(path string, debounce time.Duration, logger *logrus.Logger, onReload func(*Config, error)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := parentDir(path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}
	return &Watcher{
		path:     path,
		debounce: debounce,
		logger:   logger,
		fsw:      fsw,
		stop:     make(chan struct{}),
		onReload: onReload,
	}, nil
}

// Run blocks, watching for changes until Close is called.
func (w *Watcher) Run() {
	var timer *time.Timer
	var pending <-chan time.Time
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !sameFile(event.Name, w.path) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.debounce)
			pending = timer.C
		case <-pending:
			pending = nil
			cfg, err := Load(w.path)
			if err != nil {
				w.logger.WithError(err).WithField("path", w.path).Warn("config: reload failed, keeping previous config")
			}
			w.onReload(cfg, err)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("config: watcher error")
		case <-w.stop:
			return
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.stop)
	return w.fsw.Close()
}

func parentDir(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

func sameFile(candidate, target string) bool {
	return candidate == target || baseName(candidate) == baseName(target)
}

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}
