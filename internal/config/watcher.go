package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the configuration file on change and hands the parsed
// result to a callback. A file that fails to load keeps the previous
// configuration; the error is logged, never fatal.
type Watcher struct {
	path     string
	log      *slog.Logger
	onChange func(Config)
	watcher  *fsnotify.Watcher
}

// NewWatcher creates a watcher for the given config file.
func NewWatcher(path string, log *slog.Logger, onChange func(Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{path: path, log: log, onChange: onChange, watcher: fw}, nil
}

// Start blocks until the context is cancelled. Editors replace files on
// save, so the parent directory is watched and events are filtered by
// name.
func (w *Watcher) Start(ctx context.Context) error {
	defer w.watcher.Close()

	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	w.log.Info("watching configuration", "path", w.path)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				w.log.Error("config reload failed, keeping previous", "error", err)
				continue
			}
			w.log.Info("configuration reloaded")
			w.onChange(cfg)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("config watcher error", "error", err)
		}
	}
}
