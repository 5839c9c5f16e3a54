package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/johndauphine/ingest-sync/internal/logging"
)

// Watcher keeps the latest valid Config for a file and reloads it when the file changes.
// Invalid edits are logged and ignored; the previous config stays current.
type Watcher struct {
	path    string
	opts    LoadOptions
	current atomic.Pointer[Config]
	watcher *fsnotify.Watcher
	reloads atomic.Int64

	// OnReload is called after a successful reload.
	OnReload func(*Config)
}

// NewWatcher loads path and prepares a watch on its directory.
// The directory is watched rather than the file so editors that replace the
// file by rename are still observed.
func NewWatcher(path string, opts LoadOptions) (*Watcher, error) {
	cfg, err := LoadWithOptions(path, opts)
	if err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating config watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching config directory: %w", err)
	}

	w := &Watcher{path: path, opts: opts, watcher: fw}
	w.opts.SuppressWarnings = true
	w.current.Store(cfg)
	return w, nil
}

// Current returns the config snapshot to use for the next invocation.
func (w *Watcher) Current() *Config {
	return w.current.Load()
}

// Reloads returns how many successful reloads happened.
func (w *Watcher) Reloads() int64 {
	return w.reloads.Load()
}

// Run processes file events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	target := filepath.Clean(w.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			logging.Warn("Config watcher error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := LoadWithOptions(w.path, w.opts)
	if err != nil {
		logging.Warn("Config reload failed, keeping previous config: %v", err)
		return
	}
	w.current.Store(cfg)
	w.reloads.Add(1)
	logging.Info("Config reloaded from %s (%d sources)", w.path, len(cfg.Sources))
	if w.OnReload != nil {
		w.OnReload(cfg)
	}
}
