package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// ReloadEvent reports a change to a watched config file. Nothing in
// this package acts on it automatically — per SPEC_FULL.md's ambient
// stack, config changes are observed and logged, never hot-reloaded;
// an operator restarts the process to pick them up.
type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher observes config.yaml for changes without acting on them.
type Watcher struct {
	homeDir string
	logger  *slog.Logger
	events  chan ReloadEvent
}

// NewWatcher builds a Watcher rooted at homeDir.
func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir: homeDir,
		logger:  logger,
		events:  make(chan ReloadEvent, 16),
	}
}

// Events exposes observed changes for callers that want to log a
// restart reminder or emit a metric; the channel is closed when ctx is
// cancelled.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start begins watching config.yaml in the background until ctx is
// cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	path := filepath.Join(w.homeDir, "config.yaml")
	if err := fsw.Add(path); err != nil {
		w.logger.Warn("config: could not watch config.yaml", "path", path, "error", err)
	}

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case w.events <- ReloadEvent{Path: ev.Name, Op: ev.Op}:
				default:
				}
				w.logger.Info("config: file changed, restart to apply", "path", ev.Name, "op", ev.Op.String())
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config: watcher error", "error", err)
			}
		}
	}()
	return nil
}
