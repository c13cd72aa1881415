package library

import (
	"context"
	"io/fs"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow batches bursts of filesystem events (a copy of a season
// drops hundreds of files) into a single rescan.
const debounceWindow = 2 * time.Second

// Watcher triggers a library rescan when the media root changes on disk.
type Watcher struct {
	library *Library
	logger  *slog.Logger
	watcher *fsnotify.Watcher
}

// NewWatcher creates a filesystem watcher over the library's media root and
// every directory below it.
func NewWatcher(library *Library, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		library: library,
		logger:  logger,
		watcher: fsw,
	}

	if err := w.addRecursive(library.config.Root); err != nil {
		fsw.Close()
		return nil, err
	}

	return w, nil
}

// addRecursive registers the directory and all its subdirectories.
func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if d.IsDir() {
			return w.watcher.Add(path)
		}
		return nil
	})
}

// Run processes filesystem events until the context is cancelled. Events
// are debounced; a rescan that loses the race with an in-flight scan is
// simply skipped, the pending events will be picked up by that scan.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			// New directories need their own watch.
			if event.Op&fsnotify.Create != 0 {
				if err := w.addRecursive(event.Name); err != nil {
					w.logger.Debug("Failed to watch new path", "path", event.Name, "error", err)
				}
			}
			if timer == nil {
				timer = time.NewTimer(debounceWindow)
				timerC = timer.C
			} else {
				// Stop and drain before Reset: the timer may already
				// have fired into its channel, and a stale tick would
				// cut the debounce window short.
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(debounceWindow)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Media root watcher error", "error", err)

		case <-timerC:
			timer = nil
			timerC = nil
			w.logger.Info("Media root changed, rescanning library")
			if err := w.library.Rescan(ctx); err != nil {
				if err == ErrScanInProgress {
					continue
				}
				w.logger.Error("Triggered rescan failed", "error", err)
			}
		}
	}
}
