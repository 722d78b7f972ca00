package filesync

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// ChangeWatcher monitors the local root and raises the needs-sync flag
// in the config store whenever something under it changes.
type ChangeWatcher struct {
	root   string
	store  ConfigStore
	snap   *Snapshotter
	logger *slog.Logger
}

// NewChangeWatcher creates a watcher for root. Paths the snapshotter
// excludes are ignored.
func NewChangeWatcher(root string, store ConfigStore, snap *Snapshotter, logger *slog.Logger) *ChangeWatcher {
	return &ChangeWatcher{
		root:   root,
		store:  store,
		snap:   snap,
		logger: logger,
	}
}

// Watch blocks until the context is cancelled. Directories are watched
// recursively, including ones created after the watch starts.
func (w *ChangeWatcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := w.addRecursive(watcher, w.root); err != nil {
		return fmt.Errorf("adding %s to watcher: %w", w.root, err)
	}

	w.logger.Info("watching for changes", slog.String("root", w.root))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed")
			}

			w.handleEvent(watcher, event)

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed")
			}
			// Non-fatal (e.g. too many watches); the next full session
			// still picks the change up through the snapshot.
			w.logger.Warn("watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *ChangeWatcher) handleEvent(watcher *fsnotify.Watcher, event fsnotify.Event) {
	if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}

	if w.snap.excluded(w.root, event.Name) {
		return
	}

	if event.Has(fsnotify.Create) {
		// Lstat so a symlink to a directory outside the root is not
		// followed.
		if info, err := os.Lstat(event.Name); err == nil && info.IsDir() {
			if err := w.addRecursive(watcher, event.Name); err != nil {
				w.logger.Warn("watching new directory", slog.String("path", event.Name), slog.String("error", err.Error()))
			}
		}
	}

	if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		_ = watcher.Remove(event.Name)
	}

	if NeedsSync(w.store) {
		return
	}

	if err := SetNeedsSync(w.store, true); err != nil {
		w.logger.Warn("failed to set needs-sync flag", slog.String("error", err.Error()))
		return
	}

	w.logger.Debug("change detected", slog.String("path", event.Name), slog.String("op", event.Op.String()))
}

func (w *ChangeWatcher) addRecursive(watcher *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.IsDir() {
			return nil
		}

		if path != w.root && w.snap.excluded(w.root, path) {
			return filepath.SkipDir
		}

		return watcher.Add(path)
	})
}
