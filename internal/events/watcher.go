package events

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	gosync "github.com/tonimelisma/drivesync/internal/sync"
)

// Watcher error backoff bounds.
const (
	watchErrInitBackoff = time.Second
	watchErrMaxBackoff  = time.Minute
)

// Watcher feeds local filesystem activity under a root into a Trigger,
// keyed by the relative path that changed.
type Watcher struct {
	root    string
	filter  *gosync.Filter
	trigger Trigger
	logger  *slog.Logger

	fs *fsnotify.Watcher
}

// NewWatcher registers watches on root and every non-excluded directory
// below it.
func NewWatcher(root string, filter *gosync.Filter, trigger Trigger, logger *slog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("events: creating filesystem watcher: %w", err)
	}

	w := &Watcher{root: root, filter: filter, trigger: trigger, logger: logger, fs: fw}

	if err := w.addTree(root); err != nil {
		fw.Close()
		return nil, err
	}

	return w, nil
}

// addTree watches dir and every directory below it that the filter keeps.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == dir {
				return fmt.Errorf("events: walking %s: %w", p, err)
			}

			w.logger.Warn("watch: skipping unreadable directory", slog.String("path", p), slog.String("error", err.Error()))

			return filepath.SkipDir
		}

		if !d.IsDir() {
			return nil
		}

		if p != w.root {
			if rel, ok := w.rel(p); !ok || w.filter.Excluded(rel, true) {
				return filepath.SkipDir
			}
		}

		if err := w.fs.Add(p); err != nil {
			return fmt.Errorf("events: watching %s: %w", p, err)
		}

		return nil
	})
}

func (w *Watcher) rel(p string) (string, bool) {
	rel, err := filepath.Rel(w.root, p)
	if err != nil || rel == "." {
		return "", false
	}

	return filepath.ToSlash(rel), true
}

// Run processes filesystem events until ctx is canceled or the watcher
// closes.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fs.Close()

	backoff := watchErrInitBackoff

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}

			w.handle(ev)
			backoff = watchErrInitBackoff

		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}

			w.logger.Warn("filesystem watcher error",
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff),
			)

			// An overflow means events were lost; a run rescans everything.
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				w.trigger.Add("overflow")
			}

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}

			backoff = min(backoff*2, watchErrMaxBackoff)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}

	rel, ok := w.rel(ev.Name)
	if !ok {
		return
	}

	isDir := false
	if ev.Has(fsnotify.Create) {
		if info, err := os.Lstat(ev.Name); err == nil && info.IsDir() {
			isDir = true
		}
	}

	if w.filter.Excluded(rel, isDir) {
		return
	}

	if isDir {
		if err := w.addTree(ev.Name); err != nil {
			w.logger.Warn("watch: adding new directory failed", slog.String("path", rel), slog.String("error", err.Error()))
		}
	}

	w.logger.Debug("local change observed", slog.String("path", rel), slog.String("op", ev.Op.String()))
	w.trigger.Add(rel)
}
