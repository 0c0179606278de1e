package sync

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
)

// trashLocal moves the item at rel into the run's local trash folder,
// <root>/.sync_trash/<run stamp>/<rel>. A missing item is not an error.
// Name collisions inside the trash get a numeric suffix.
func (e *Executor) trashLocal(rel string) error {
	src := e.abs(rel)

	if _, err := os.Lstat(src); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	dest := filepath.Join(e.root, TrashDirName, e.trashStamp, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(dest), dirPermissions); err != nil {
		return fmt.Errorf("sync: preparing trash for %s: %w", rel, err)
	}

	dest = freeName(dest)

	if err := os.Rename(src, dest); err != nil {
		return fmt.Errorf("sync: trashing %s: %w", rel, err)
	}

	e.logger.Info("moved to local trash", slog.String("path", rel), slog.String("trash_path", dest))

	return nil
}

// freeName returns p, or p with " 2", " 3", ... inserted before the
// extension when p already exists.
func freeName(p string) string {
	if _, err := os.Lstat(p); errors.Is(err, os.ErrNotExist) {
		return p
	}

	dir := filepath.Dir(p)
	stem, ext := conflictStemExt(filepath.Base(p))

	for i := 2; ; i++ {
		candidate := filepath.Join(dir, stem+" "+strconv.Itoa(i)+ext)
		if _, err := os.Lstat(candidate); errors.Is(err, os.ErrNotExist) {
			return candidate
		}
	}
}
