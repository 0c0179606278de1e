package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/tonimelisma/drivesync/internal/remote"
)

// executeLocalDelete trashes (or, when Hard, removes) a local item. A file
// modified since the scan is left alone. An item that is already gone
// counts as deleted.
func (e *Executor) executeLocalDelete(_ context.Context, a *Action) Outcome {
	absPath := e.abs(a.Path)

	info, err := os.Lstat(absPath)
	if errors.Is(err, os.ErrNotExist) {
		e.logger.Debug("local delete: already absent", slog.String("path", a.Path))
		return e.deleteOutcome(a)
	}

	if err != nil {
		return e.failedOutcome(a, fmt.Errorf("sync: stat %s: %w", a.Path, err))
	}

	if info.IsDir() != (a.Kind == KindDir) {
		return e.failedOutcome(a, fmt.Errorf("%w: %s changed kind", errStale, a.Path))
	}

	if !info.IsDir() && a.Local != nil {
		unchanged, err := matchesEntry(absPath, info, a.Local)
		if err != nil {
			return e.failedOutcome(a, err)
		}

		if !unchanged {
			return e.failedOutcome(a, fmt.Errorf("%w: %s modified locally", errStale, a.Path))
		}
	}

	switch {
	case !a.Hard:
		err = e.trashLocal(a.Path)
	case info.IsDir() && a.Subtree:
		err = os.RemoveAll(absPath)
	default:
		// A plain directory delete only succeeds on an empty directory.
		err = os.Remove(absPath)
	}

	if err != nil {
		return e.failedOutcome(a, fmt.Errorf("sync: deleting %s: %w", a.Path, err))
	}

	e.logger.Debug("deleted local item", slog.String("path", a.Path), slog.Bool("hard", a.Hard))

	return e.deleteOutcome(a)
}

// executeRemoteDelete recycles (or, when Hard, permanently deletes) a
// remote item. Files whose revision moved since the scan are left alone,
// as are cleanup folders that gained children. Not found counts as deleted.
func (e *Executor) executeRemoteDelete(ctx context.Context, a *Action) Outcome {
	id := remoteID(a.Remote)
	if id == "" {
		id = priorRemoteID(a)
	}

	if id == "" {
		return e.failedOutcome(a, fmt.Errorf("sync: delete %s: no remote item", a.Path))
	}

	if err := e.verifyRemoteUnchanged(ctx, a, id); err != nil {
		if errors.Is(err, remote.ErrNotFound) {
			return e.deleteOutcome(a)
		}

		return e.failedOutcome(a, err)
	}

	mode := remote.DeleteRecycle
	if a.Hard {
		mode = remote.DeleteHard
	}

	err := e.drive.Delete(ctx, id, mode)
	if err != nil && !errors.Is(err, remote.ErrNotFound) {
		return e.failedOutcome(a, fmt.Errorf("sync: deleting remote %s: %w", a.Path, err))
	}

	if a.Kind == KindDir {
		e.folders.removeSubtree(a.Path)
	}

	e.logger.Debug("deleted remote item", slog.String("path", a.Path), slog.String("mode", string(mode)))

	return e.deleteOutcome(a)
}

func (e *Executor) verifyRemoteUnchanged(ctx context.Context, a *Action, id string) error {
	if a.Kind == KindDir {
		if a.Type != ActionCleanupRemoteDir || a.Subtree {
			return nil
		}

		children, err := e.drive.ListChildren(ctx, id)
		if err != nil {
			return fmt.Errorf("sync: listing %s: %w", a.Path, err)
		}

		if len(children) > 0 {
			return fmt.Errorf("%w: %s is no longer empty", errStale, a.Path)
		}

		return nil
	}

	if a.Remote == nil {
		return nil
	}

	item, err := e.drive.GetMetadata(ctx, id)
	if err != nil {
		return fmt.Errorf("sync: checking %s: %w", a.Path, err)
	}

	if revisionOf(&item) != a.Remote.Revision {
		return fmt.Errorf("%w: %s modified remotely", errStale, a.Path)
	}

	return nil
}

func (e *Executor) deleteOutcome(a *Action) Outcome {
	o := e.successOutcome(a)
	o.Tombstones = priorIDs(a)

	if a.Subtree && a.Prior != nil {
		o.TombstoneSubtree = recordPath(a)
	}

	return o
}

// executeLocalMove renames a local item from OldPath to Path.
func (e *Executor) executeLocalMove(a *Action) Outcome {
	src, dst := e.abs(a.OldPath), e.abs(a.Path)

	if _, err := os.Lstat(src); err != nil {
		return e.failedOutcome(a, fmt.Errorf("%w: %s: %w", errStale, a.OldPath, err))
	}

	if _, err := os.Lstat(dst); err == nil {
		return e.failedOutcome(a, fmt.Errorf("%w: %s already exists", errStale, a.Path))
	}

	if err := os.MkdirAll(filepath.Dir(dst), dirPermissions); err != nil {
		return e.failedOutcome(a, fmt.Errorf("sync: creating parent of %s: %w", a.Path, err))
	}

	if err := os.Rename(src, dst); err != nil {
		return e.failedOutcome(a, fmt.Errorf("sync: moving %s to %s: %w", a.OldPath, a.Path, err))
	}

	e.logger.Debug("moved local item", slog.String("from", a.OldPath), slog.String("to", a.Path))

	rec := e.movedRecord(a)
	if a.Remote != nil {
		rec.RemoteParentID = a.Remote.ParentID
	}

	return e.moveOutcome(a, rec)
}

// executeRemoteMove moves and/or renames a remote item from OldPath to
// Path. A file whose revision moved since the scan is left alone.
func (e *Executor) executeRemoteMove(ctx context.Context, a *Action) Outcome {
	if a.Remote == nil {
		return e.failedOutcome(a, fmt.Errorf("sync: move %s: no remote item", a.Path))
	}

	id := a.Remote.ID

	if err := e.verifyRemoteUnchanged(ctx, a, id); err != nil {
		return e.failedOutcome(a, err)
	}

	newParentID, err := e.folders.ensure(ctx, e.drive, parentPath(a.Path))
	if err != nil {
		return e.failedOutcome(a, err)
	}

	if newParentID != a.Remote.ParentID {
		if err := e.drive.Move(ctx, id, newParentID); err != nil {
			return e.failedOutcome(a, fmt.Errorf("sync: moving remote %s: %w", a.OldPath, err))
		}
	}

	if newName := path.Base(a.Path); newName != path.Base(a.OldPath) {
		if err := e.drive.Rename(ctx, id, newName); err != nil {
			return e.failedOutcome(a, fmt.Errorf("sync: renaming remote %s: %w", a.OldPath, err))
		}
	}

	if a.Kind == KindDir {
		e.folders.rebase(a.OldPath, a.Path)
		e.folders.set(a.Path, id)
	}

	e.logger.Debug("moved remote item", slog.String("from", a.OldPath), slog.String("to", a.Path))

	rec := e.movedRecord(a)
	rec.RemoteParentID = newParentID

	if a.Kind == KindFile {
		item, err := e.drive.GetMetadata(ctx, id)
		if err != nil {
			e.logger.Warn("failed to refresh moved item", slog.String("path", a.Path), slog.String("error", err.Error()))
		} else {
			rec.RemoteRevision = revisionOf(&item)
			rec.RemoteMtime = unixNano(item.ModTime)
		}
	}

	return e.moveOutcome(a, rec)
}

// movedRecord is the prior record relocated to the action's path.
func (e *Executor) movedRecord(a *Action) Record {
	var rec Record
	if a.Prior != nil {
		rec = *a.Prior
	} else {
		rec = Record{Kind: a.Kind}
	}

	rec.LocalPath = a.Path
	rec.Status = StatusActive

	if a.Remote != nil {
		rec.RemoteID = a.Remote.ID
	}

	return rec
}

func (e *Executor) moveOutcome(a *Action, rec Record) Outcome {
	o := e.successOutcome(a)
	o.Upserts = []RecordUpdate{{Record: rec, PriorRemoteID: priorRemoteID(a)}}

	if from := recordPath(a); a.Kind == KindDir && from != a.Path {
		o.Rebase = &PathRebase{From: from, To: a.Path}
	}

	return o
}
