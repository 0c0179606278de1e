package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tonimelisma/drivesync/internal/remote"
)

// executeConflict keeps both versions of a file changed on both sides.
// The canonical side keeps the original name; the other version becomes a
// timestamped conflict copy that exists on both sides. Identical content
// is adopted instead.
func (e *Executor) executeConflict(ctx context.Context, a *Action) Outcome {
	if a.Local == nil || a.Remote == nil {
		return e.failedOutcome(a, fmt.Errorf("sync: conflict %s: both sides required", a.Path))
	}

	same, err := e.sameContent(ctx, a)
	if err != nil {
		return e.failedOutcome(a, err)
	}

	if same {
		return e.adoptFile(a)
	}

	absPath := e.abs(a.Path)

	info, err := os.Lstat(absPath)
	if err != nil {
		return e.failedOutcome(a, fmt.Errorf("%w: %s: %w", errStale, a.Path, err))
	}

	unchanged, err := matchesEntry(absPath, info, a.Local)
	if err != nil {
		return e.failedOutcome(a, err)
	}

	if !unchanged {
		return e.failedOutcome(a, fmt.Errorf("%w: %s modified locally", errStale, a.Path))
	}

	copyRel := e.conflictCopyRel(a.Path)

	if a.Canonical == SideLocal {
		return e.conflictKeepLocal(ctx, a, copyRel)
	}

	return e.conflictKeepRemote(ctx, a, copyRel)
}

// conflictKeepRemote renames the local version to the conflict copy,
// downloads the remote version into place, and uploads the copy.
func (e *Executor) conflictKeepRemote(ctx context.Context, a *Action, copyRel string) Outcome {
	absPath := e.abs(a.Path)

	partial, fingerprint, err := e.fetchPartial(ctx, a.Remote, absPath)
	if errors.Is(err, remote.ErrNotFound) {
		return e.failedOutcome(a, fmt.Errorf("%w: %s vanished remotely", errStale, a.Path))
	}

	if err != nil {
		return e.failedOutcome(a, err)
	}

	if err := os.Rename(absPath, e.abs(copyRel)); err != nil {
		os.Remove(partial)
		return e.failedOutcome(a, fmt.Errorf("sync: renaming %s to conflict copy: %w", a.Path, err))
	}

	info, err := commitPartial(partial, absPath)
	if err != nil {
		return e.failedOutcome(a, fmt.Errorf("sync: placing %s: %w", a.Path, err))
	}

	o := e.successOutcome(a)
	o.Upserts = []RecordUpdate{{
		Record: Record{
			LocalPath:      a.Path,
			RemoteID:       a.Remote.ID,
			RemoteParentID: a.Remote.ParentID,
			Fingerprint:    fingerprint,
			RemoteRevision: a.Remote.Revision,
			LocalMtime:     info.ModTime().UnixNano(),
			RemoteMtime:    a.Remote.Mtime,
			Size:           info.Size(),
			Kind:           KindFile,
			Status:         StatusActive,
		},
		PriorRemoteID: priorRemoteID(a),
	}}

	// An unsent copy is picked up as a new local file by the next run.
	if p, err := e.push(ctx, copyRel); err != nil {
		e.logger.Warn("failed to upload conflict copy", slog.String("path", copyRel), slog.String("error", err.Error()))
	} else {
		o.Upserts = append(o.Upserts, RecordUpdate{Record: p.record(copyRel)})
	}

	o.Conflict = e.conflictEntry(a, copyRel)
	e.logConflict(a, copyRel)

	return o
}

// conflictKeepLocal downloads the remote version as the conflict copy,
// uploads the local version under the original name, and renames the old
// remote item to the conflict name.
func (e *Executor) conflictKeepLocal(ctx context.Context, a *Action, copyRel string) Outcome {
	copyAbs := e.abs(copyRel)

	partial, fingerprint, err := e.fetchPartial(ctx, a.Remote, copyAbs)
	if errors.Is(err, remote.ErrNotFound) {
		return e.failedOutcome(a, fmt.Errorf("%w: %s vanished remotely", errStale, a.Path))
	}

	if err != nil {
		return e.failedOutcome(a, err)
	}

	copyInfo, err := commitPartial(partial, copyAbs)
	if err != nil {
		return e.failedOutcome(a, fmt.Errorf("sync: placing conflict copy %s: %w", copyRel, err))
	}

	p, err := e.push(ctx, a.Path)
	if err != nil {
		os.Remove(copyAbs)
		return e.failedOutcome(a, err)
	}

	o := e.successOutcome(a)
	o.Upserts = []RecordUpdate{{Record: p.record(a.Path), PriorRemoteID: priorRemoteID(a)}}

	if err := e.drive.Rename(ctx, a.Remote.ID, path.Base(copyRel)); err != nil {
		// The old item stays as an older same-name sibling; the local copy
		// is uploaded as a new file by the next run.
		e.logger.Warn("failed to rename remote conflict copy", slog.String("path", a.Path), slog.String("error", err.Error()))
	} else {
		copyRec := Record{
			LocalPath:      copyRel,
			RemoteID:       a.Remote.ID,
			RemoteParentID: p.parentID,
			Fingerprint:    fingerprint,
			RemoteRevision: a.Remote.Revision,
			LocalMtime:     copyInfo.ModTime().UnixNano(),
			RemoteMtime:    a.Remote.Mtime,
			Size:           copyInfo.Size(),
			Kind:           KindFile,
			Status:         StatusActive,
		}

		if item, err := e.drive.GetMetadata(ctx, a.Remote.ID); err == nil {
			copyRec.RemoteRevision = revisionOf(&item)
			copyRec.RemoteMtime = unixNano(item.ModTime)
		}

		o.Upserts = append(o.Upserts, RecordUpdate{Record: copyRec})
	}

	o.Conflict = e.conflictEntry(a, copyRel)
	e.logConflict(a, copyRel)

	return o
}

func (e *Executor) conflictEntry(a *Action, copyRel string) *ConflictEntry {
	return &ConflictEntry{
		ID:             uuid.NewString(),
		RunID:          e.runID,
		Path:           a.Path,
		ConflictPath:   copyRel,
		Canonical:      a.Canonical,
		LocalHash:      a.Local.Fingerprint,
		RemoteRevision: a.Remote.Revision,
		LocalMtime:     a.Local.Mtime,
		RemoteMtime:    a.Remote.Mtime,
		DetectedAt:     e.nowFunc().UnixNano(),
	}
}

func (e *Executor) logConflict(a *Action, copyRel string) {
	e.logger.Info("conflict resolved, both versions kept",
		slog.String("path", a.Path),
		slog.String("conflict_path", copyRel),
		slog.String("canonical", string(a.Canonical)),
	)
}

// conflictCopyRel returns a free conflict-copy path next to rel, checked
// against both the local tree and known remote folders.
func (e *Executor) conflictCopyRel(rel string) string {
	base := conflictCopyPath(rel, e.nowFunc())

	candidate := base
	for i := 2; ; i++ {
		_, localErr := os.Lstat(e.abs(candidate))
		_, remoteDir := e.folders.lookup(candidate)

		if errors.Is(localErr, os.ErrNotExist) && !remoteDir {
			return candidate
		}

		stem, ext := conflictStemExt(path.Base(base))
		candidate = path.Join(parentPath(base), stem+"-"+strconv.Itoa(i)+ext)
	}
}

// conflictCopyPath generates a timestamped conflict copy path.
// "file.txt" -> "file.conflict-20260101-120000.txt"
// ".bashrc"  -> ".bashrc.conflict-20260101-120000" (dotfile: no separate ext)
func conflictCopyPath(rel string, now time.Time) string {
	stem, ext := conflictStemExt(path.Base(rel))
	name := fmt.Sprintf("%s.conflict-%s%s", stem, now.Format("20060102-150405"), ext)

	return path.Join(parentPath(rel), name)
}

// conflictStemExt splits a filename into stem and extension. A dotfile
// with no other dot is all stem.
func conflictStemExt(name string) (string, string) {
	if name != "" && name[0] == '.' && strings.Count(name, ".") == 1 {
		return name, ""
	}

	ext := filepath.Ext(name)

	return name[:len(name)-len(ext)], ext
}
