package sync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/tonimelisma/drivesync/internal/remote"
)

// executeUpload sends a local file to the remote side. When both sides
// hold a file nobody has synced yet, identical content is adopted without
// transfer.
func (e *Executor) executeUpload(ctx context.Context, a *Action) Outcome {
	if a.Prior == nil && a.Remote != nil {
		same, err := e.sameContent(ctx, a)
		if err != nil {
			return e.failedOutcome(a, err)
		}

		if same {
			return e.adoptFile(a)
		}
	}

	p, err := e.push(ctx, a.Path)
	if err != nil {
		return e.failedOutcome(a, err)
	}

	e.retireReplaced(ctx, a, p.item.ID)

	e.logger.Debug("upload complete", slog.String("path", a.Path), slog.Int64("size", p.size))

	o := e.successOutcome(a)
	o.Upserts = []RecordUpdate{{Record: p.record(a.Path), PriorRemoteID: priorRemoteID(a)}}

	return o
}

// executeDownload writes a remote file into place through a hidden
// partial file and an atomic rename. A vanished remote item retires the
// record instead of failing.
func (e *Executor) executeDownload(ctx context.Context, a *Action) Outcome {
	if a.Remote == nil {
		return e.failedOutcome(a, fmt.Errorf("sync: download %s: no remote item", a.Path))
	}

	if a.Prior == nil && a.Local != nil {
		same, err := e.sameContent(ctx, a)
		if err != nil {
			return e.failedOutcome(a, err)
		}

		if same {
			return e.adoptFile(a)
		}
	}

	absPath := e.abs(a.Path)

	discard, err := e.checkDownloadTarget(a, absPath)
	if err != nil {
		return e.failedOutcome(a, err)
	}

	partial, fingerprint, err := e.fetchPartial(ctx, a.Remote, absPath)
	if errors.Is(err, remote.ErrNotFound) {
		e.logger.Info("remote item vanished before download",
			slog.String("path", a.Path),
			slog.String("remote_id", a.Remote.ID),
		)

		o := e.successOutcome(a)
		o.Action = ActionTombstone
		o.Tombstones = priorIDs(a)

		return o
	}

	if err != nil {
		return e.failedOutcome(a, err)
	}

	if discard {
		if err := e.trashLocal(a.Path); err != nil {
			os.Remove(partial)
			return e.failedOutcome(a, err)
		}
	}

	info, err := commitPartial(partial, absPath)
	if err != nil {
		return e.failedOutcome(a, fmt.Errorf("sync: placing %s: %w", a.Path, err))
	}

	e.logger.Debug("download complete", slog.String("path", a.Path), slog.Int64("size", info.Size()))

	parentID := a.Remote.ParentID
	if id, ok := e.folders.lookup(parentPath(a.Path)); ok {
		parentID = id
	}

	o := e.successOutcome(a)
	o.Upserts = []RecordUpdate{{
		Record: Record{
			LocalPath:      a.Path,
			RemoteID:       a.Remote.ID,
			RemoteParentID: parentID,
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

	return o
}

// checkDownloadTarget verifies the local file the download will replace
// is still what the scan saw. It reports whether the existing file holds
// changes the policy discards, which go to the local trash first.
func (e *Executor) checkDownloadTarget(a *Action, absPath string) (bool, error) {
	info, err := os.Lstat(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("sync: stat %s: %w", a.Path, err)
	}

	if info.IsDir() {
		return false, fmt.Errorf("%w: %s is a directory", errStale, a.Path)
	}

	if a.Reason == reasonDiscardLocal {
		return true, nil
	}

	if a.Local == nil {
		return false, fmt.Errorf("%w: %s appeared locally", errStale, a.Path)
	}

	unchanged, err := matchesEntry(absPath, info, a.Local)
	if err != nil {
		return false, err
	}

	if !unchanged {
		return false, fmt.Errorf("%w: %s modified locally", errStale, a.Path)
	}

	return false, nil
}

// matchesEntry reports whether the file at absPath still holds the
// content recorded in le. Size and mtime equality short-circuits hashing.
func matchesEntry(absPath string, info os.FileInfo, le *LocalEntry) (bool, error) {
	if info.Size() == le.Size && info.ModTime().UnixNano() == le.Mtime {
		return true, nil
	}

	fp, err := HashFile(absPath)
	if err != nil {
		return false, fmt.Errorf("sync: hashing %s: %w", absPath, err)
	}

	return fp == le.Fingerprint, nil
}

// fetchPartial downloads re into a hidden partial file next to absPath,
// hashing it on the way, and stamps it with the remote modification time.
func (e *Executor) fetchPartial(ctx context.Context, re *RemoteEntry, absPath string) (string, string, error) {
	dir := filepath.Dir(absPath)
	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return "", "", fmt.Errorf("sync: creating %s: %w", dir, err)
	}

	f, err := os.CreateTemp(dir, "."+filepath.Base(absPath)+".*.partial")
	if err != nil {
		return "", "", fmt.Errorf("sync: creating partial for %s: %w", absPath, err)
	}

	partial := f.Name()
	hw := newHashingWriter(f)

	dlErr := e.drive.Download(ctx, re.ID, e.limiter.writer(ctx, hw))
	closeErr := f.Close()

	if dlErr == nil {
		dlErr = closeErr
	}

	if dlErr != nil {
		os.Remove(partial)
		return "", "", fmt.Errorf("sync: downloading %s: %w", re.Path, dlErr)
	}

	if err := os.Chmod(partial, filePermissions); err != nil {
		e.logger.Warn("failed to set permissions on partial", slog.String("path", partial), slog.String("error", err.Error()))
	}

	if re.Mtime != 0 {
		mtime := time.Unix(0, re.Mtime)
		if err := os.Chtimes(partial, mtime, mtime); err != nil {
			e.logger.Warn("failed to set mtime on partial", slog.String("path", partial), slog.String("error", err.Error()))
		}
	}

	return partial, hw.hex(), nil
}

func commitPartial(partial, absPath string) (os.FileInfo, error) {
	if err := os.Rename(partial, absPath); err != nil {
		os.Remove(partial)
		return nil, err
	}

	return os.Stat(absPath)
}

// pushed describes a completed upload.
type pushed struct {
	item        remote.Item
	parentID    string
	fingerprint string
	size        int64
	localMtime  int64
}

func (p *pushed) record(rel string) Record {
	return Record{
		LocalPath:      rel,
		RemoteID:       p.item.ID,
		RemoteParentID: p.parentID,
		Fingerprint:    p.fingerprint,
		RemoteRevision: revisionOf(&p.item),
		LocalMtime:     p.localMtime,
		RemoteMtime:    unixNano(p.item.ModTime),
		Size:           p.size,
		Kind:           KindFile,
		Status:         StatusActive,
	}
}

// push uploads the local file at rel into its remote parent folder,
// creating missing folders on the way.
func (e *Executor) push(ctx context.Context, rel string) (*pushed, error) {
	f, err := os.Open(e.abs(rel))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s vanished locally", errStale, rel)
	}

	if err != nil {
		return nil, fmt.Errorf("sync: opening %s: %w", rel, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("sync: stat %s: %w", rel, err)
	}

	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", errStale, rel)
	}

	parentID, err := e.folders.ensure(ctx, e.drive, parentPath(rel))
	if err != nil {
		return nil, err
	}

	h := sha256.New()
	r := io.TeeReader(e.limiter.reader(ctx, f), h)

	item, err := e.drive.Upload(ctx, parentID, path.Base(rel), r, info.Size())
	if err != nil {
		return nil, fmt.Errorf("sync: uploading %s: %w", rel, err)
	}

	return &pushed{
		item:        item,
		parentID:    parentID,
		fingerprint: hex.EncodeToString(h.Sum(nil)),
		size:        info.Size(),
		localMtime:  info.ModTime().UnixNano(),
	}, nil
}

// retireReplaced recycles the remote items an upload superseded. The
// drive mints a new item per upload, so the old one would otherwise
// linger as a same-name sibling.
func (e *Executor) retireReplaced(ctx context.Context, a *Action, newID string) {
	seen := map[string]bool{newID: true, "": true}

	var ids []string

	for _, id := range []string{priorRemoteID(a), remoteID(a.Remote)} {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}

	for _, id := range ids {
		err := e.drive.Delete(ctx, id, remote.DeleteRecycle)
		if err != nil && !errors.Is(err, remote.ErrNotFound) {
			e.logger.Warn("failed to recycle replaced remote item",
				slog.String("path", a.Path),
				slog.String("remote_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
}

func remoteID(re *RemoteEntry) string {
	if re == nil {
		return ""
	}

	return re.ID
}

// sameContent downloads the remote file into a hash when both sides hold a
// file of equal size, and compares it with the local fingerprint.
func (e *Executor) sameContent(ctx context.Context, a *Action) (bool, error) {
	le, re := a.Local, a.Remote
	if le == nil || re == nil || le.Kind != KindFile || re.Kind != KindFile ||
		le.Fingerprint == "" || le.Size != re.Size {
		return false, nil
	}

	hw := newHashingWriter(io.Discard)
	if err := e.drive.Download(ctx, re.ID, e.limiter.writer(ctx, hw)); err != nil {
		return false, fmt.Errorf("sync: comparing %s: %w", a.Path, err)
	}

	return hw.hex() == le.Fingerprint, nil
}

func (e *Executor) adoptFile(a *Action) Outcome {
	e.logger.Debug("identical on both sides, adopting", slog.String("path", a.Path))

	o := e.successOutcome(a)
	o.Adopted = true
	o.Upserts = []RecordUpdate{{Record: fileRecord(a.Path, a.Local, a.Remote), PriorRemoteID: priorRemoteID(a)}}

	return o
}
