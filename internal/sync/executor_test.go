package sync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/drivesync/internal/remote"
	"github.com/tonimelisma/drivesync/internal/remote/memdrive"
)

var conflictTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type execFixture struct {
	exec  *Executor
	drive *memdrive.Drive
	root  string
	snap  *RemoteSnapshot
}

// newExecFixture scans d as it is now and builds an executor over a fresh
// local root.
func newExecFixture(t *testing.T, d *memdrive.Drive) *execFixture {
	t.Helper()

	root := t.TempDir()

	snap, err := NewRemoteScanner(d, newTestFilterFor(t, root), 2, testLogger(t)).Scan(context.Background())
	require.NoError(t, err)

	exec := NewExecutor(ExecutorConfig{
		LocalRoot: root,
		Drive:     d,
		RunID:     "run-1",
		Logger:    testLogger(t),
	}, snap)
	exec.nowFunc = func() time.Time { return conflictTime }

	return &execFixture{exec: exec, drive: d, root: root, snap: snap}
}

func (f *execFixture) remoteEntry(t *testing.T, p string) *RemoteEntry {
	t.Helper()

	re := f.snap.ByPath[p]
	require.NotNil(t, re, "no remote entry at %s", p)

	return re
}

func (f *execFixture) localEntry(t *testing.T, rel string) *LocalEntry {
	t.Helper()

	abs := filepath.Join(f.root, filepath.FromSlash(rel))

	info, err := os.Stat(abs)
	require.NoError(t, err)

	fp, err := HashFile(abs)
	require.NoError(t, err)

	return &LocalEntry{Path: rel, Kind: KindFile, Fingerprint: fp, Size: info.Size(), Mtime: info.ModTime().UnixNano()}
}

func (f *execFixture) execute(a Action) Outcome {
	return f.exec.Execute(context.Background(), &a)
}

func content(t *testing.T, d *memdrive.Drive, p string) string {
	t.Helper()

	b, ok := d.Content(p)
	require.True(t, ok, "no remote item at %s", p)

	return string(b)
}

func TestExecutor_UploadNewFile(t *testing.T) {
	t.Parallel()

	f := newExecFixture(t, memdrive.New())
	writeLocal(t, f.root, "docs/a.txt", "alpha")

	o := f.execute(Action{Type: ActionUpload, Path: "docs/a.txt", Local: f.localEntry(t, "docs/a.txt")})
	require.True(t, o.Success, "err: %v", o.Err)

	assert.Equal(t, "alpha", content(t, f.drive, "docs/a.txt"))

	folder, ok := f.drive.Lookup("docs")
	require.True(t, ok)

	item, ok := f.drive.Lookup("docs/a.txt")
	require.True(t, ok)

	require.Len(t, o.Upserts, 1)
	rec := o.Upserts[0].Record
	assert.Equal(t, "docs/a.txt", rec.LocalPath)
	assert.Equal(t, item.ID, rec.RemoteID)
	assert.Equal(t, folder.ID, rec.RemoteParentID)
	assert.Equal(t, sha("alpha"), rec.Fingerprint)
	assert.Equal(t, item.Revision, rec.RemoteRevision)
	assert.Equal(t, int64(5), rec.Size)
	assert.Empty(t, o.Upserts[0].PriorRemoteID)
}

func TestExecutor_UploadRecyclesReplacedItem(t *testing.T) {
	t.Parallel()

	d := memdrive.New()
	old := d.Put("a.txt", []byte("old"))

	f := newExecFixture(t, d)
	writeLocal(t, f.root, "a.txt", "new content")

	o := f.execute(Action{
		Type:   ActionUpload,
		Path:   "a.txt",
		Prior:  &Record{LocalPath: "a.txt", RemoteID: old.ID, Kind: KindFile},
		Local:  f.localEntry(t, "a.txt"),
		Remote: f.remoteEntry(t, "a.txt"),
	})
	require.True(t, o.Success, "err: %v", o.Err)

	item, ok := d.Lookup("a.txt")
	require.True(t, ok)
	assert.NotEqual(t, old.ID, item.ID, "every upload mints a new item")
	assert.True(t, d.Recycled(old.ID))
	assert.Equal(t, "new content", content(t, d, "a.txt"))
	assert.Equal(t, old.ID, o.Upserts[0].PriorRemoteID)
}

func TestExecutor_UploadVanishedIsStale(t *testing.T) {
	t.Parallel()

	f := newExecFixture(t, memdrive.New())

	o := f.execute(Action{Type: ActionUpload, Path: "gone.txt", Local: &LocalEntry{Path: "gone.txt"}})
	assert.False(t, o.Success)
	require.ErrorIs(t, o.Err, errStale)
	assert.False(t, o.Transient)
}

func TestExecutor_UploadAdoptsIdenticalContent(t *testing.T) {
	t.Parallel()

	d := memdrive.New()
	d.Put("a.txt", []byte("same"))

	f := newExecFixture(t, d)
	writeLocal(t, f.root, "a.txt", "same")

	o := f.execute(Action{Type: ActionUpload, Path: "a.txt", Local: f.localEntry(t, "a.txt"), Remote: f.remoteEntry(t, "a.txt")})
	require.True(t, o.Success, "err: %v", o.Err)
	assert.True(t, o.Adopted)
	assert.Zero(t, d.Calls("upload"))
}

func TestExecutor_UploadTransientFailure(t *testing.T) {
	t.Parallel()

	d := memdrive.New()
	d.Fail = func(op, _ string) error {
		if op == "upload" {
			return &remote.Error{Op: op, StatusCode: 503, Err: remote.ErrUnavailable}
		}

		return nil
	}

	f := newExecFixture(t, d)
	writeLocal(t, f.root, "a.txt", "alpha")

	o := f.execute(Action{Type: ActionUpload, Path: "a.txt", Local: f.localEntry(t, "a.txt")})
	assert.False(t, o.Success)
	assert.True(t, o.Transient)
}

func TestExecutor_DownloadNewFile(t *testing.T) {
	t.Parallel()

	d := memdrive.New()
	d.Put("docs/b.txt", []byte("bravo"))

	f := newExecFixture(t, d)
	re := f.remoteEntry(t, "docs/b.txt")

	o := f.execute(Action{Type: ActionDownload, Path: "docs/b.txt", Remote: re})
	require.True(t, o.Success, "err: %v", o.Err)

	assert.Equal(t, "bravo", readLocal(t, f.root, "docs/b.txt"))

	require.Len(t, o.Upserts, 1)
	rec := o.Upserts[0].Record
	assert.Equal(t, sha("bravo"), rec.Fingerprint)
	assert.Equal(t, re.ID, rec.RemoteID)
	assert.Equal(t, re.Revision, rec.RemoteRevision)
	assert.Equal(t, f.remoteEntry(t, "docs").ID, rec.RemoteParentID)

	partials, err := filepath.Glob(filepath.Join(f.root, "docs", ".*.partial"))
	require.NoError(t, err)
	assert.Empty(t, partials)

	info, err := os.Stat(filepath.Join(f.root, "docs", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, re.Mtime, info.ModTime().UnixNano(), "remote mtime is kept")
}

func TestExecutor_DownloadDiscardsLocalToTrash(t *testing.T) {
	t.Parallel()

	d := memdrive.New()
	it := d.Put("a.txt", []byte("remote"))

	f := newExecFixture(t, d)
	writeLocal(t, f.root, "a.txt", "local edit")

	o := f.execute(Action{
		Type:   ActionDownload,
		Path:   "a.txt",
		Reason: reasonDiscardLocal,
		Prior:  &Record{LocalPath: "a.txt", RemoteID: it.ID, Kind: KindFile},
		Local:  f.localEntry(t, "a.txt"),
		Remote: f.remoteEntry(t, "a.txt"),
	})
	require.True(t, o.Success, "err: %v", o.Err)

	assert.Equal(t, "remote", readLocal(t, f.root, "a.txt"))
	assert.Equal(t, "local edit", readLocal(t, f.root, TrashDirName+"/"+f.exec.trashStamp+"/a.txt"))
}

func TestExecutor_DownloadStaleWhenLocalChanged(t *testing.T) {
	t.Parallel()

	d := memdrive.New()
	it := d.Put("a.txt", []byte("remote"))

	f := newExecFixture(t, d)
	writeLocal(t, f.root, "a.txt", "v1")
	le := f.localEntry(t, "a.txt")
	writeLocal(t, f.root, "a.txt", "v2 is longer")

	o := f.execute(Action{
		Type:   ActionDownload,
		Path:   "a.txt",
		Prior:  &Record{LocalPath: "a.txt", RemoteID: it.ID, Kind: KindFile},
		Local:  le,
		Remote: f.remoteEntry(t, "a.txt"),
	})
	require.ErrorIs(t, o.Err, errStale)
	assert.Equal(t, "v2 is longer", readLocal(t, f.root, "a.txt"))
}

func TestExecutor_DownloadAppearedLocallyIsStale(t *testing.T) {
	t.Parallel()

	d := memdrive.New()
	d.Put("a.txt", []byte("remote"))

	f := newExecFixture(t, d)
	writeLocal(t, f.root, "a.txt", "surprise")

	o := f.execute(Action{Type: ActionDownload, Path: "a.txt", Prior: &Record{LocalPath: "a.txt"}, Remote: f.remoteEntry(t, "a.txt")})
	require.ErrorIs(t, o.Err, errStale)
}

func TestExecutor_DownloadVanishedRemoteTombstones(t *testing.T) {
	t.Parallel()

	d := memdrive.New()
	it := d.Put("a.txt", []byte("remote"))

	f := newExecFixture(t, d)
	re := f.remoteEntry(t, "a.txt")
	require.NoError(t, d.Delete(context.Background(), it.ID, remote.DeleteHard))

	o := f.execute(Action{Type: ActionDownload, Path: "a.txt", Prior: &Record{LocalPath: "a.txt", RemoteID: it.ID}, Remote: re})
	require.True(t, o.Success, "err: %v", o.Err)
	assert.Equal(t, ActionTombstone, o.Action)
	assert.Equal(t, []string{it.ID}, o.Tombstones)
	assert.False(t, localExists(f.root, "a.txt"))
}

func TestExecutor_LocalDelete(t *testing.T) {
	t.Parallel()

	t.Run("trash", func(t *testing.T) {
		t.Parallel()

		f := newExecFixture(t, memdrive.New())
		writeLocal(t, f.root, "a.txt", "alpha")

		o := f.execute(Action{
			Type: ActionDeleteLocal, Path: "a.txt", Kind: KindFile,
			Prior: &Record{LocalPath: "a.txt", RemoteID: "r1"},
			Local: f.localEntry(t, "a.txt"),
		})
		require.True(t, o.Success, "err: %v", o.Err)

		assert.False(t, localExists(f.root, "a.txt"))
		assert.Equal(t, "alpha", readLocal(t, f.root, TrashDirName+"/"+f.exec.trashStamp+"/a.txt"))
		assert.Equal(t, []string{"r1"}, o.Tombstones)
	})

	t.Run("hard subtree", func(t *testing.T) {
		t.Parallel()

		f := newExecFixture(t, memdrive.New())
		writeLocal(t, f.root, "docs/x.txt", "x")
		writeLocal(t, f.root, "docs/deep/y.txt", "y")

		o := f.execute(Action{
			Type: ActionDeleteLocal, Path: "docs", Kind: KindDir, Hard: true, Subtree: true,
			Prior: &Record{LocalPath: "docs", RemoteID: "d1", Kind: KindDir},
		})
		require.True(t, o.Success, "err: %v", o.Err)

		assert.False(t, localExists(f.root, "docs"))
		assert.False(t, localExists(f.root, TrashDirName))
		assert.Equal(t, "docs", o.TombstoneSubtree)
	})

	t.Run("modified since scan", func(t *testing.T) {
		t.Parallel()

		f := newExecFixture(t, memdrive.New())
		writeLocal(t, f.root, "a.txt", "v1")
		le := f.localEntry(t, "a.txt")
		writeLocal(t, f.root, "a.txt", "v2 is longer")

		o := f.execute(Action{Type: ActionDeleteLocal, Path: "a.txt", Kind: KindFile, Local: le})
		require.ErrorIs(t, o.Err, errStale)
		assert.True(t, localExists(f.root, "a.txt"))
	})

	t.Run("already gone", func(t *testing.T) {
		t.Parallel()

		f := newExecFixture(t, memdrive.New())

		o := f.execute(Action{Type: ActionDeleteLocal, Path: "a.txt", Prior: &Record{RemoteID: "r1"}})
		require.True(t, o.Success)
		assert.Equal(t, []string{"r1"}, o.Tombstones)
	})
}

func TestExecutor_RemoteDelete(t *testing.T) {
	t.Parallel()

	t.Run("recycle", func(t *testing.T) {
		t.Parallel()

		d := memdrive.New()
		it := d.Put("a.txt", []byte("alpha"))
		f := newExecFixture(t, d)

		o := f.execute(Action{Type: ActionDeleteRemote, Path: "a.txt", Prior: &Record{RemoteID: it.ID}, Remote: f.remoteEntry(t, "a.txt")})
		require.True(t, o.Success, "err: %v", o.Err)

		assert.True(t, d.Recycled(it.ID))
		_, ok := d.Lookup("a.txt")
		assert.False(t, ok)
		assert.Equal(t, []string{it.ID}, o.Tombstones)
	})

	t.Run("hard", func(t *testing.T) {
		t.Parallel()

		d := memdrive.New()
		it := d.Put("a.txt", []byte("alpha"))
		f := newExecFixture(t, d)

		o := f.execute(Action{Type: ActionDeleteRemote, Path: "a.txt", Hard: true, Remote: f.remoteEntry(t, "a.txt")})
		require.True(t, o.Success, "err: %v", o.Err)
		assert.False(t, d.Recycled(it.ID))
	})

	t.Run("modified remotely", func(t *testing.T) {
		t.Parallel()

		d := memdrive.New()
		it := d.Put("a.txt", []byte("alpha"))
		f := newExecFixture(t, d)
		d.Overwrite(it.ID, []byte("edited elsewhere"))

		o := f.execute(Action{Type: ActionDeleteRemote, Path: "a.txt", Remote: f.remoteEntry(t, "a.txt")})
		require.ErrorIs(t, o.Err, errStale)
		assert.Equal(t, "edited elsewhere", content(t, d, "a.txt"))
	})

	t.Run("already gone", func(t *testing.T) {
		t.Parallel()

		d := memdrive.New()
		it := d.Put("a.txt", []byte("alpha"))
		f := newExecFixture(t, d)
		require.NoError(t, d.Delete(context.Background(), it.ID, remote.DeleteHard))

		o := f.execute(Action{Type: ActionDeleteRemote, Path: "a.txt", Prior: &Record{RemoteID: it.ID}, Remote: f.remoteEntry(t, "a.txt")})
		require.True(t, o.Success, "err: %v", o.Err)
	})

	t.Run("cleanup of a folder that gained children", func(t *testing.T) {
		t.Parallel()

		d := memdrive.New()
		d.Mkdir("stale")
		f := newExecFixture(t, d)
		d.Put("stale/new.txt", []byte("n"))

		o := f.execute(Action{Type: ActionCleanupRemoteDir, Path: "stale", Kind: KindDir, Remote: f.remoteEntry(t, "stale")})
		require.ErrorIs(t, o.Err, errStale)

		_, ok := d.Lookup("stale/new.txt")
		assert.True(t, ok)
	})
}

func TestExecutor_LocalMove(t *testing.T) {
	t.Parallel()

	d := memdrive.New()
	d.Put("new/a.txt", []byte("alpha"))

	f := newExecFixture(t, d)
	writeLocal(t, f.root, "old/a.txt", "alpha")

	re := f.remoteEntry(t, "new/a.txt")
	prior := &Record{LocalPath: "old/a.txt", RemoteID: re.ID, Fingerprint: sha("alpha"), Kind: KindFile}

	o := f.execute(Action{Type: ActionMoveLocal, OldPath: "old/a.txt", Path: "new/a.txt", Kind: KindFile, Prior: prior, Remote: re})
	require.True(t, o.Success, "err: %v", o.Err)

	assert.Equal(t, "alpha", readLocal(t, f.root, "new/a.txt"))
	assert.False(t, localExists(f.root, "old/a.txt"))

	rec := o.Upserts[0].Record
	assert.Equal(t, "new/a.txt", rec.LocalPath)
	assert.Equal(t, re.ID, rec.RemoteID)
	assert.Equal(t, re.ParentID, rec.RemoteParentID)
	assert.Equal(t, sha("alpha"), rec.Fingerprint)
	assert.Nil(t, o.Rebase)
}

func TestExecutor_LocalMoveOntoExistingIsStale(t *testing.T) {
	t.Parallel()

	f := newExecFixture(t, memdrive.New())
	writeLocal(t, f.root, "a.txt", "a")
	writeLocal(t, f.root, "b.txt", "b")

	o := f.execute(Action{Type: ActionMoveLocal, OldPath: "a.txt", Path: "b.txt"})
	require.ErrorIs(t, o.Err, errStale)
	assert.Equal(t, "b", readLocal(t, f.root, "b.txt"))
}

func TestExecutor_RemoteMove(t *testing.T) {
	t.Parallel()

	d := memdrive.New()
	it := d.Put("a.txt", []byte("alpha"))
	archive := d.Mkdir("archive")

	f := newExecFixture(t, d)

	o := f.execute(Action{
		Type: ActionMoveRemote, OldPath: "a.txt", Path: "archive/b.txt", Kind: KindFile,
		Prior:  &Record{LocalPath: "a.txt", RemoteID: it.ID, Kind: KindFile},
		Remote: f.remoteEntry(t, "a.txt"),
	})
	require.True(t, o.Success, "err: %v", o.Err)

	moved, ok := d.Lookup("archive/b.txt")
	require.True(t, ok)
	assert.Equal(t, it.ID, moved.ID)

	_, ok = d.Lookup("a.txt")
	assert.False(t, ok)

	rec := o.Upserts[0].Record
	assert.Equal(t, "archive/b.txt", rec.LocalPath)
	assert.Equal(t, archive.ID, rec.RemoteParentID)
	assert.Equal(t, moved.Revision, rec.RemoteRevision)
}

func TestExecutor_RemoteDirMoveRebasesRecords(t *testing.T) {
	t.Parallel()

	d := memdrive.New()
	dir := d.Mkdir("old")
	d.Put("old/x.txt", []byte("x"))

	f := newExecFixture(t, d)

	o := f.execute(Action{
		Type: ActionMoveRemote, OldPath: "old", Path: "new", Kind: KindDir,
		Prior:  &Record{LocalPath: "old", RemoteID: dir.ID, Kind: KindDir},
		Remote: f.remoteEntry(t, "old"),
	})
	require.True(t, o.Success, "err: %v", o.Err)

	_, ok := d.Lookup("new/x.txt")
	assert.True(t, ok)
	assert.Equal(t, &PathRebase{From: "old", To: "new"}, o.Rebase)

	id, ok := f.exec.folders.lookup("new")
	require.True(t, ok)
	assert.Equal(t, dir.ID, id)

	_, ok = f.exec.folders.lookup("old")
	assert.False(t, ok)
}

func TestExecutor_ConflictKeepRemote(t *testing.T) {
	t.Parallel()

	d := memdrive.New()
	it := d.Put("a.txt", []byte("remote version"))

	f := newExecFixture(t, d)
	writeLocal(t, f.root, "a.txt", "local version")

	o := f.execute(Action{
		Type: ActionConflict, Path: "a.txt", Kind: KindFile, Canonical: SideRemote,
		Prior:  &Record{LocalPath: "a.txt", RemoteID: it.ID, Kind: KindFile},
		Local:  f.localEntry(t, "a.txt"),
		Remote: f.remoteEntry(t, "a.txt"),
	})
	require.True(t, o.Success, "err: %v", o.Err)

	copyRel := "a.conflict-20260301-120000.txt"

	assert.Equal(t, "remote version", readLocal(t, f.root, "a.txt"))
	assert.Equal(t, "local version", readLocal(t, f.root, copyRel))
	assert.Equal(t, "remote version", content(t, d, "a.txt"))
	assert.Equal(t, "local version", content(t, d, copyRel))

	require.NotNil(t, o.Conflict)
	assert.Equal(t, copyRel, o.Conflict.ConflictPath)
	assert.Equal(t, SideRemote, o.Conflict.Canonical)
	assert.Equal(t, "run-1", o.Conflict.RunID)
	require.Len(t, o.Upserts, 2)
	assert.Equal(t, copyRel, o.Upserts[1].Record.LocalPath)
}

func TestExecutor_ConflictKeepLocal(t *testing.T) {
	t.Parallel()

	d := memdrive.New()
	it := d.Put("a.txt", []byte("remote version"))

	f := newExecFixture(t, d)
	writeLocal(t, f.root, "a.txt", "local version")

	o := f.execute(Action{
		Type: ActionConflict, Path: "a.txt", Kind: KindFile, Canonical: SideLocal,
		Prior:  &Record{LocalPath: "a.txt", RemoteID: it.ID, Kind: KindFile},
		Local:  f.localEntry(t, "a.txt"),
		Remote: f.remoteEntry(t, "a.txt"),
	})
	require.True(t, o.Success, "err: %v", o.Err)

	copyRel := "a.conflict-20260301-120000.txt"

	assert.Equal(t, "local version", readLocal(t, f.root, "a.txt"))
	assert.Equal(t, "remote version", readLocal(t, f.root, copyRel))
	assert.Equal(t, "local version", content(t, d, "a.txt"))
	assert.Equal(t, "remote version", content(t, d, copyRel))

	copyItem, ok := d.Lookup(copyRel)
	require.True(t, ok)
	assert.Equal(t, it.ID, copyItem.ID, "the old remote item is renamed, not copied")

	require.Len(t, o.Upserts, 2)
	assert.Equal(t, it.ID, o.Upserts[0].PriorRemoteID)
	assert.Equal(t, it.ID, o.Upserts[1].Record.RemoteID)
}

func TestExecutor_ConflictIdenticalIsAdopted(t *testing.T) {
	t.Parallel()

	d := memdrive.New()
	d.Put("a.txt", []byte("same"))

	f := newExecFixture(t, d)
	writeLocal(t, f.root, "a.txt", "same")

	o := f.execute(Action{
		Type: ActionConflict, Path: "a.txt", Kind: KindFile,
		Local: f.localEntry(t, "a.txt"), Remote: f.remoteEntry(t, "a.txt"),
	})
	require.True(t, o.Success, "err: %v", o.Err)
	assert.True(t, o.Adopted)
	assert.Nil(t, o.Conflict)

	entries, err := os.ReadDir(f.root)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestExecutor_CreateRemoteDirNested(t *testing.T) {
	t.Parallel()

	d := memdrive.New()
	f := newExecFixture(t, d)

	o := f.execute(Action{Type: ActionCreateRemoteDir, Path: "a/b/c", Kind: KindDir})
	require.True(t, o.Success, "err: %v", o.Err)

	c, ok := d.Lookup("a/b/c")
	require.True(t, ok)

	b, ok := d.Lookup("a/b")
	require.True(t, ok)

	rec := o.Upserts[0].Record
	assert.Equal(t, c.ID, rec.RemoteID)
	assert.Equal(t, b.ID, rec.RemoteParentID)
	assert.Equal(t, KindDir, rec.Kind)
	assert.Equal(t, 3, d.Calls("mkdir"))

	o = f.execute(Action{Type: ActionCreateRemoteDir, Path: "a/b", Kind: KindDir})
	require.True(t, o.Success)
	assert.Equal(t, 3, d.Calls("mkdir"), "known folders are not created twice")
}

func TestExecutor_LookupModeReusesExistingFolders(t *testing.T) {
	t.Parallel()

	d := memdrive.New()
	docs := d.Mkdir("docs")

	exec := NewExecutor(ExecutorConfig{LocalRoot: t.TempDir(), Drive: d, Logger: testLogger(t)}, &RemoteSnapshot{RootID: "root"})

	o := exec.Execute(context.Background(), &Action{Type: ActionCreateRemoteDir, Path: "docs", Kind: KindDir})
	require.True(t, o.Success, "err: %v", o.Err)
	assert.Equal(t, docs.ID, o.Upserts[0].Record.RemoteID)
	assert.Zero(t, d.Calls("mkdir"))
}

func TestExecutor_CreateLocalDir(t *testing.T) {
	t.Parallel()

	d := memdrive.New()
	d.Mkdir("photos/2026")

	f := newExecFixture(t, d)

	o := f.execute(Action{Type: ActionCreateLocalDir, Path: "photos/2026", Kind: KindDir, Remote: f.remoteEntry(t, "photos/2026")})
	require.True(t, o.Success, "err: %v", o.Err)
	assert.DirExists(t, filepath.Join(f.root, "photos", "2026"))

	writeLocal(t, f.root, "file", "x")

	o = f.execute(Action{Type: ActionCreateLocalDir, Path: "file", Kind: KindDir, Remote: &RemoteEntry{ID: "x", Kind: KindDir}})
	require.ErrorIs(t, o.Err, errStale)
}

func TestExecutor_AdoptAndTombstone(t *testing.T) {
	t.Parallel()

	f := newExecFixture(t, memdrive.New())

	o := f.execute(Action{Type: ActionAdopt, Path: "shared", Kind: KindDir, Remote: &RemoteEntry{ID: "d1", ParentID: "root", Kind: KindDir}})
	require.True(t, o.Success)
	assert.True(t, o.Adopted)
	assert.Equal(t, dirRecord("shared", "d1", "root"), o.Upserts[0].Record)

	o = f.execute(Action{Type: ActionTombstone, Path: "gone.txt", Prior: &Record{RemoteID: "r9"}})
	require.True(t, o.Success)
	assert.Equal(t, []string{"r9"}, o.Tombstones)

	o = f.execute(Action{Type: ActionType(99), Path: "x"})
	assert.False(t, o.Success)
	assert.False(t, o.Transient)
}

func TestConflictCopyPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"file.txt", "file.conflict-20260301-120000.txt"},
		{"docs/report.final.pdf", "docs/report.final.conflict-20260301-120000.pdf"},
		{".bashrc", ".bashrc.conflict-20260301-120000"},
		{"Makefile", "Makefile.conflict-20260301-120000"},
		{"cfg/.config.yml", "cfg/.config.conflict-20260301-120000.yml"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, conflictCopyPath(tt.in, conflictTime))
		})
	}
}

func TestConflictCopyRel_AvoidsCollisions(t *testing.T) {
	t.Parallel()

	f := newExecFixture(t, memdrive.New())
	writeLocal(t, f.root, "a.conflict-20260301-120000.txt", "earlier conflict")

	assert.Equal(t, "a.conflict-20260301-120000-2.txt", f.exec.conflictCopyRel("a.txt"))
}

func TestFreeName(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p := filepath.Join(dir, "a.txt")
	assert.Equal(t, p, freeName(p))

	require.NoError(t, os.WriteFile(p, nil, 0o644))
	assert.Equal(t, filepath.Join(dir, "a 2.txt"), freeName(p))
}

func TestClassifyLocalError(t *testing.T) {
	t.Parallel()

	pathErr := func(errno syscall.Errno) error {
		return fmt.Errorf("writing: %w", &fs.PathError{Op: "write", Path: "/x", Err: errno})
	}

	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{"not exist", os.ErrNotExist, false},
		{"permission", pathErr(syscall.EACCES), false},
		{"read-only fs", pathErr(syscall.EROFS), false},
		{"disk full", pathErr(syscall.ENOSPC), true},
		{"io error", pathErr(syscall.EIO), true},
		{"busy", pathErr(syscall.EBUSY), true},
		{"deadline", os.ErrDeadlineExceeded, true},
		{"plain", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.transient, classifyLocalError(tt.err))
		})
	}
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	assert.False(t, isTransient(nil))
	assert.False(t, isTransient(fmt.Errorf("%w: x", errStale)))
	assert.False(t, isTransient(context.Canceled))
	assert.True(t, isTransient(&remote.Error{StatusCode: 429, Err: remote.ErrThrottled}))
	assert.False(t, isTransient(&remote.Error{StatusCode: 403, Err: remote.ErrForbidden}))
	assert.True(t, isTransient(&fs.PathError{Op: "write", Path: "/x", Err: syscall.ENOSPC}))
}
