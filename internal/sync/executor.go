package sync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"net"
	"os"
	"path"
	"path/filepath"
	"strings"
	stdsync "sync"
	"syscall"
	"time"

	"github.com/tonimelisma/drivesync/internal/remote"
)

// Local permissions for created directories and downloaded files.
const (
	dirPermissions  = 0o755
	filePermissions = 0o644
)

// errStale marks an action whose target changed after the scan. The next
// run re-plans it from fresh snapshots, so it is never retried as is.
var errStale = errors.New("sync: item changed since scan")

// Outcome is the result of executing one action: whether it succeeded and
// the record changes to commit atomically if it did.
type Outcome struct {
	Action  ActionType
	Path    string
	Success bool
	Err     error
	// Transient marks a failure worth retrying with backoff.
	Transient bool
	// Adopted is set when the sides already matched and nothing moved.
	Adopted bool

	Upserts          []RecordUpdate
	Tombstones       []string // remote IDs
	TombstonePaths   []string
	TombstoneSubtree string
	Rebase           *PathRebase
	Conflict         *ConflictEntry
}

// RecordUpdate writes one record. PriorRemoteID names the active record
// being replaced; empty inserts a fresh record.
type RecordUpdate struct {
	Record        Record
	PriorRemoteID string
}

// PathRebase moves every record at or below From to the same place below To.
type PathRebase struct {
	From, To string
}

// ExecutorConfig holds the per-run dependencies of an Executor.
type ExecutorConfig struct {
	LocalRoot string
	Drive     remote.Drive
	Limiter   *BandwidthLimiter
	RunID     string
	Logger    *slog.Logger
}

// Executor performs side effects for plan actions. It is shared by every
// worker in a run and never writes to the store itself.
type Executor struct {
	root    string
	drive   remote.Drive
	limiter *BandwidthLimiter
	runID   string
	logger  *slog.Logger
	folders *folderIndex

	nowFunc    func() time.Time
	trashStamp string
}

// NewExecutor creates an executor whose remote folder index is seeded from
// the run's remote snapshot.
func NewExecutor(cfg ExecutorConfig, snap *RemoteSnapshot) *Executor {
	e := &Executor{
		root:    cfg.LocalRoot,
		drive:   cfg.Drive,
		limiter: cfg.Limiter,
		runID:   cfg.RunID,
		logger:  cfg.Logger,
		nowFunc: time.Now,
	}

	e.folders = newFolderIndex(snap)
	e.trashStamp = e.nowFunc().Format("20060102_150405")

	return e
}

// Execute dispatches a to its handler. It never panics on a bad action;
// unknown types fail permanently.
func (e *Executor) Execute(ctx context.Context, a *Action) Outcome {
	var o Outcome

	switch a.Type {
	case ActionUpload:
		o = e.executeUpload(ctx, a)
	case ActionDownload:
		o = e.executeDownload(ctx, a)
	case ActionDeleteLocal:
		o = e.executeLocalDelete(ctx, a)
	case ActionDeleteRemote, ActionCleanupRemoteDir:
		o = e.executeRemoteDelete(ctx, a)
	case ActionMoveLocal:
		o = e.executeLocalMove(a)
	case ActionMoveRemote:
		o = e.executeRemoteMove(ctx, a)
	case ActionConflict:
		o = e.executeConflict(ctx, a)
	case ActionCreateLocalDir:
		o = e.executeCreateLocalDir(a)
	case ActionCreateRemoteDir:
		o = e.executeCreateRemoteDir(ctx, a)
	case ActionAdopt:
		o = e.executeAdopt(a)
	case ActionTombstone:
		o = e.successOutcome(a)
		o.Tombstones = priorIDs(a)
	case ActionNoop:
		o = e.successOutcome(a)
	default:
		o = e.failedOutcome(a, fmt.Errorf("sync: unsupported action %s", a.Type))
	}

	if o.Err != nil {
		e.logger.Warn("action failed",
			slog.String("action", a.Type.String()),
			slog.String("path", a.Path),
			slog.Bool("transient", o.Transient),
			slog.String("error", o.Err.Error()),
		)
	}

	return o
}

func (e *Executor) successOutcome(a *Action) Outcome {
	return Outcome{Action: a.Type, Path: a.Path, Success: true}
}

func (e *Executor) failedOutcome(a *Action, err error) Outcome {
	return Outcome{Action: a.Type, Path: a.Path, Err: err, Transient: isTransient(err)}
}

func priorIDs(a *Action) []string {
	if a.Prior == nil || a.Prior.RemoteID == "" {
		return nil
	}

	return []string{a.Prior.RemoteID}
}

func priorRemoteID(a *Action) string {
	if a.Prior == nil {
		return ""
	}

	return a.Prior.RemoteID
}

// recordPath is where the prior record currently sits.
func recordPath(a *Action) string {
	if a.RecordPath != "" {
		return a.RecordPath
	}

	if a.Prior != nil {
		return a.Prior.LocalPath
	}

	return a.Path
}

func (e *Executor) abs(rel string) string {
	return filepath.Join(e.root, filepath.FromSlash(rel))
}

// isTransient separates failures worth retrying (throttling, outages,
// timeouts, transient I/O) from permanent ones.
func isTransient(err error) bool {
	if err == nil || errors.Is(err, errStale) || errors.Is(err, context.Canceled) {
		return false
	}

	return remote.IsTransient(err) || classifyLocalError(err)
}

// classifyLocalError reports whether a local filesystem error is
// transient. Disk-full is retried since space may be freed; missing
// files, permissions and read-only filesystems are permanent.
func classifyLocalError(err error) bool {
	switch {
	case errors.Is(err, os.ErrNotExist), errors.Is(err, os.ErrPermission), errors.Is(err, syscall.EROFS):
		return false
	case errors.Is(err, os.ErrDeadlineExceeded):
		return true
	}

	for _, errno := range []syscall.Errno{syscall.EIO, syscall.EAGAIN, syscall.EBUSY, syscall.ENOSPC, syscall.ETIMEDOUT} {
		if errors.Is(err, errno) {
			return true
		}
	}

	var netErr net.Error

	return errors.As(err, &netErr) && netErr.Timeout()
}

// executeCreateLocalDir creates a directory mirroring a remote folder.
func (e *Executor) executeCreateLocalDir(a *Action) Outcome {
	if a.Remote == nil {
		return e.failedOutcome(a, fmt.Errorf("sync: create local dir %s: no remote folder", a.Path))
	}

	absPath := e.abs(a.Path)

	if info, err := os.Lstat(absPath); err == nil && !info.IsDir() {
		return e.failedOutcome(a, fmt.Errorf("%w: %s is a file", errStale, a.Path))
	}

	if err := os.MkdirAll(absPath, dirPermissions); err != nil {
		return e.failedOutcome(a, fmt.Errorf("sync: creating %s: %w", a.Path, err))
	}

	o := e.successOutcome(a)
	o.Upserts = []RecordUpdate{{Record: dirRecord(a.Path, a.Remote.ID, a.Remote.ParentID), PriorRemoteID: priorRemoteID(a)}}

	return o
}

// executeCreateRemoteDir creates a remote folder mirroring a local one,
// along with any missing ancestors.
func (e *Executor) executeCreateRemoteDir(ctx context.Context, a *Action) Outcome {
	id, err := e.folders.ensure(ctx, e.drive, a.Path)
	if err != nil {
		return e.failedOutcome(a, err)
	}

	parentID, _ := e.folders.lookup(parentPath(a.Path))

	o := e.successOutcome(a)
	o.Upserts = []RecordUpdate{{Record: dirRecord(a.Path, id, parentID), PriorRemoteID: priorRemoteID(a)}}

	return o
}

// executeAdopt pairs two sides already known to match.
func (e *Executor) executeAdopt(a *Action) Outcome {
	if a.Remote == nil || (a.Kind == KindFile && a.Local == nil) {
		return e.failedOutcome(a, fmt.Errorf("sync: adopt %s: both sides required", a.Path))
	}

	o := e.successOutcome(a)
	o.Adopted = true

	if a.Kind == KindDir {
		o.Upserts = []RecordUpdate{{Record: dirRecord(a.Path, a.Remote.ID, a.Remote.ParentID), PriorRemoteID: priorRemoteID(a)}}
		return o
	}

	o.Upserts = []RecordUpdate{{Record: fileRecord(a.Path, a.Local, a.Remote), PriorRemoteID: priorRemoteID(a)}}

	return o
}

func dirRecord(p, remoteID, parentID string) Record {
	return Record{LocalPath: p, RemoteID: remoteID, RemoteParentID: parentID, Kind: KindDir, Status: StatusActive}
}

func fileRecord(p string, le *LocalEntry, re *RemoteEntry) Record {
	return Record{
		LocalPath:      p,
		RemoteID:       re.ID,
		RemoteParentID: re.ParentID,
		Fingerprint:    le.Fingerprint,
		RemoteRevision: re.Revision,
		LocalMtime:     le.Mtime,
		RemoteMtime:    re.Mtime,
		Size:           le.Size,
		Kind:           KindFile,
		Status:         StatusActive,
	}
}

// revisionOf returns the item's change marker, falling back to the
// mtime/size fingerprint for backends without native revisions.
func revisionOf(it *remote.Item) string {
	if it.Revision != "" || it.IsFolder() {
		return it.Revision
	}

	return remote.Fingerprint(it.ModTime, it.Size)
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}

	return t.UnixNano()
}

// hashingWriter counts and hashes bytes written through it.
type hashingWriter struct {
	w    io.Writer
	sum  hash.Hash
	size int64
}

func newHashingWriter(w io.Writer) *hashingWriter {
	return &hashingWriter{w: w, sum: sha256.New()}
}

func (hw *hashingWriter) Write(p []byte) (int, error) {
	n, err := hw.w.Write(p)
	hw.sum.Write(p[:n])
	hw.size += int64(n)

	return n, err
}

func (hw *hashingWriter) hex() string {
	return hex.EncodeToString(hw.sum.Sum(nil))
}

// folderIndex maps remote folder paths to IDs for the duration of a run.
// Folder creation holds the lock so concurrent uploads into a new tree
// create each folder once.
type folderIndex struct {
	mu  stdsync.Mutex
	ids map[string]string
	// lookupExisting makes ensure look for an existing folder before creating one.
	// Set when the index was not seeded from a full listing.
	lookupExisting bool
}

func newFolderIndex(snap *RemoteSnapshot) *folderIndex {
	fi := &folderIndex{ids: make(map[string]string)}

	if snap == nil {
		return fi
	}

	fi.ids[""] = snap.RootID
	fi.lookupExisting = snap.ByPath == nil

	for p, re := range snap.ByPath {
		if re.Kind == KindDir {
			fi.ids[p] = re.ID
		}
	}

	return fi
}

func (fi *folderIndex) lookup(p string) (string, bool) {
	fi.mu.Lock()
	defer fi.mu.Unlock()

	id, ok := fi.ids[p]

	return id, ok
}

func (fi *folderIndex) set(p, id string) {
	fi.mu.Lock()
	defer fi.mu.Unlock()

	fi.ids[p] = id
}

// ensure returns the ID of the folder at p, creating it and any missing
// ancestors.
func (fi *folderIndex) ensure(ctx context.Context, drive remote.Drive, p string) (string, error) {
	fi.mu.Lock()
	defer fi.mu.Unlock()

	rootID, ok := fi.ids[""]
	if !ok {
		return "", errors.New("sync: remote root unknown")
	}

	if p == "" {
		return rootID, nil
	}

	parentID := rootID
	cur := ""

	for _, name := range strings.Split(p, "/") {
		cur = path.Join(cur, name)

		if id, ok := fi.ids[cur]; ok {
			parentID = id
			continue
		}

		if fi.lookupExisting {
			id, err := findFolder(ctx, drive, parentID, name)
			if err != nil {
				return "", fmt.Errorf("sync: looking up remote folder %s: %w", cur, err)
			}

			if id != "" {
				fi.ids[cur] = id
				parentID = id

				continue
			}
		}

		item, err := drive.CreateFolder(ctx, parentID, name)
		if err != nil {
			return "", fmt.Errorf("sync: creating remote folder %s: %w", cur, err)
		}

		fi.ids[cur] = item.ID
		parentID = item.ID
	}

	return parentID, nil
}

func findFolder(ctx context.Context, drive remote.Drive, parentID, name string) (string, error) {
	items, err := drive.ListChildren(ctx, parentID)
	if err != nil {
		return "", err
	}

	for i := range items {
		if items[i].IsFolder() && items[i].Name == name {
			return items[i].ID, nil
		}
	}

	return "", nil
}

func (fi *folderIndex) removeSubtree(p string) {
	fi.mu.Lock()
	defer fi.mu.Unlock()

	for k := range fi.ids {
		if k != "" && isUnder(k, p) {
			delete(fi.ids, k)
		}
	}
}

func (fi *folderIndex) rebase(from, to string) {
	fi.mu.Lock()
	defer fi.mu.Unlock()

	moved := make(map[string]string)

	for k, id := range fi.ids {
		if k != "" && isUnder(k, from) {
			moved[rebase(k, from, to)] = id
			delete(fi.ids, k)
		}
	}

	for k, id := range moved {
		fi.ids[k] = id
	}
}
