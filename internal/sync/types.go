// Package sync implements the reconciliation engine: the state store of
// correspondence records, the local and remote tree scanners, the change
// detector, the pure decision planner, the action executor, and the retry
// queue that together keep one local root and one remote root convergent.
package sync

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// Kind distinguishes files from directories in records and snapshots.
type Kind int

// Item kinds.
const (
	KindFile Kind = iota
	KindDir
)

func (k Kind) String() string {
	if k == KindDir {
		return "directory"
	}

	return "file"
}

// ParseKind converts a stored kind string back to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "file":
		return KindFile, nil
	case "directory":
		return KindDir, nil
	default:
		return KindFile, fmt.Errorf("sync: unknown kind %q", s)
	}
}

// Policy selects which side is authoritative when the two sides diverge.
type Policy string

// Consistency policies.
const (
	PolicyRemoteWins    Policy = "remote_wins"
	PolicyLocalWins     Policy = "local_wins"
	PolicyBidirectional Policy = "bidirectional"
)

// ConflictPolicy selects the canonical side when both sides changed under
// the bidirectional policy. Both variants keep a conflict copy.
type ConflictPolicy string

// Conflict policies.
const (
	ConflictKeepBoth  ConflictPolicy = "keep_both"
	ConflictNewerWins ConflictPolicy = "newer_wins"
)

// RecordStatus is the lifecycle state of a correspondence record.
type RecordStatus string

// Record statuses.
const (
	StatusActive     RecordStatus = "active"
	StatusTombstoned RecordStatus = "tombstoned"
)

// Record is one correspondence between a local path and a remote item,
// captured at the moment both sides were last confirmed consistent.
type Record struct {
	LocalPath      string
	RemoteID       string
	RemoteParentID string
	Fingerprint    string // SHA-256 hex of local content; empty for directories
	RemoteRevision string
	LocalMtime     int64 // Unix nanoseconds
	RemoteMtime    int64 // Unix nanoseconds
	Size           int64
	Kind           Kind
	Status         RecordStatus
	SyncedAt       int64
	TombstonedAt   int64
}

// LocalEntry is one item in a local snapshot.
type LocalEntry struct {
	Path        string
	Kind        Kind
	Fingerprint string
	Size        int64
	Mtime       int64 // Unix nanoseconds
	// Err is set when the item was seen but could not be read.
	Err error `json:"-"`
}

// RemoteEntry is one item in a remote snapshot.
type RemoteEntry struct {
	ID       string
	ParentID string
	Path     string
	Name     string
	Kind     Kind
	Revision string
	Size     int64
	Mtime    int64 // Unix nanoseconds
}

// LocalSnapshot is the result of a local scan.
type LocalSnapshot struct {
	Entries map[string]*LocalEntry
	// Failed holds directories that could not be listed. Nothing below
	// them may be treated as absent.
	Failed map[string]error
}

// RemoteSnapshot is the result of a remote scan.
type RemoteSnapshot struct {
	RootID string
	ByID   map[string]*RemoteEntry
	ByPath map[string]*RemoteEntry
	// Failed holds folder paths whose listing failed; their subtrees are
	// unknown rather than empty.
	Failed map[string]error
	// Duplicates are same-name siblings that lost to a newer item with the
	// same path. They are excluded from ByPath.
	Duplicates []*RemoteEntry
}

// ChangeState classifies one side of an item against its prior record.
type ChangeState int

// Change states. StateNone means the item was never seen on this side and
// has no prior record; it is never paired with a record.
const (
	StateNone ChangeState = iota
	StateAbsent
	StateUnchanged
	StateModified
	StateCreated
)

func (s ChangeState) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateAbsent:
		return "absent"
	case StateUnchanged:
		return "unchanged"
	case StateModified:
		return "modified"
	case StateCreated:
		return "created"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s ChangeState) present() bool {
	return s == StateUnchanged || s == StateModified || s == StateCreated
}

func (s ChangeState) changed() bool {
	return s == StateModified || s == StateCreated
}

// ChangeItem is the per-identity classification produced by the detector.
// Path is the record's path when a record exists, else the observed path.
// LocalPath and RemotePath are where each side holds the item now; they
// differ from Path after a move.
type ChangeItem struct {
	Path        string
	Kind        Kind
	Local       ChangeState
	Remote      ChangeState
	Prior       *Record
	LocalEntry  *LocalEntry
	RemoteEntry *RemoteEntry
	LocalPath   string
	RemotePath  string
	Diagnostic  string
}

// ActionType is the kind of work the executor performs.
type ActionType int

// Action types.
const (
	ActionNoop ActionType = iota
	ActionUpload
	ActionDownload
	ActionDeleteLocal
	ActionDeleteRemote
	ActionMoveLocal
	ActionMoveRemote
	ActionConflict
	ActionCleanupRemoteDir
	ActionCreateRemoteDir
	ActionCreateLocalDir
	ActionAdopt     // pair two identical sides without transfer
	ActionTombstone // both sides gone; retire the record
)

func (a ActionType) String() string {
	switch a {
	case ActionNoop:
		return "noop"
	case ActionUpload:
		return "upload"
	case ActionDownload:
		return "download"
	case ActionDeleteLocal:
		return "delete_local"
	case ActionDeleteRemote:
		return "delete_remote"
	case ActionMoveLocal:
		return "move_local"
	case ActionMoveRemote:
		return "move_remote"
	case ActionConflict:
		return "keep_both_conflict"
	case ActionCleanupRemoteDir:
		return "cleanup_remote_dir"
	case ActionCreateRemoteDir:
		return "create_remote_dir"
	case ActionCreateLocalDir:
		return "create_local_dir"
	case ActionAdopt:
		return "adopt"
	case ActionTombstone:
		return "tombstone"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// ParseActionType is the inverse of ActionType.String, used when loading
// persisted retry tasks.
func ParseActionType(s string) (ActionType, error) {
	for a := ActionNoop; a <= ActionTombstone; a++ {
		if a.String() == s {
			return a, nil
		}
	}

	return ActionNoop, fmt.Errorf("sync: unknown action type %q", s)
}

// Side names which copy is canonical after a conflict.
type Side string

// Sides.
const (
	SideLocal  Side = "local"
	SideRemote Side = "remote"
)

// Action is one unit of executor work. It always carries enough identity
// to perform the side effect and to update the store afterward.
type Action struct {
	Type    ActionType
	Path    string // destination path, relative to both roots
	OldPath string // source path for moves
	// RecordPath is where the prior record sits once every earlier move in
	// the plan has committed.
	RecordPath string
	Kind       Kind
	// Hard selects permanent deletion over trash/recycle.
	Hard bool
	// Subtree marks a directory delete that also retires every record
	// below Path.
	Subtree   bool
	Canonical Side // conflicts only
	Prior     *Record
	Local     *LocalEntry
	Remote    *RemoteEntry
	Reason    string
	// Diagnostic flags a Noop decided for lack of data.
	Diagnostic string
}

func (a *Action) String() string {
	if a.OldPath != "" {
		return fmt.Sprintf("%s %s -> %s", a.Type, a.OldPath, a.Path)
	}

	return fmt.Sprintf("%s %s", a.Type, a.Path)
}

// Plan is the ordered output of the planner. Deps[i] lists indices into
// Actions that must complete before Actions[i] may start. Cleanup actions
// run after every action in Actions has finished.
type Plan struct {
	Actions     []Action
	Deps        [][]int
	Cleanup     []Action
	Diagnostics []string
	// Deletes counts items the plan removes from either side, including
	// descendants folded into a subtree delete.
	Deletes int
}

// Len returns the number of executable actions in the plan.
func (p *Plan) Len() int {
	return len(p.Actions) + len(p.Cleanup)
}

// Counts tallies actions by type.
func (p *Plan) Counts() map[ActionType]int {
	out := make(map[ActionType]int)
	for i := range p.Actions {
		out[p.Actions[i].Type]++
	}

	for i := range p.Cleanup {
		out[p.Cleanup[i].Type]++
	}

	return out
}

// RunSummary is the outcome of one reconciliation run.
type RunSummary struct {
	RunID      string        `json:"run_id"`
	Reason     string        `json:"reason"`
	DryRun     bool          `json:"dry_run,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`

	LocalTotal  int `json:"local_total"`
	RemoteTotal int `json:"remote_total"`

	Uploaded          int `json:"uploaded"`
	Downloaded        int `json:"downloaded"`
	MovedLocal        int `json:"moved_local"`
	MovedRemote       int `json:"moved_remote"`
	Conflicts         int `json:"conflicts"`
	DeletedLocal      int `json:"deleted_local"`
	DeletedRemote     int `json:"deleted_remote"`
	RemoteDirsCleaned int `json:"remote_dirs_cleaned"`
	DirsCreated       int `json:"dirs_created"`
	Adopted           int `json:"adopted"`
	Tombstoned        int `json:"tombstoned"`
	DuplicatesRemoved int `json:"duplicates_removed"`

	RetrySucceeded int `json:"retry_succeeded"`
	RetryFailed    int `json:"retry_failed"`
	RetryDead      int `json:"retry_dead"`
	Queued         int `json:"queued"`

	Errors      int      `json:"errors"`
	ErrorList   []string `json:"error_list,omitempty"`
	Diagnostics []string `json:"diagnostics,omitempty"`
	Planned     []string `json:"planned,omitempty"`
	FatalError  string   `json:"fatal_error,omitempty"`
}

// maxSummaryMessages caps the error and diagnostic lists kept in a summary.
const maxSummaryMessages = 100

func (s *RunSummary) addError(msg string) {
	s.Errors++
	if len(s.ErrorList) < maxSummaryMessages {
		s.ErrorList = append(s.ErrorList, msg)
	}
}

func (s *RunSummary) addDiagnostic(msg string) {
	if len(s.Diagnostics) < maxSummaryMessages {
		s.Diagnostics = append(s.Diagnostics, msg)
	}
}

// Changes reports the number of side-effecting actions the run applied.
func (s *RunSummary) Changes() int {
	return s.Uploaded + s.Downloaded + s.MovedLocal + s.MovedRemote + s.Conflicts +
		s.DeletedLocal + s.DeletedRemote + s.RemoteDirsCleaned + s.DirsCreated
}

// parentPath returns the parent of a slash-separated relative path, or ""
// for top-level items.
func parentPath(p string) string {
	dir := path.Dir(p)
	if dir == "." || dir == "/" {
		return ""
	}

	return dir
}

// isUnder reports whether p equals prefix or lies below it.
func isUnder(p, prefix string) bool {
	if prefix == "" {
		return true
	}

	return p == prefix || strings.HasPrefix(p, prefix+"/")
}

// rebase rewrites p from below oldPrefix to below newPrefix.
func rebase(p, oldPrefix, newPrefix string) string {
	if p == oldPrefix {
		return newPrefix
	}

	return newPrefix + p[len(oldPrefix):]
}

// depth returns the number of path segments in p.
func depth(p string) int {
	if p == "" {
		return 0
	}

	return strings.Count(p, "/") + 1
}
