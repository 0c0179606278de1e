package sync

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// Action reasons the executor reacts to.
const (
	reasonDiscardLocal  = "local changes discarded by policy"
	reasonDiscardRemote = "remote changes discarded by policy"
	reasonDuplicate     = "duplicate remote name"
	reasonCreatedBoth   = "created on both sides"
)

const diagMoveBlocked = "move destination is occupied"

// PlannerConfig is the immutable decision input for one run.
type PlannerConfig struct {
	Policy         Policy
	ConflictPolicy ConflictPolicy
	// ClockSkew is the window inside which local and remote modification
	// times are considered equal for newer_wins.
	ClockSkew time.Duration

	HardDeleteLocal  bool
	HardDeleteRemote bool

	CleanupEmptyRemoteDirs     bool
	CleanupRemoteDirsRecursive bool
	DedupeRemote               bool

	// InitialStrategy, when set to remote_wins or local_wins and the store
	// holds no records, decides items created on both sides.
	InitialStrategy Policy
	Initial         bool

	// LocalFailed and RemoteFailed are the scan failures; directory
	// deletes never cover a subtree that could not be read.
	LocalFailed  map[string]error
	RemoteFailed map[string]error
}

// Planner is a pure decision engine that turns change items into an
// ordered Plan. It performs no I/O.
type Planner struct {
	logger *slog.Logger
}

// NewPlanner creates a Planner with the given logger.
func NewPlanner(logger *slog.Logger) *Planner {
	return &Planner{logger: logger}
}

// Plan decides one set of actions per item. Moves are decided first,
// ancestors before descendants, and each decided directory move rewrites
// the paths of everything beneath it. Content decisions follow the policy
// matrix. Directory deletes then absorb their descendants, or become
// restores when something beneath must survive. Opt-in remote cleanup and
// duplicate removal run last.
func (p *Planner) Plan(items []ChangeItem, duplicates []*RemoteEntry, cfg PlannerConfig) *Plan {
	ps := newPlanState(items, cfg)

	ps.decideMoves()
	ps.decideContent()
	ps.foldDirectoryDeletes()
	ps.planCleanup()
	ps.planDuplicates(duplicates)

	plan := ps.assemble()
	plan.Deps = buildDependencies(plan.Actions)

	counts := plan.Counts()

	p.logger.Info("plan complete",
		slog.Int("items", len(items)),
		slog.Int("actions", plan.Len()),
		slog.Int("uploads", counts[ActionUpload]),
		slog.Int("downloads", counts[ActionDownload]),
		slog.Int("moves", counts[ActionMoveLocal]+counts[ActionMoveRemote]),
		slog.Int("deletes", plan.Deletes),
		slog.Int("conflicts", counts[ActionConflict]),
		slog.Int("diagnostics", len(plan.Diagnostics)),
	)

	return plan
}

// rewrite moves every path at or below from to the same place below to.
type rewrite struct {
	from, to string
}

type rewrites []rewrite

// apply runs the rewrites in decision order. Later rules are expressed in
// the coordinates produced by earlier ones.
func (rs rewrites) apply(p string) string {
	for _, r := range rs {
		if isUnder(p, r.from) {
			p = rebase(p, r.from, r.to)
		}
	}

	return p
}

type node struct {
	it *ChangeItem
	// base is the record path after every decided ancestor move.
	base string
	// local and remote are where each side will hold the item once the
	// decided moves have run; empty when the side is absent.
	local, remote string
	actions       []Action
	folded        bool
}

// content returns the node's non-move action, if any.
func (n *node) content() *Action {
	for i := range n.actions {
		if t := n.actions[i].Type; t != ActionMoveLocal && t != ActionMoveRemote {
			return &n.actions[i]
		}
	}

	return nil
}

func (n *node) blocked() bool {
	return n.it.Diagnostic != ""
}

type planState struct {
	cfg      PlannerConfig
	nodes    []*node
	byLocal  map[string]*node
	byRemote map[string]*node

	localRules, remoteRules, baseRules rewrites
	blockedPrefixes                    []string

	cleanup     []Action
	diagnostics []string
	deletes     int
}

func newPlanState(items []ChangeItem, cfg PlannerConfig) *planState {
	ps := &planState{
		cfg:      cfg,
		byLocal:  make(map[string]*node),
		byRemote: make(map[string]*node),
	}

	for i := range items {
		n := &node{it: &items[i]}
		ps.nodes = append(ps.nodes, n)

		if items[i].LocalPath != "" {
			ps.byLocal[items[i].LocalPath] = n
		}

		if items[i].RemotePath != "" {
			ps.byRemote[items[i].RemotePath] = n
		}
	}

	sort.SliceStable(ps.nodes, func(i, j int) bool { return ps.nodes[i].it.Path < ps.nodes[j].it.Path })

	return ps
}

func (ps *planState) diagnose(n *node, msg string) {
	if n.it.Diagnostic == "" {
		n.it.Diagnostic = msg
	}
}

// decideMoves resolves moves for tracked directories first, shallowest
// first, then for everything else, so that every item sees the final
// rewrite rules of its ancestors.
func (ps *planState) decideMoves() {
	ordered := make([]*node, len(ps.nodes))
	copy(ordered, ps.nodes)

	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		aDir := a.it.Prior != nil && a.it.Kind == KindDir
		bDir := b.it.Prior != nil && b.it.Kind == KindDir

		if aDir != bDir {
			return aDir
		}

		return depth(a.it.Path) < depth(b.it.Path)
	})

	for _, n := range ordered {
		ps.locate(n)

		if n.blocked() || n.it.Prior == nil {
			continue
		}

		if n.local == "" || n.remote == "" || n.local == n.remote {
			continue
		}

		ps.decideMove(n)
	}
}

// locate computes the node's base and effective side paths under the
// rules decided so far.
func (ps *planState) locate(n *node) {
	it := n.it
	n.base = ps.baseRules.apply(it.Path)

	for _, prefix := range ps.blockedPrefixes {
		if isUnder(it.Path, prefix) {
			ps.diagnose(n, diagMoveBlocked)
		}
	}

	if it.Local.present() {
		n.local = ps.localRules.apply(it.LocalPath)
	}

	if it.Remote.present() {
		n.remote = ps.remoteRules.apply(it.RemotePath)
	}

	if it.Prior == nil && n.local != "" && n.remote != "" && n.local != n.remote {
		ps.diagnose(n, diagMoveBlocked)
	}
}

func (ps *planState) decideMove(n *node) {
	localMoved := n.local != n.base
	remoteMoved := n.remote != n.base

	var (
		typ      ActionType
		from, to string
	)

	switch {
	case localMoved && !remoteMoved:
		if ps.cfg.Policy == PolicyRemoteWins {
			typ, from, to = ActionMoveLocal, n.local, n.base
		} else {
			typ, from, to = ActionMoveRemote, n.remote, n.local
		}
	case remoteMoved && !localMoved:
		if ps.cfg.Policy == PolicyLocalWins {
			typ, from, to = ActionMoveRemote, n.remote, n.base
		} else {
			typ, from, to = ActionMoveLocal, n.local, n.remote
		}
	default:
		if ps.cfg.Policy == PolicyLocalWins {
			typ, from, to = ActionMoveRemote, n.remote, n.local
		} else {
			typ, from, to = ActionMoveLocal, n.local, n.remote
		}
	}

	if ps.occupied(typ, to, n) {
		ps.diagnose(n, diagMoveBlocked)

		if n.it.Kind == KindDir {
			ps.blockedPrefixes = append(ps.blockedPrefixes, n.it.Path)
		}

		return
	}

	a := ps.action(typ, n, to)
	a.OldPath = from
	a.Reason = "moved on the " + string(movedSide(localMoved, remoteMoved)) + " side"
	n.actions = append(n.actions, a)

	if typ == ActionMoveLocal {
		n.local = to
		if n.it.Kind == KindDir {
			ps.localRules = append(ps.localRules, rewrite{from: from, to: to})
		}
	} else {
		n.remote = to
		if n.it.Kind == KindDir {
			ps.remoteRules = append(ps.remoteRules, rewrite{from: from, to: to})
		}
	}

	if n.it.Kind == KindDir {
		ps.baseRules = append(ps.baseRules, rewrite{from: n.base, to: to})
	}

	n.base = to
}

func movedSide(localMoved, remoteMoved bool) Side {
	if localMoved && !remoteMoved {
		return SideLocal
	}

	return SideRemote
}

// occupied reports whether a move destination already holds some other
// item on the side being moved.
func (ps *planState) occupied(typ ActionType, dest string, n *node) bool {
	index := ps.byRemote
	if typ == ActionMoveLocal {
		index = ps.byLocal
	}

	other, ok := index[dest]

	return ok && other != n
}

func (ps *planState) action(t ActionType, n *node, p string) Action {
	return Action{
		Type:       t,
		Path:       p,
		RecordPath: n.base,
		Kind:       n.it.Kind,
		Prior:      n.it.Prior,
		Local:      n.it.LocalEntry,
		Remote:     n.it.RemoteEntry,
	}
}

func (ps *planState) deleteAction(t ActionType, n *node, p string) Action {
	a := ps.action(t, n, p)

	if t == ActionDeleteLocal {
		a.Hard = ps.cfg.HardDeleteLocal
	} else {
		a.Hard = ps.cfg.HardDeleteRemote
	}

	return a
}

func (ps *planState) decideContent() {
	for _, n := range ps.nodes {
		if n.blocked() {
			ps.diagnostics = append(ps.diagnostics, fmt.Sprintf("%s: %s", n.it.Path, n.it.Diagnostic))
			n.actions = nil

			continue
		}

		var a *Action

		switch {
		case n.it.Prior == nil:
			a = ps.decideNew(n)
		case n.it.Kind == KindDir:
			a = ps.decideDir(n)
		default:
			a = ps.decideFile(n)
		}

		if a != nil {
			n.actions = append(n.actions, *a)
		}
	}
}

func (n *node) path() string {
	switch {
	case n.local != "":
		return n.local
	case n.remote != "":
		return n.remote
	default:
		return n.base
	}
}

// decideFile applies the policy matrix to a tracked file.
func (ps *planState) decideFile(n *node) *Action {
	l, r := n.it.Local, n.it.Remote
	pol := ps.cfg.Policy

	var a Action

	switch {
	case l == StateAbsent && r == StateAbsent:
		a = ps.action(ActionTombstone, n, n.base)
		a.Reason = "gone on both sides"
	case l == StateAbsent:
		switch {
		case pol == PolicyRemoteWins, pol == PolicyBidirectional && r.changed():
			a = ps.action(ActionDownload, n, n.remote)
			a.Reason = "missing locally"
		default:
			a = ps.deleteAction(ActionDeleteRemote, n, n.remote)
			a.Reason = "deleted locally"
		}
	case r == StateAbsent:
		// A remote delete is restored under remote_wins. local_wins treats the
		// remote as disposable and drops the local copy with it.
		switch {
		case pol == PolicyRemoteWins, pol == PolicyBidirectional && l.changed():
			a = ps.action(ActionUpload, n, n.local)
			a.Reason = "missing remotely"
		default:
			a = ps.deleteAction(ActionDeleteLocal, n, n.local)
			a.Reason = "deleted remotely"
		}
	case l == StateUnchanged && r == StateUnchanged:
		return nil
	case l.changed() && r == StateUnchanged:
		if pol == PolicyRemoteWins {
			a = ps.action(ActionDownload, n, n.path())
			a.Reason = reasonDiscardLocal
		} else {
			a = ps.action(ActionUpload, n, n.path())
			a.Reason = "modified locally"
		}
	case l == StateUnchanged && r.changed():
		if pol == PolicyLocalWins {
			a = ps.action(ActionUpload, n, n.path())
			a.Reason = reasonDiscardRemote
		} else {
			a = ps.action(ActionDownload, n, n.path())
			a.Reason = "modified remotely"
		}
	default:
		a = ps.bothChanged(n, pol, "modified on both sides")
	}

	return &a
}

// bothChanged resolves divergent content on both sides.
func (ps *planState) bothChanged(n *node, pol Policy, reason string) Action {
	var a Action

	switch pol {
	case PolicyRemoteWins:
		a = ps.action(ActionDownload, n, n.path())
		a.Reason = reasonDiscardLocal
	case PolicyLocalWins:
		a = ps.action(ActionUpload, n, n.path())
		a.Reason = reasonDiscardRemote
	default:
		a = ps.action(ActionConflict, n, n.path())
		a.Canonical = ps.canonical(n)
		a.Reason = reason
	}

	return a
}

// canonical picks the side that keeps the original name in a conflict.
// keep_both always keeps the remote copy canonical. newer_wins prefers the
// local copy only when it is newer by more than the clock skew tolerance.
func (ps *planState) canonical(n *node) Side {
	if ps.cfg.ConflictPolicy != ConflictNewerWins || n.it.LocalEntry == nil || n.it.RemoteEntry == nil {
		return SideRemote
	}

	delta := time.Duration(n.it.LocalEntry.Mtime - n.it.RemoteEntry.Mtime)
	if delta > ps.cfg.ClockSkew {
		return SideLocal
	}

	return SideRemote
}

// decideDir applies the policy matrix to a tracked directory. Deletes
// here are provisional; foldDirectoryDeletes confirms or reverts them.
func (ps *planState) decideDir(n *node) *Action {
	l, r := n.it.Local, n.it.Remote
	pol := ps.cfg.Policy

	var a Action

	switch {
	case l == StateAbsent && r == StateAbsent:
		a = ps.action(ActionTombstone, n, n.base)
		a.Reason = "gone on both sides"
	case l == StateAbsent:
		if pol == PolicyRemoteWins {
			a = ps.action(ActionCreateLocalDir, n, n.remote)
			a.Reason = "missing locally"
		} else {
			a = ps.deleteAction(ActionDeleteRemote, n, n.remote)
			a.Reason = "deleted locally"
		}
	case r == StateAbsent:
		if pol == PolicyRemoteWins {
			a = ps.action(ActionCreateRemoteDir, n, n.local)
			a.Reason = "missing remotely"
		} else {
			a = ps.deleteAction(ActionDeleteLocal, n, n.local)
			a.Reason = "deleted remotely"
		}
	case n.it.RemoteEntry != nil && n.it.RemoteEntry.ID != n.it.Prior.RemoteID:
		a = ps.action(ActionAdopt, n, n.path())
		a.Reason = "remote folder replaced"
	default:
		return nil
	}

	return &a
}

// decideNew handles items no record accounts for.
func (ps *planState) decideNew(n *node) *Action {
	l, r := n.it.Local, n.it.Remote
	dir := n.it.Kind == KindDir

	var a Action

	switch {
	case l == StateCreated && r == StateCreated:
		if dir {
			a = ps.action(ActionAdopt, n, n.path())
			a.Reason = reasonCreatedBoth

			break
		}

		pol := ps.cfg.Policy
		if ps.cfg.Initial && (ps.cfg.InitialStrategy == PolicyLocalWins || ps.cfg.InitialStrategy == PolicyRemoteWins) {
			pol = ps.cfg.InitialStrategy
		}

		a = ps.bothChanged(n, pol, reasonCreatedBoth)
	case l == StateCreated && dir:
		a = ps.action(ActionCreateRemoteDir, n, n.local)
		a.Reason = "new local folder"
	case l == StateCreated:
		a = ps.action(ActionUpload, n, n.local)
		a.Reason = "new local file"
	case r == StateCreated && dir:
		a = ps.action(ActionCreateLocalDir, n, n.remote)
		a.Reason = "new remote folder"
	case r == StateCreated:
		a = ps.action(ActionDownload, n, n.remote)
		a.Reason = "new remote file"
	default:
		return nil
	}

	return &a
}

// sideIndex returns the nodes present on one side, sorted by their
// effective path on that side, for prefix range scans.
func (ps *planState) sideIndex(local bool) []*node {
	var out []*node

	for _, n := range ps.nodes {
		if (local && n.local != "") || (!local && n.remote != "") {
			out = append(out, n)
		}
	}

	key := func(n *node) string {
		if local {
			return n.local
		}

		return n.remote
	}

	sort.Slice(out, func(i, j int) bool { return key(out[i]) < key(out[j]) })

	return out
}

// under returns the nodes of idx whose side path lies strictly below dir.
func under(idx []*node, dir string, local bool) []*node {
	key := func(n *node) string {
		if local {
			return n.local
		}

		return n.remote
	}

	prefix := dir + "/"
	start := sort.Search(len(idx), func(i int) bool { return key(idx[i]) >= prefix })

	var out []*node

	for i := start; i < len(idx) && strings.HasPrefix(key(idx[i]), prefix); i++ {
		out = append(out, idx[i])
	}

	return out
}

// foldDirectoryDeletes walks directory deletes deepest-first. A delete
// whose every present descendant on that side is also being deleted
// becomes one subtree delete that absorbs them. Otherwise the directory is
// restored on the other side, since something beneath it survives.
func (ps *planState) foldDirectoryDeletes() {
	localIdx := ps.sideIndex(true)
	remoteIdx := ps.sideIndex(false)

	var dirs []*node

	for _, n := range ps.nodes {
		if a := n.content(); a != nil && n.it.Kind == KindDir &&
			(a.Type == ActionDeleteLocal || a.Type == ActionDeleteRemote) {
			dirs = append(dirs, n)
		}
	}

	sort.SliceStable(dirs, func(i, j int) bool { return depth(dirs[i].path()) > depth(dirs[j].path()) })

	for _, n := range dirs {
		a := n.content()
		local := a.Type == ActionDeleteLocal

		idx, failed := remoteIdx, ps.cfg.RemoteFailed
		if local {
			idx, failed = localIdx, ps.cfg.LocalFailed
		}

		members := under(idx, a.Path, local)
		ok := !failedBelow(failed, a.Path)

		for _, m := range members {
			if !ok {
				break
			}

			ok = foldable(m, a.Type)
		}

		if !ok {
			restore := ActionCreateRemoteDir
			if !local {
				restore = ActionCreateLocalDir
			}

			*a = ps.action(restore, n, a.Path)
			a.Reason = "restored: contents changed or survive below"

			continue
		}

		a.Subtree = len(members) > 0

		for _, m := range members {
			if !m.folded {
				m.folded = true
				ps.deletes++
			}
		}
	}

	for _, n := range ps.nodes {
		if n.folded {
			continue
		}

		for i := range n.actions {
			if t := n.actions[i].Type; t == ActionDeleteLocal || t == ActionDeleteRemote {
				ps.deletes++
			}
		}
	}
}

// foldable reports whether m can be absorbed by a subtree delete of type t.
func foldable(m *node, t ActionType) bool {
	if m.blocked() {
		return false
	}

	if m.folded {
		return true
	}

	ma := m.content()

	return ma != nil && ma.Type == t && len(m.actions) == 1
}

func failedBelow(failed map[string]error, dir string) bool {
	for p := range failed {
		if isUnder(p, dir) {
			return true
		}
	}

	return false
}

// planCleanup replaces local creation of untracked remote-only folders with
// their removal, when cleanup is enabled. Trees holding only folders are
// removed deepest-first under the empty-folder flag; trees holding files
// are removed whole only under the recursive flag.
func (ps *planState) planCleanup() {
	if !ps.cfg.CleanupEmptyRemoteDirs && !ps.cfg.CleanupRemoteDirsRecursive {
		return
	}

	remoteIdx := ps.sideIndex(false)

	remoteOnly := func(n *node) bool {
		return n.it.Prior == nil && n.it.Local == StateNone && n.it.Remote == StateCreated && !n.blocked()
	}

	var candidates []*node

	for _, n := range ps.nodes {
		if n.it.Kind == KindDir && remoteOnly(n) && !n.folded {
			candidates = append(candidates, n)
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool { return depth(candidates[i].remote) < depth(candidates[j].remote) })

	var removed []Action

	for _, c := range candidates {
		if c.folded || failedBelow(ps.cfg.RemoteFailed, c.remote) {
			continue
		}

		members := under(remoteIdx, c.remote, false)
		onlyDirs := true
		eligible := true

		for _, m := range members {
			if !remoteOnly(m) {
				eligible = false
				break
			}

			if m.it.Kind == KindFile {
				onlyDirs = false
			}
		}

		if !eligible {
			continue
		}

		switch {
		case onlyDirs && (ps.cfg.CleanupEmptyRemoteDirs || ps.cfg.CleanupRemoteDirsRecursive):
			for _, m := range append([]*node{c}, members...) {
				m.folded = true
				a := ps.action(ActionCleanupRemoteDir, m, m.remote)
				a.Hard = ps.cfg.HardDeleteRemote
				a.Reason = "empty remote folder with no local counterpart"
				removed = append(removed, a)
			}
		case !onlyDirs && ps.cfg.CleanupRemoteDirsRecursive:
			c.folded = true

			for _, m := range members {
				m.folded = true
			}

			a := ps.action(ActionCleanupRemoteDir, c, c.remote)
			a.Hard = ps.cfg.HardDeleteRemote
			a.Subtree = true
			a.Reason = "remote folder with no local counterpart, removed recursively"
			removed = append(removed, a)
		}
	}

	sort.SliceStable(removed, func(i, j int) bool { return depth(removed[i].Path) > depth(removed[j].Path) })
	ps.cleanup = append(ps.cleanup, removed...)
}

// planDuplicates recycles same-name remote siblings that lost to a newer
// item, when enabled. Folder duplicates are only reported.
func (ps *planState) planDuplicates(dups []*RemoteEntry) {
	var out []Action

	for _, d := range dups {
		if !ps.cfg.DedupeRemote || d.Kind != KindFile {
			ps.diagnostics = append(ps.diagnostics, fmt.Sprintf("%s: %s (%s)", d.Path, reasonDuplicate, d.ID))
			continue
		}

		out = append(out, Action{
			Type:   ActionDeleteRemote,
			Path:   d.Path,
			Kind:   KindFile,
			Remote: d,
			Reason: reasonDuplicate,
		})
	}

	ps.cleanup = append(out, ps.cleanup...)
}

func (ps *planState) assemble() *Plan {
	plan := &Plan{
		Cleanup:     ps.cleanup,
		Diagnostics: ps.diagnostics,
		Deletes:     ps.deletes,
	}

	for _, n := range ps.nodes {
		if n.folded {
			continue
		}

		plan.Actions = append(plan.Actions, n.actions...)
	}

	return plan
}

func isDelete(t ActionType) bool {
	return t == ActionDeleteLocal || t == ActionDeleteRemote || t == ActionCleanupRemoteDir
}

// buildDependencies computes dependency edges for a flat action list.
// Returns deps where deps[i] contains the indices that action i depends on.
// Rules: (1) the nearest ancestor folder create runs first, (2) a move runs
// before anything at or below its destination and before any delete that
// covers its source, (3) child deletes run before a parent folder delete.
func buildDependencies(actions []Action) [][]int {
	deps := make([][]int, len(actions))

	createIdx := make(map[string]int)
	deleteIdx := make(map[string]int)

	var moves []int

	for i := range actions {
		switch actions[i].Type {
		case ActionCreateLocalDir, ActionCreateRemoteDir:
			createIdx[actions[i].Path] = i
		case ActionMoveLocal, ActionMoveRemote:
			moves = append(moves, i)
		case ActionDeleteLocal, ActionDeleteRemote:
			deleteIdx[actions[i].Path] = i
		}
	}

	for i := range actions {
		a := &actions[i]

		for p := parentPath(a.Path); p != ""; p = parentPath(p) {
			if j, ok := createIdx[p]; ok && j != i {
				deps[i] = append(deps[i], j)
				break
			}
		}

		for _, j := range moves {
			if j == i {
				continue
			}

			m := &actions[j]

			switch {
			case isUnder(a.Path, m.Path), a.OldPath != "" && isUnder(a.OldPath, m.Path):
				deps[i] = append(deps[i], j)
			case isDelete(a.Type) && isUnder(m.OldPath, a.Path):
				deps[i] = append(deps[i], j)
			}
		}

		if isDelete(a.Type) && a.Kind == KindDir {
			prefix := a.Path + "/"

			for p, j := range deleteIdx {
				if j != i && strings.HasPrefix(p, prefix) {
					deps[i] = append(deps[i], j)
				}
			}
		}
	}

	return deps
}
