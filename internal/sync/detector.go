package sync

import (
	"path"
	"sort"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
)

// Diagnostics attached to items the planner must leave alone.
const (
	diagLocalUnavailable  = "local subtree could not be read"
	diagRemoteUnavailable = "remote subtree could not be listed"
	diagLocalReadFailed   = "local item could not be read"
	diagKindChanged       = "item changed between file and directory"
)

// DetectChanges diffs both snapshots against the active records and
// returns one ChangeItem per identity, sorted by path.
//
// Remote identity is the remote ID, so a record whose remote item now
// sits at another path is a remote move. Local moves are recovered by
// content: a directory whose descendants reappear together under a new
// directory, or a file whose fingerprint uniquely matches one new file.
// Records and snapshot entries under an excluded path are skipped
// entirely, so adding an ignore rule never reads as a deletion.
func DetectChanges(records *RecordSet, local *LocalSnapshot, rem *RemoteSnapshot, filter *Filter) []ChangeItem {
	d := &detection{
		local:         local,
		remote:        rem,
		filter:        filter,
		localClaimed:  mapset.NewThreadUnsafeSet[string](),
		remoteClaimed: mapset.NewThreadUnsafeSet[string](),
	}

	var recs []*Record

	if records != nil {
		for _, rec := range records.ByPath {
			if filter != nil && filter.Excluded(rec.LocalPath, rec.Kind == KindDir) {
				continue
			}

			recs = append(recs, rec)
		}
	}

	sort.Slice(recs, func(i, j int) bool { return recs[i].LocalPath < recs[j].LocalPath })

	d.items = make([]*ChangeItem, 0, len(recs))
	for _, rec := range recs {
		d.items = append(d.items, d.classifyRecord(rec))
	}

	d.relinkReplacedRemotes()
	d.detectLocalDirMoves()
	d.detectLocalFileMoves()

	out := make([]ChangeItem, 0, len(d.items))
	for _, it := range d.items {
		out = append(out, *it)
	}

	out = append(out, d.unclaimed()...)

	sort.SliceStable(out, func(i, j int) bool { return out[i].Path < out[j].Path })

	return out
}

type detection struct {
	local         *LocalSnapshot
	remote        *RemoteSnapshot
	filter        *Filter
	items         []*ChangeItem
	localClaimed  mapset.Set[string]
	remoteClaimed mapset.Set[string]
}

func (d *detection) classifyRecord(rec *Record) *ChangeItem {
	it := &ChangeItem{Path: rec.LocalPath, Kind: rec.Kind, Prior: rec}

	switch re := d.remote.ByID[rec.RemoteID]; {
	case re != nil:
		d.remoteClaimed.Add(re.ID)
		it.RemoteEntry = re
		it.RemotePath = re.Path
		it.Remote = compareRemote(rec, re)

		if re.Kind != rec.Kind {
			it.Diagnostic = diagKindChanged
		}
	case underFailed(d.remote.Failed, rec.LocalPath):
		it.Diagnostic = diagRemoteUnavailable
	default:
		it.Remote = StateAbsent
	}

	switch le := d.local.Entries[rec.LocalPath]; {
	case le != nil:
		d.localClaimed.Add(le.Path)
		it.LocalEntry = le
		it.LocalPath = le.Path
		it.Local = compareLocal(rec, le)

		if le.Err != nil {
			it.Diagnostic = diagLocalReadFailed
		} else if le.Kind != rec.Kind {
			it.Diagnostic = diagKindChanged
		}
	case underFailed(d.local.Failed, rec.LocalPath):
		it.Diagnostic = diagLocalUnavailable
	default:
		it.Local = StateAbsent
	}

	return it
}

func compareLocal(rec *Record, le *LocalEntry) ChangeState {
	if rec.Kind == KindDir || le.Kind == KindDir {
		if rec.Kind == le.Kind {
			return StateUnchanged
		}

		return StateModified
	}

	if le.Fingerprint == rec.Fingerprint {
		return StateUnchanged
	}

	return StateModified
}

func compareRemote(rec *Record, re *RemoteEntry) ChangeState {
	if rec.Kind == KindDir || re.Kind == KindDir {
		if rec.Kind == re.Kind {
			return StateUnchanged
		}

		return StateModified
	}

	if re.Revision == rec.RemoteRevision {
		return StateUnchanged
	}

	return StateModified
}

// relinkReplacedRemotes pairs a record whose remote ID vanished with a new,
// unclaimed remote item of the same kind at the record's path. Providers
// that replace content by minting a new item look exactly like this.
func (d *detection) relinkReplacedRemotes() {
	for _, it := range d.items {
		if it.Remote != StateAbsent || it.Diagnostic != "" {
			continue
		}

		re := d.remote.ByPath[it.Path]
		if re == nil || re.Kind != it.Kind || d.remoteClaimed.Contains(re.ID) {
			continue
		}

		d.remoteClaimed.Add(re.ID)
		it.RemoteEntry = re
		it.RemotePath = re.Path
		it.Remote = StateModified
	}
}

// detectLocalDirMoves matches vanished directories to new ones by their
// descendants. A candidate must hold at least half of the vanished
// directory's files at the same relative paths with the same content, and
// must be the unique best candidate. Matched descendants are rebased onto
// the new directory before they are classified.
func (d *detection) detectLocalDirMoves() {
	unclaimedByFP := d.unclaimedLocalFiles()

	var dirs []*ChangeItem

	for _, it := range d.items {
		if it.Kind == KindDir && it.Local == StateAbsent && it.Diagnostic == "" {
			dirs = append(dirs, it)
		}
	}

	sort.SliceStable(dirs, func(i, j int) bool { return depth(dirs[i].Path) < depth(dirs[j].Path) })

	rebased := mapset.NewThreadUnsafeSet[string]()

	for _, dir := range dirs {
		if rebased.Contains(dir.Path) {
			continue
		}

		descendants := d.descendants(dir.Path)

		target, ok := d.bestDirCandidate(dir.Path, descendants, unclaimedByFP)
		if !ok {
			continue
		}

		le := d.local.Entries[target]
		d.localClaimed.Add(target)
		dir.LocalEntry = le
		dir.LocalPath = target
		dir.Local = StateUnchanged

		for _, child := range descendants {
			rebased.Add(child.Path)

			if child.Local != StateAbsent || child.Diagnostic != "" {
				continue
			}

			newPath := rebase(child.Path, dir.Path, target)

			cle := d.local.Entries[newPath]
			if cle == nil || d.localClaimed.Contains(newPath) || cle.Kind != child.Kind {
				continue
			}

			d.localClaimed.Add(newPath)
			child.LocalEntry = cle
			child.LocalPath = newPath
			child.Local = compareLocal(child.Prior, cle)

			if cle.Err != nil {
				child.Diagnostic = diagLocalReadFailed
			}
		}
	}
}

func (d *detection) descendants(dir string) []*ChangeItem {
	var out []*ChangeItem

	prefix := dir + "/"
	for _, it := range d.items {
		if strings.HasPrefix(it.Path, prefix) {
			out = append(out, it)
		}
	}

	return out
}

func (d *detection) bestDirCandidate(dir string, descendants []*ChangeItem, byFP map[string][]*LocalEntry) (string, bool) {
	votes := make(map[string]int)
	files := 0

	for _, child := range descendants {
		if child.Kind != KindFile || child.Prior == nil || child.Prior.Fingerprint == "" {
			continue
		}

		files++
		suffix := strings.TrimPrefix(child.Path, dir)

		for _, le := range byFP[child.Prior.Fingerprint] {
			if !strings.HasSuffix(le.Path, suffix) || d.localClaimed.Contains(le.Path) {
				continue
			}

			candidate := strings.TrimSuffix(le.Path, suffix)
			if candidate == "" || candidate == dir || isUnder(candidate, dir) {
				continue
			}

			votes[candidate]++
		}
	}

	best, bestVotes, tied := "", 0, false

	for candidate, n := range votes {
		ce := d.local.Entries[candidate]
		if ce == nil || ce.Kind != KindDir || d.localClaimed.Contains(candidate) {
			continue
		}

		switch {
		case n > bestVotes:
			best, bestVotes, tied = candidate, n, false
		case n == bestVotes:
			tied = true
		}
	}

	if best == "" || tied || bestVotes*2 < files {
		return "", false
	}

	return best, true
}

// detectLocalFileMoves pairs each vanished file with a new file of the same
// content when exactly one of each exists for that fingerprint.
func (d *detection) detectLocalFileMoves() {
	absentByFP := make(map[string][]*ChangeItem)

	for _, it := range d.items {
		if it.Kind == KindFile && it.Local == StateAbsent && it.Diagnostic == "" &&
			it.Prior != nil && it.Prior.Fingerprint != "" {
			absentByFP[it.Prior.Fingerprint] = append(absentByFP[it.Prior.Fingerprint], it)
		}
	}

	createdByFP := d.unclaimedLocalFiles()

	for fp, absent := range absentByFP {
		created := createdByFP[fp]
		if len(absent) != 1 || len(created) != 1 {
			continue
		}

		it, le := absent[0], created[0]
		d.localClaimed.Add(le.Path)
		it.LocalEntry = le
		it.LocalPath = le.Path
		it.Local = StateUnchanged
	}
}

func (d *detection) unclaimedLocalFiles() map[string][]*LocalEntry {
	out := make(map[string][]*LocalEntry)

	for p, le := range d.local.Entries {
		if le.Kind != KindFile || le.Err != nil || le.Fingerprint == "" || d.localClaimed.Contains(p) {
			continue
		}

		out[le.Fingerprint] = append(out[le.Fingerprint], le)
	}

	for _, list := range out {
		sort.Slice(list, func(i, j int) bool { return list[i].Path < list[j].Path })
	}

	return out
}

// unclaimed builds items for entries that no record accounts for.
func (d *detection) unclaimed() []ChangeItem {
	paths := mapset.NewThreadUnsafeSet[string]()

	for p, le := range d.local.Entries {
		if !d.localClaimed.Contains(p) && !d.excluded(p, le.Kind) {
			paths.Add(p)
		}
	}

	for p, re := range d.remote.ByPath {
		if !d.remoteClaimed.Contains(re.ID) && !d.excluded(p, re.Kind) {
			paths.Add(p)
		}
	}

	out := make([]ChangeItem, 0, paths.Cardinality())

	for _, p := range paths.ToSlice() {
		it := ChangeItem{Path: p}

		le := d.local.Entries[p]
		if le != nil && d.localClaimed.Contains(p) {
			le = nil
		}

		re := d.remote.ByPath[p]
		if re != nil && d.remoteClaimed.Contains(re.ID) {
			re = nil
		}

		if le != nil {
			it.Local = StateCreated
			it.LocalEntry = le
			it.LocalPath = p
			it.Kind = le.Kind

			if le.Err != nil {
				it.Diagnostic = diagLocalReadFailed
			}
		} else if underFailed(d.local.Failed, p) {
			it.Diagnostic = diagLocalUnavailable
		}

		if re != nil {
			it.Remote = StateCreated
			it.RemoteEntry = re
			it.RemotePath = p
			it.Kind = re.Kind

			if le != nil && le.Kind != re.Kind {
				it.Diagnostic = diagKindChanged
			}
		} else if underFailed(d.remote.Failed, p) {
			it.Diagnostic = diagRemoteUnavailable
		}

		out = append(out, it)
	}

	return out
}

func (d *detection) excluded(p string, kind Kind) bool {
	return d.filter != nil && d.filter.Excluded(p, kind == KindDir)
}

// underFailed reports whether p lies inside a subtree whose scan failed.
func underFailed(failed map[string]error, p string) bool {
	if len(failed) == 0 {
		return false
	}

	for cur := p; cur != "" && cur != "."; cur = path.Dir(cur) {
		if _, ok := failed[cur]; ok {
			return true
		}

		if !strings.Contains(cur, "/") {
			break
		}
	}

	return false
}
