package sync

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (w *world) plan(t *testing.T, cfg PlannerConfig) *Plan {
	t.Helper()

	f, err := NewFilter(nil, t.TempDir())
	require.NoError(t, err)

	cfg.LocalFailed = w.local.Failed
	cfg.RemoteFailed = w.remote.Failed

	items := DetectChanges(w.records, w.local, w.remote, f)

	return NewPlanner(testLogger(t)).Plan(items, w.remote.Duplicates, cfg)
}

func onlyAction(t *testing.T, plan *Plan) Action {
	t.Helper()

	require.Len(t, plan.Actions, 1, "actions: %v", plan.Actions)

	return plan.Actions[0]
}

func TestPlanner_FileMatrix(t *testing.T) {
	t.Parallel()

	localEdit := func(w *world) {
		w.record("a.txt", "r1", "h1", "rev1", KindFile)
		w.localFile("a.txt", "h1-new")
		w.remoteFile("a.txt", "r1", "rev1")
	}
	remoteEdit := func(w *world) {
		w.record("a.txt", "r1", "h1", "rev1", KindFile)
		w.localFile("a.txt", "h1")
		w.remoteFile("a.txt", "r1", "rev1-new")
	}
	bothEdit := func(w *world) {
		w.record("a.txt", "r1", "h1", "rev1", KindFile)
		w.localFile("a.txt", "h1-new")
		w.remoteFile("a.txt", "r1", "rev1-new")
	}
	localGone := func(w *world) {
		w.record("a.txt", "r1", "h1", "rev1", KindFile)
		w.remoteFile("a.txt", "r1", "rev1")
	}
	localGoneRemoteEdit := func(w *world) {
		w.record("a.txt", "r1", "h1", "rev1", KindFile)
		w.remoteFile("a.txt", "r1", "rev1-new")
	}
	remoteGone := func(w *world) {
		w.record("a.txt", "r1", "h1", "rev1", KindFile)
		w.localFile("a.txt", "h1")
	}
	remoteGoneLocalEdit := func(w *world) {
		w.record("a.txt", "r1", "h1", "rev1", KindFile)
		w.localFile("a.txt", "h1-new")
	}
	bothGone := func(w *world) {
		w.record("a.txt", "r1", "h1", "rev1", KindFile)
	}

	tests := []struct {
		name   string
		setup  func(*world)
		policy Policy
		want   ActionType
		reason string
	}{
		{"local edit remote_wins", localEdit, PolicyRemoteWins, ActionDownload, reasonDiscardLocal},
		{"local edit local_wins", localEdit, PolicyLocalWins, ActionUpload, ""},
		{"local edit bidirectional", localEdit, PolicyBidirectional, ActionUpload, ""},

		{"remote edit remote_wins", remoteEdit, PolicyRemoteWins, ActionDownload, ""},
		{"remote edit local_wins", remoteEdit, PolicyLocalWins, ActionUpload, reasonDiscardRemote},
		{"remote edit bidirectional", remoteEdit, PolicyBidirectional, ActionDownload, ""},

		{"both edit remote_wins", bothEdit, PolicyRemoteWins, ActionDownload, reasonDiscardLocal},
		{"both edit local_wins", bothEdit, PolicyLocalWins, ActionUpload, reasonDiscardRemote},
		{"both edit bidirectional", bothEdit, PolicyBidirectional, ActionConflict, ""},

		{"local delete remote_wins", localGone, PolicyRemoteWins, ActionDownload, ""},
		{"local delete local_wins", localGone, PolicyLocalWins, ActionDeleteRemote, ""},
		{"local delete bidirectional", localGone, PolicyBidirectional, ActionDeleteRemote, ""},

		{"local delete remote edit bidirectional", localGoneRemoteEdit, PolicyBidirectional, ActionDownload, ""},
		{"local delete remote edit local_wins", localGoneRemoteEdit, PolicyLocalWins, ActionDeleteRemote, ""},

		{"remote delete remote_wins", remoteGone, PolicyRemoteWins, ActionUpload, ""},
		{"remote delete local_wins", remoteGone, PolicyLocalWins, ActionDeleteLocal, ""},
		{"remote delete bidirectional", remoteGone, PolicyBidirectional, ActionDeleteLocal, ""},

		{"remote delete local edit bidirectional", remoteGoneLocalEdit, PolicyBidirectional, ActionUpload, ""},
		{"remote delete local edit remote_wins", remoteGoneLocalEdit, PolicyRemoteWins, ActionUpload, ""},
		{"remote delete local edit local_wins", remoteGoneLocalEdit, PolicyLocalWins, ActionDeleteLocal, ""},

		{"both gone", bothGone, PolicyBidirectional, ActionTombstone, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			w := newWorld()
			tt.setup(w)

			a := onlyAction(t, w.plan(t, PlannerConfig{Policy: tt.policy}))
			assert.Equal(t, tt.want, a.Type)
			assert.Equal(t, "a.txt", a.Path)
			require.NotNil(t, a.Prior)
			assert.Equal(t, "r1", a.Prior.RemoteID)

			if tt.reason != "" {
				assert.Equal(t, tt.reason, a.Reason)
			}
		})
	}
}

func TestPlanner_DirectoryRemoteGone(t *testing.T) {
	t.Parallel()

	tests := []struct {
		policy Policy
		want   ActionType
	}{
		{PolicyRemoteWins, ActionCreateRemoteDir},
		{PolicyLocalWins, ActionDeleteLocal},
		{PolicyBidirectional, ActionDeleteLocal},
	}

	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			t.Parallel()

			w := newWorld()
			w.record("docs", "d1", "", "", KindDir)
			w.localDir("docs")

			a := onlyAction(t, w.plan(t, PlannerConfig{Policy: tt.policy}))
			assert.Equal(t, tt.want, a.Type)
			assert.Equal(t, "docs", a.Path)
		})
	}
}

func TestPlanner_InSyncIsEmpty(t *testing.T) {
	t.Parallel()

	w := newWorld()
	w.synced("a.txt", "r1", "h1")
	w.syncedDir("docs", "d1")

	for _, pol := range []Policy{PolicyRemoteWins, PolicyLocalWins, PolicyBidirectional} {
		plan := w.plan(t, PlannerConfig{Policy: pol})
		assert.Empty(t, plan.Actions, pol)
		assert.Zero(t, plan.Deletes)
	}
}

func TestPlanner_NewItems(t *testing.T) {
	t.Parallel()

	w := newWorld()
	w.localFile("up.txt", "h1")
	w.localDir("newdir")
	w.remoteFile("down.txt", "r2", "rev2")
	w.remoteDir("remotedir", "d2")
	w.localDir("shared")
	w.remoteDir("shared", "d3")

	plan := w.plan(t, PlannerConfig{Policy: PolicyBidirectional})

	got := map[string]ActionType{}
	for _, a := range plan.Actions {
		got[a.Path] = a.Type
	}

	assert.Equal(t, map[string]ActionType{
		"up.txt":    ActionUpload,
		"newdir":    ActionCreateRemoteDir,
		"down.txt":  ActionDownload,
		"remotedir": ActionCreateLocalDir,
		"shared":    ActionAdopt,
	}, got)
}

func TestPlanner_CreatedOnBothSides(t *testing.T) {
	t.Parallel()

	setup := func() *world {
		w := newWorld()
		w.localFile("a.txt", "h1")
		w.remoteFile("a.txt", "r1", "rev1")

		return w
	}

	a := onlyAction(t, setup().plan(t, PlannerConfig{Policy: PolicyBidirectional}))
	assert.Equal(t, ActionConflict, a.Type)
	assert.Equal(t, reasonCreatedBoth, a.Reason)

	a = onlyAction(t, setup().plan(t, PlannerConfig{
		Policy: PolicyBidirectional, Initial: true, InitialStrategy: PolicyLocalWins,
	}))
	assert.Equal(t, ActionUpload, a.Type)

	a = onlyAction(t, setup().plan(t, PlannerConfig{
		Policy: PolicyBidirectional, Initial: false, InitialStrategy: PolicyLocalWins,
	}))
	assert.Equal(t, ActionConflict, a.Type, "initial strategy applies only to the first run")
}

func TestPlanner_NewerWinsCanonical(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).UnixNano()

	tests := []struct {
		name  string
		local int64
		want  Side
	}{
		{"local newer beyond skew", base + int64(10*time.Second), SideLocal},
		{"local newer within skew", base + int64(1*time.Second), SideRemote},
		{"remote newer", base - int64(10*time.Second), SideRemote},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			w := newWorld()
			w.record("a.txt", "r1", "h1", "rev1", KindFile)
			w.localFile("a.txt", "h1-new").Mtime = tt.local
			w.remoteFile("a.txt", "r1", "rev1-new").Mtime = base

			a := onlyAction(t, w.plan(t, PlannerConfig{
				Policy:         PolicyBidirectional,
				ConflictPolicy: ConflictNewerWins,
				ClockSkew:      2 * time.Second,
			}))
			assert.Equal(t, ActionConflict, a.Type)
			assert.Equal(t, tt.want, a.Canonical)
		})
	}
}

func TestPlanner_KeepBothAlwaysRemoteCanonical(t *testing.T) {
	t.Parallel()

	w := newWorld()
	w.record("a.txt", "r1", "h1", "rev1", KindFile)
	w.localFile("a.txt", "h1-new").Mtime = time.Now().UnixNano()
	w.remoteFile("a.txt", "r1", "rev1-new").Mtime = 1

	a := onlyAction(t, w.plan(t, PlannerConfig{Policy: PolicyBidirectional, ConflictPolicy: ConflictKeepBoth}))
	assert.Equal(t, SideRemote, a.Canonical)
}

func TestPlanner_Moves(t *testing.T) {
	t.Parallel()

	t.Run("remote move bidirectional", func(t *testing.T) {
		t.Parallel()

		w := newWorld()
		w.record("a.txt", "r1", "h1", "rev1", KindFile)
		w.localFile("a.txt", "h1")
		w.remoteFile("archive/a.txt", "r1", "rev1")

		a := onlyAction(t, w.plan(t, PlannerConfig{Policy: PolicyBidirectional}))
		assert.Equal(t, ActionMoveLocal, a.Type)
		assert.Equal(t, "a.txt", a.OldPath)
		assert.Equal(t, "archive/a.txt", a.Path)
		assert.Equal(t, "a.txt", a.RecordPath)
	})

	t.Run("remote move local_wins moves it back", func(t *testing.T) {
		t.Parallel()

		w := newWorld()
		w.record("a.txt", "r1", "h1", "rev1", KindFile)
		w.localFile("a.txt", "h1")
		w.remoteFile("archive/a.txt", "r1", "rev1")

		a := onlyAction(t, w.plan(t, PlannerConfig{Policy: PolicyLocalWins}))
		assert.Equal(t, ActionMoveRemote, a.Type)
		assert.Equal(t, "archive/a.txt", a.OldPath)
		assert.Equal(t, "a.txt", a.Path)
	})

	t.Run("local move bidirectional", func(t *testing.T) {
		t.Parallel()

		w := newWorld()
		w.record("a.txt", "r1", "h1", "rev1", KindFile)
		w.remoteFile("a.txt", "r1", "rev1")
		w.localFile("renamed.txt", "h1")

		a := onlyAction(t, w.plan(t, PlannerConfig{Policy: PolicyBidirectional}))
		assert.Equal(t, ActionMoveRemote, a.Type)
		assert.Equal(t, "a.txt", a.OldPath)
		assert.Equal(t, "renamed.txt", a.Path)
	})

	t.Run("move plus edit", func(t *testing.T) {
		t.Parallel()

		w := newWorld()
		w.record("a.txt", "r1", "h1", "rev1", KindFile)
		w.localFile("a.txt", "h1")
		w.remoteFile("archive/a.txt", "r1", "rev1-new")

		plan := w.plan(t, PlannerConfig{Policy: PolicyBidirectional})
		require.Len(t, plan.Actions, 2)
		assert.Equal(t, ActionMoveLocal, plan.Actions[0].Type)
		assert.Equal(t, ActionDownload, plan.Actions[1].Type)
		assert.Equal(t, "archive/a.txt", plan.Actions[1].Path)
		assert.Contains(t, plan.Deps[1], 0, "content follows the move")
	})

	t.Run("occupied destination is blocked", func(t *testing.T) {
		t.Parallel()

		w := newWorld()
		w.record("a.txt", "r1", "h1", "rev1", KindFile)
		w.localFile("a.txt", "h1")
		w.remoteFile("b.txt", "r1", "rev1")
		w.localFile("b.txt", "other")

		plan := w.plan(t, PlannerConfig{Policy: PolicyBidirectional})

		for _, a := range plan.Actions {
			assert.NotEqual(t, ActionMoveLocal, a.Type)
		}

		assert.NotEmpty(t, plan.Diagnostics)
	})
}

func TestPlanner_DirectoryMoveRewritesChildren(t *testing.T) {
	t.Parallel()

	w := newWorld()
	w.record("old", "d1", "", "", KindDir)
	w.localDir("old")
	w.remoteDir("new", "d1")
	w.record("old/a.txt", "r1", "h1", "rev1", KindFile)
	w.localFile("old/a.txt", "h1")
	w.remoteFile("new/a.txt", "r1", "rev1-new")

	plan := w.plan(t, PlannerConfig{Policy: PolicyBidirectional})
	require.Len(t, plan.Actions, 2)

	move := plan.Actions[0]
	assert.Equal(t, ActionMoveLocal, move.Type)
	assert.Equal(t, "old", move.OldPath)
	assert.Equal(t, "new", move.Path)

	dl := plan.Actions[1]
	assert.Equal(t, ActionDownload, dl.Type)
	assert.Equal(t, "new/a.txt", dl.Path)
	assert.Equal(t, "new/a.txt", dl.RecordPath)
	assert.Contains(t, plan.Deps[1], 0)
}

func TestPlanner_DirectoryDeleteFolds(t *testing.T) {
	t.Parallel()

	w := newWorld()
	w.record("docs", "d1", "", "", KindDir)
	w.remoteDir("docs", "d1")
	w.record("docs/a.txt", "r1", "h1", "rev1", KindFile)
	w.remoteFile("docs/a.txt", "r1", "rev1")
	w.record("docs/b.txt", "r2", "h2", "rev2", KindFile)
	w.remoteFile("docs/b.txt", "r2", "rev2")

	plan := w.plan(t, PlannerConfig{Policy: PolicyBidirectional, HardDeleteRemote: true})

	a := onlyAction(t, plan)
	assert.Equal(t, ActionDeleteRemote, a.Type)
	assert.Equal(t, "docs", a.Path)
	assert.True(t, a.Subtree)
	assert.True(t, a.Hard)
	assert.Equal(t, 3, plan.Deletes)
}

func TestPlanner_DirectoryDeleteRestoredWhenChildChanged(t *testing.T) {
	t.Parallel()

	w := newWorld()
	w.record("docs", "d1", "", "", KindDir)
	w.remoteDir("docs", "d1")
	w.record("docs/a.txt", "r1", "h1", "rev1", KindFile)
	w.remoteFile("docs/a.txt", "r1", "rev1")
	w.record("docs/b.txt", "r2", "h2", "rev2", KindFile)
	w.remoteFile("docs/b.txt", "r2", "rev2-new")

	plan := w.plan(t, PlannerConfig{Policy: PolicyBidirectional})

	got := map[string]ActionType{}
	for _, a := range plan.Actions {
		got[a.Path] = a.Type
	}

	assert.Equal(t, ActionCreateLocalDir, got["docs"])
	assert.Equal(t, ActionDownload, got["docs/b.txt"])
	assert.Equal(t, ActionDeleteRemote, got["docs/a.txt"])
	assert.Equal(t, 1, plan.Deletes)
}

func TestPlanner_DirectoryDeleteNotFoldedOverFailedScan(t *testing.T) {
	t.Parallel()

	w := newWorld()
	w.record("docs", "d1", "", "", KindDir)
	w.localDir("docs")
	w.record("docs/a.txt", "r1", "h1", "rev1", KindFile)
	w.localFile("docs/a.txt", "h1")
	w.localDir("docs/locked")
	w.local.Failed["docs/locked"] = errors.New("permission denied")

	plan := w.plan(t, PlannerConfig{Policy: PolicyBidirectional})

	for _, a := range plan.Actions {
		if a.Path == "docs" {
			assert.NotEqual(t, ActionDeleteLocal, a.Type)
		}
	}
}

func TestPlanner_BlockedItemsAreDiagnosed(t *testing.T) {
	t.Parallel()

	w := newWorld()
	w.record("offline/a.txt", "r1", "h1", "rev1", KindFile)
	w.remote.Failed["offline"] = errors.New("503")

	plan := w.plan(t, PlannerConfig{Policy: PolicyBidirectional})

	assert.Empty(t, plan.Actions, "nothing is deleted while the remote side is unknown")
	require.Len(t, plan.Diagnostics, 1)
	assert.Contains(t, plan.Diagnostics[0], "offline/a.txt")
}

func TestPlanner_CleanupEmptyRemoteDirs(t *testing.T) {
	t.Parallel()

	setup := func() *world {
		w := newWorld()
		w.remoteDir("stale", "d1")
		w.remoteDir("stale/inner", "d2")

		return w
	}

	plan := setup().plan(t, PlannerConfig{Policy: PolicyLocalWins})
	assert.Empty(t, plan.Cleanup)
	assert.Len(t, plan.Actions, 2)

	plan = setup().plan(t, PlannerConfig{Policy: PolicyLocalWins, CleanupEmptyRemoteDirs: true})
	assert.Empty(t, plan.Actions)
	require.Len(t, plan.Cleanup, 2)
	assert.Equal(t, "stale/inner", plan.Cleanup[0].Path, "deepest first")
	assert.Equal(t, ActionCleanupRemoteDir, plan.Cleanup[1].Type)
}

func TestPlanner_CleanupRecursiveNeedsFlag(t *testing.T) {
	t.Parallel()

	setup := func() *world {
		w := newWorld()
		w.remoteDir("stale", "d1")
		w.remoteFile("stale/a.txt", "r1", "rev1")

		return w
	}

	plan := setup().plan(t, PlannerConfig{Policy: PolicyLocalWins, CleanupEmptyRemoteDirs: true})
	assert.Empty(t, plan.Cleanup)

	plan = setup().plan(t, PlannerConfig{Policy: PolicyLocalWins, CleanupRemoteDirsRecursive: true})
	require.Len(t, plan.Cleanup, 1)
	assert.True(t, plan.Cleanup[0].Subtree)
	assert.Empty(t, plan.Actions)
}

func TestPlanner_Duplicates(t *testing.T) {
	t.Parallel()

	setup := func() *world {
		w := newWorld()
		w.synced("a.txt", "r1", "h1")
		w.remote.Duplicates = []*RemoteEntry{{ID: "r0", Path: "a.txt", Name: "a.txt", Kind: KindFile}}

		return w
	}

	plan := setup().plan(t, PlannerConfig{Policy: PolicyBidirectional})
	assert.Empty(t, plan.Cleanup)
	require.Len(t, plan.Diagnostics, 1)

	plan = setup().plan(t, PlannerConfig{Policy: PolicyBidirectional, DedupeRemote: true})
	require.Len(t, plan.Cleanup, 1)
	assert.Equal(t, ActionDeleteRemote, plan.Cleanup[0].Type)
	assert.Equal(t, reasonDuplicate, plan.Cleanup[0].Reason)
	assert.Equal(t, "r0", plan.Cleanup[0].Remote.ID)
}

func TestBuildDependencies(t *testing.T) {
	t.Parallel()

	actions := []Action{
		{Type: ActionCreateLocalDir, Path: "docs", Kind: KindDir},
		{Type: ActionDownload, Path: "docs/sub/a.txt"},
		{Type: ActionDeleteLocal, Path: "old/x.txt"},
		{Type: ActionDeleteLocal, Path: "old", Kind: KindDir},
		{Type: ActionMoveRemote, OldPath: "tmp/b.txt", Path: "docs/b.txt"},
	}

	deps := buildDependencies(actions)

	assert.Empty(t, deps[0])
	assert.Equal(t, []int{0}, deps[1])
	assert.Empty(t, deps[2])
	assert.Equal(t, []int{2}, deps[3])
	assert.Equal(t, []int{0}, deps[4])
}
