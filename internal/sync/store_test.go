package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fileUpsert(p, id, fp string) RecordUpdate {
	return RecordUpdate{Record: Record{
		LocalPath: p, RemoteID: id, RemoteParentID: "root", Fingerprint: fp,
		RemoteRevision: "rev-" + id, Size: 3, Kind: KindFile, Status: StatusActive,
	}}
}

func commit(t *testing.T, s *Store, o Outcome) {
	t.Helper()

	o.Success = true
	require.NoError(t, s.CommitOutcome(context.Background(), &o))
}

func TestStore_UpsertAndLoad(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	commit(t, s, Outcome{Path: "a.txt", Upserts: []RecordUpdate{fileUpsert("a.txt", "r1", "h1")}})
	commit(t, s, Outcome{Path: "dir", Upserts: []RecordUpdate{{Record: dirRecord("dir", "d1", "root")}}})

	set, err := s.LoadRecords(ctx)
	require.NoError(t, err)
	require.Len(t, set.ByPath, 2)

	rec := set.ByPath["a.txt"]
	require.NotNil(t, rec)
	assert.Equal(t, "r1", rec.RemoteID)
	assert.Equal(t, "h1", rec.Fingerprint)
	assert.Equal(t, KindFile, rec.Kind)
	assert.Same(t, rec, set.ByRemoteID["r1"])

	assert.Equal(t, KindDir, set.ByPath["dir"].Kind)
	assert.Empty(t, set.ByPath["dir"].Fingerprint)
}

func TestStore_UpsertReplacesRemoteID(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	commit(t, s, Outcome{Path: "a.txt", Upserts: []RecordUpdate{fileUpsert("a.txt", "r1", "h1")}})

	next := fileUpsert("a.txt", "r2", "h2")
	next.PriorRemoteID = "r1"
	commit(t, s, Outcome{Path: "a.txt", Upserts: []RecordUpdate{next}})

	rec, err := s.RecordByPath(ctx, "a.txt")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "r2", rec.RemoteID)
	assert.Equal(t, "h2", rec.Fingerprint)

	active, _, err := s.RecordCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, active)
}

func TestStore_UpsertEvictsStalePathOwner(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	commit(t, s, Outcome{Path: "a.txt", Upserts: []RecordUpdate{fileUpsert("a.txt", "r1", "h1")}})
	// A new identity lands on the same path without naming the old one.
	commit(t, s, Outcome{Path: "a.txt", Upserts: []RecordUpdate{fileUpsert("a.txt", "r9", "h9")}})

	set, err := s.LoadRecords(ctx)
	require.NoError(t, err)
	require.Len(t, set.ByPath, 1)
	assert.Equal(t, "r9", set.ByPath["a.txt"].RemoteID)
	assert.Nil(t, set.ByRemoteID["r1"])

	// The same identity reappearing elsewhere is updated in place.
	commit(t, s, Outcome{Path: "b.txt", Upserts: []RecordUpdate{fileUpsert("b.txt", "r9", "h9")}})

	set, err = s.LoadRecords(ctx)
	require.NoError(t, err)
	require.Len(t, set.ByPath, 1)
	assert.Equal(t, "b.txt", set.ByRemoteID["r9"].LocalPath)

	// The displaced r1 record is kept as a tombstone.
	active, tombstoned, err := s.RecordCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, active)
	assert.Equal(t, 1, tombstoned)
}

func TestStore_Tombstones(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	commit(t, s, Outcome{Path: "seed", Upserts: []RecordUpdate{
		{Record: dirRecord("docs", "d1", "root")},
		fileUpsert("docs/a.txt", "r1", "h1"),
		fileUpsert("docs/sub/b.txt", "r2", "h2"),
		fileUpsert("docsx.txt", "r3", "h3"),
		fileUpsert("top.txt", "r4", "h4"),
	}})

	commit(t, s, Outcome{Path: "top.txt", Tombstones: []string{"r4"}})
	commit(t, s, Outcome{Path: "docs", TombstoneSubtree: "docs"})

	set, err := s.LoadRecords(ctx)
	require.NoError(t, err)
	assert.Len(t, set.ByPath, 1)
	assert.NotNil(t, set.ByPath["docsx.txt"], "sibling sharing a name prefix survives")

	active, tombstoned, err := s.RecordCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, active)
	assert.Equal(t, 4, tombstoned)
}

func TestStore_RebaseSubtree(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	commit(t, s, Outcome{Path: "seed", Upserts: []RecordUpdate{
		{Record: dirRecord("old", "d1", "root")},
		fileUpsert("old/a.txt", "r1", "h1"),
		fileUpsert("old/deep/b.txt", "r2", "h2"),
		fileUpsert("older.txt", "r3", "h3"),
	}})

	commit(t, s, Outcome{
		Path:    "new",
		Rebase:  &PathRebase{From: "old", To: "new"},
		Upserts: []RecordUpdate{{Record: dirRecord("new", "d1", "root"), PriorRemoteID: "d1"}},
	})

	set, err := s.LoadRecords(ctx)
	require.NoError(t, err)

	for _, p := range []string{"new", "new/a.txt", "new/deep/b.txt", "older.txt"} {
		assert.Contains(t, set.ByPath, p)
	}

	assert.NotContains(t, set.ByPath, "old/a.txt")
}

func TestStore_FailedOutcomeIsIgnored(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	o := Outcome{Path: "a.txt", Upserts: []RecordUpdate{fileUpsert("a.txt", "r1", "h1")}}
	require.NoError(t, s.CommitOutcome(ctx, &o))

	rec, err := s.RecordByPath(ctx, "a.txt")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestStore_Conflicts(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	commit(t, s, Outcome{Path: "a.txt", Conflict: &ConflictEntry{
		ID: "c1", RunID: "run", Path: "a.txt", ConflictPath: "a.conflict-20260101-000000.txt",
		Canonical: SideRemote, LocalHash: "h1", RemoteRevision: "rev",
	}})

	got, err := s.RecentConflicts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a.conflict-20260101-000000.txt", got[0].ConflictPath)
	assert.Equal(t, SideRemote, got[0].Canonical)
	assert.NotZero(t, got[0].DetectedAt)
}

func TestStore_RetryTasksDeadBesideLive(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveRetryTask(ctx, &RetryTask{
		ID: "old", Action: Action{Type: ActionUpload, Path: "a.txt"}, Attempt: 5, LastError: "quota", Dead: true,
	}))
	require.NoError(t, s.SaveRetryTask(ctx, &RetryTask{
		ID: "new", Action: Action{Type: ActionUpload, Path: "a.txt"}, Attempt: 1,
	}))

	// A second live task for the same path is refused.
	require.Error(t, s.SaveRetryTask(ctx, &RetryTask{
		ID: "dup", Action: Action{Type: ActionUpload, Path: "a.txt"}, Attempt: 1,
	}))

	tasks, err := s.LoadRetryTasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	n, err := s.DeleteDeadRetryTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	tasks, err = s.LoadRetryTasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "new", tasks[0].ID)
}

func TestStore_RetryTasks(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	next := time.Unix(0, 1_700_000_000_000_000_000)
	task := &RetryTask{
		ID:             "t1",
		Action:         Action{Type: ActionUpload, Path: "a.txt", Local: &LocalEntry{Path: "a.txt", Fingerprint: "h1"}},
		Attempt:        1,
		NextEligibleAt: next,
		LastError:      "boom",
	}
	require.NoError(t, s.SaveRetryTask(ctx, task))

	// Saving the same task again updates its row.
	task.Attempt = 2
	require.NoError(t, s.SaveRetryTask(ctx, task))

	dead := &RetryTask{ID: "t2", Action: Action{Type: ActionDownload, Path: "b.txt"}, Attempt: 5, Dead: true}
	require.NoError(t, s.SaveRetryTask(ctx, dead))

	tasks, err := s.LoadRetryTasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	byPath := map[string]*RetryTask{}
	for _, tk := range tasks {
		byPath[tk.Action.Path] = tk
	}

	got := byPath["a.txt"]
	require.NotNil(t, got)
	assert.Equal(t, 2, got.Attempt)
	assert.Equal(t, ActionUpload, got.Action.Type)
	assert.Equal(t, "h1", got.Action.Local.Fingerprint)
	assert.True(t, got.NextEligibleAt.Equal(next))
	assert.Equal(t, "boom", got.LastError)
	assert.True(t, byPath["b.txt"].Dead)

	n, err := s.DeleteDeadRetryTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.DeleteRetryTask(ctx, "t1"))

	tasks, err = s.LoadRetryTasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestStore_RunsAndMeta(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	sum := &RunSummary{RunID: "run-1", Reason: "manual", StartedAt: time.Now()}
	require.NoError(t, s.BeginRun(ctx, sum))

	sum.Uploaded = 3
	sum.addError("upload x: boom")
	sum.FinishedAt = time.Now()
	require.NoError(t, s.FinishRun(ctx, sum))

	runs, err := s.RecentRuns(ctx, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-1", runs[0].RunID)
	assert.Equal(t, 3, runs[0].Uploaded)
	assert.Equal(t, 1, runs[0].Errors)
	assert.Equal(t, "partial", runStatus(&runs[0]))

	v, err := s.Meta(ctx, "local_root")
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, s.SetMeta(ctx, "local_root", "/data"))
	require.NoError(t, s.SetMeta(ctx, "local_root", "/data2"))

	v, err = s.Meta(ctx, "local_root")
	require.NoError(t, err)
	assert.Equal(t, "/data2", v)
}
