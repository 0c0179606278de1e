package sync

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/drivesync/internal/remote/memdrive"
)

// testLogger returns a debug-level logger that writes to t.Log, so output
// only appears for failed tests or with -v.
func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(&testLogWriter{t: t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// testLogWriter adapts testing.T to io.Writer for slog.
type testLogWriter struct {
	t *testing.T
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))

	return len(p), nil
}

func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := OpenStore(context.Background(), filepath.Join(t.TempDir(), "state.db"), testLogger(t))
	require.NoError(t, err)

	t.Cleanup(func() { s.Close() })

	return s
}

func writeLocal(t *testing.T, root, rel, data string) {
	t.Helper()

	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(data), 0o644))
}

func readLocal(t *testing.T, root, rel string) string {
	t.Helper()

	b, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	require.NoError(t, err)

	return string(b)
}

func localExists(root, rel string) bool {
	_, err := os.Lstat(filepath.Join(root, filepath.FromSlash(rel)))
	return err == nil
}

// touchLocal moves a file's mtime forward so the scanner cannot take the
// size+mtime fast path after a same-size edit.
func touchLocal(t *testing.T, root, rel string, delta time.Duration) {
	t.Helper()

	p := filepath.Join(root, filepath.FromSlash(rel))
	info, err := os.Stat(p)
	require.NoError(t, err)

	mtime := info.ModTime().Add(delta)
	require.NoError(t, os.Chtimes(p, mtime, mtime))
}

// engineFixture is a complete engine over a temp dir and an in-memory drive.
type engineFixture struct {
	engine *Engine
	store  *Store
	drive  *memdrive.Drive
	clock  *clockwork.FakeClock
	root   string
	opts   Options
}

func newEngineFixture(t *testing.T, policy Policy) *engineFixture {
	t.Helper()

	store := newTestStore(t)
	drive := memdrive.New()
	root := t.TempDir()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	eng, err := NewEngine(context.Background(), &EngineConfig{
		LocalRoot:  root,
		RemoteRoot: "root",
		Store:      store,
		Drive:      drive,
		Clock:      clock,
		Safety: SafetyConfig{
			BigDeleteMinItems:   DefaultBigDeleteMinItems,
			BigDeleteThreshold:  DefaultBigDeleteThreshold,
			BigDeletePercentage: DefaultBigDeletePercentage,
		},
		Logger: testLogger(t),
	})
	require.NoError(t, err)

	return &engineFixture{
		engine: eng,
		store:  store,
		drive:  drive,
		clock:  clock,
		root:   root,
		opts: Options{
			Policy:          policy,
			ConflictPolicy:  ConflictKeepBoth,
			CheckWorkers:    2,
			TransferWorkers: 2,
		},
	}
}

func (f *engineFixture) run(t *testing.T) *RunSummary {
	t.Helper()

	sum, err := f.engine.RunOnce(context.Background(), "test", f.opts)
	require.NoError(t, err)
	require.Zero(t, sum.Errors, "errors: %v", sum.ErrorList)

	return sum
}

func (f *engineFixture) record(t *testing.T, p string) *Record {
	t.Helper()

	rec, err := f.store.RecordByPath(context.Background(), p)
	require.NoError(t, err)

	return rec
}
