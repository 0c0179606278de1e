package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/drivesync/internal/config"
	"github.com/tonimelisma/drivesync/internal/remote/memdrive"
	"github.com/tonimelisma/drivesync/internal/sync"
)

// testLogger returns a debug-level logger that writes to t.Log.
func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(testLogWriter{t: t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type testLogWriter struct {
	t *testing.T
}

func (w testLogWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

// testConfig returns a resolved config over fresh local and state dirs.
func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Sync.LocalRoot = t.TempDir()
	cfg.Sync.StateDir = t.TempDir()
	cfg.Remote.AccessToken = "u-test"
	cfg.Events.Listen = "127.0.0.1:0"

	require.NoError(t, config.Validate(cfg))

	return cfg
}

func TestSyncOptions_MapsConfig(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()
	cfg.Sync.Policy = config.PolicyLocalWins
	cfg.Sync.ConflictPolicy = config.ConflictNewerWins
	cfg.Sync.ClockSkewTolerance = "3s"
	cfg.Sync.LocalDeleteMode = config.DeleteModeHard
	cfg.Sync.CleanupEmptyRemoteDirs = true
	cfg.Sync.DedupeRemote = true
	cfg.Sync.Ignore = []string{"*.tmp"}
	cfg.Sync.CheckWorkers = 2

	opts := syncOptions(cfg)
	assert.Equal(t, sync.PolicyLocalWins, opts.Policy)
	assert.Equal(t, sync.ConflictNewerWins, opts.ConflictPolicy)
	assert.Equal(t, "3s", opts.ClockSkew.String())
	assert.True(t, opts.HardDeleteLocal)
	assert.False(t, opts.HardDeleteRemote)
	assert.True(t, opts.CleanupEmptyRemoteDirs)
	assert.True(t, opts.DedupeRemote)
	assert.Equal(t, []string{"*.tmp"}, opts.Ignore)
	assert.Equal(t, 2, opts.CheckWorkers)
	assert.False(t, opts.DryRun)
}

func TestSyncOptions_InitialStrategy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		strategy   string
		wantPolicy sync.Policy
		wantDryRun bool
	}{
		{"", "", false},
		{config.PolicyRemoteWins, sync.PolicyRemoteWins, false},
		{config.PolicyLocalWins, sync.PolicyLocalWins, false},
		{config.InitialDryRun, "", true},
	}

	for _, tt := range tests {
		cfg := config.DefaultConfig()
		cfg.Sync.InitialStrategy = tt.strategy

		opts := syncOptions(cfg)
		assert.Equal(t, tt.wantPolicy, opts.InitialStrategy, tt.strategy)
		assert.Equal(t, tt.wantDryRun, opts.InitialDryRun, tt.strategy)
	}
}

func TestDescribeRunError(t *testing.T) {
	t.Parallel()

	assert.Nil(t, describeRunError(nil))

	err := describeRunError(fmt.Errorf("run: %w", sync.ErrBigDeleteBlocked))
	require.ErrorIs(t, err, sync.ErrBigDeleteBlocked)
	assert.Contains(t, err.Error(), "--force")

	err = describeRunError(sync.ErrRootChanged)
	require.ErrorIs(t, err, sync.ErrRootChanged)
	assert.Contains(t, err.Error(), "state_dir")

	plain := fmt.Errorf("boom")
	assert.Equal(t, plain, describeRunError(plain))
}

func TestNewEngine_RejectsUnresolvedConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	store, err := openStore(context.Background(), cfg, testLogger(t))
	require.NoError(t, err)
	defer store.Close()

	missing := *cfg
	missing.Sync.LocalRoot = filepath.Join(t.TempDir(), "absent")
	_, err = newEngine(context.Background(), &missing, store, memdrive.New(), testLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "local root")

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o600))

	notDir := *cfg
	notDir.Sync.LocalRoot = file
	_, err = newEngine(context.Background(), &notDir, store, memdrive.New(), testLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a directory")

	noCreds := *cfg
	noCreds.Remote = config.RemoteConfig{Provider: config.ProviderFeishu, Timeout: "60s"}
	_, err = newEngine(context.Background(), &noCreds, store, memdrive.New(), testLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access_token")
}

func TestNewEngine_DryRunThenSync(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := testConfig(t)

	store, err := openStore(ctx, cfg, testLogger(t))
	require.NoError(t, err)
	defer store.Close()

	drive := memdrive.New()
	drive.Put("docs/readme.txt", []byte("from remote"))

	require.NoError(t, os.WriteFile(filepath.Join(cfg.Sync.LocalRoot, "local.txt"), []byte("from local"), 0o600))

	engine, err := newEngine(ctx, cfg, store, drive, testLogger(t))
	require.NoError(t, err)

	opts := syncOptions(cfg)
	opts.DryRun = true

	sum, err := engine.RunOnce(ctx, "manual", opts)
	require.NoError(t, err)
	assert.True(t, sum.DryRun)
	assert.NotEmpty(t, sum.Planned)
	assert.NoFileExists(t, filepath.Join(cfg.Sync.LocalRoot, "docs", "readme.txt"))

	sum, err = engine.RunOnce(ctx, "manual", syncOptions(cfg))
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Downloaded)
	assert.Equal(t, 1, sum.Uploaded)

	got, err := os.ReadFile(filepath.Join(cfg.Sync.LocalRoot, "docs", "readme.txt"))
	require.NoError(t, err)
	assert.Equal(t, "from remote", string(got))

	content, ok := drive.Content("local.txt")
	require.True(t, ok)
	assert.Equal(t, "from local", string(content))
}
