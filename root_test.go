package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/drivesync/internal/config"
)

// Global flag reset pattern: newRootCmd() binds flags via StringVar/BoolVar,
// which reset the global flag variables to their zero values. Tests that
// need flags use cmd.SetArgs() + cmd.Execute() and let Cobra parse them.

func TestParseLevel(t *testing.T) {
	t.Parallel()

	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelInfo, parseLevel("info"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warn"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
}

func TestBuildLogger_FlagsOverrideConfig(t *testing.T) {
	t.Parallel()

	cfg := &config.LoggingConfig{LogLevel: "warn", LogFormat: config.LogFormatText}
	ctx := context.Background()

	logger, closer, err := buildLogger(cfg, CLIFlags{})
	require.NoError(t, err)
	assert.Nil(t, closer)
	assert.True(t, logger.Enabled(ctx, slog.LevelWarn))
	assert.False(t, logger.Enabled(ctx, slog.LevelInfo))

	logger, _, err = buildLogger(cfg, CLIFlags{Verbose: true})
	require.NoError(t, err)
	assert.True(t, logger.Enabled(ctx, slog.LevelDebug))

	logger, _, err = buildLogger(cfg, CLIFlags{Quiet: true})
	require.NoError(t, err)
	assert.False(t, logger.Enabled(ctx, slog.LevelWarn))
	assert.True(t, logger.Enabled(ctx, slog.LevelError))
}

func TestBuildLogger_LogFileGetsJSON(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "logs", "drivesync.log")
	cfg := &config.LoggingConfig{LogLevel: "info", LogFormat: config.LogFormatText, LogFile: path}

	logger, closer, err := buildLogger(cfg, CLIFlags{Quiet: true})
	require.NoError(t, err)
	require.NotNil(t, closer)

	logger.Error("upload failed", slog.String("path", "a/b.txt"))
	logger.Info("filtered out by quiet")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := bytes.Split(bytes.TrimSpace(data), []byte("\n"))
	require.Len(t, lines, 1)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &rec))
	assert.Equal(t, "upload failed", rec["msg"])
	assert.Equal(t, "a/b.txt", rec["path"])
}

func TestConsoleHandler_Formats(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		format string
		tty    bool
		want   string
	}{
		{"json", config.LogFormatJSON, true, `"msg":"hello"`},
		{"text", config.LogFormatText, true, "msg=hello"},
		{"auto without terminal", config.LogFormatAuto, false, "msg=hello"},
		{"auto on terminal", config.LogFormatAuto, true, "hello"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var buf bytes.Buffer
			slog.New(consoleHandler(&buf, tt.format, slog.LevelInfo, tt.tty)).Info("hello")
			assert.Contains(t, buf.String(), tt.want)
		})
	}
}

func TestMultiHandler_RespectsEachLevel(t *testing.T) {
	t.Parallel()

	var debugBuf, errorBuf bytes.Buffer

	logger := slog.New(newMultiHandler(
		slog.NewTextHandler(&debugBuf, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewTextHandler(&errorBuf, &slog.HandlerOptions{Level: slog.LevelError}),
	)).With(slog.String("run_id", "r1"))

	logger.Debug("scan started")
	logger.Error("run failed")

	assert.Contains(t, debugBuf.String(), "scan started")
	assert.Contains(t, debugBuf.String(), "run_id=r1")
	assert.NotContains(t, errorBuf.String(), "scan started")
	assert.Contains(t, errorBuf.String(), "run failed")
	assert.Contains(t, errorBuf.String(), "run_id=r1")
}

func TestRootCmd_RegistersCommands(t *testing.T) {
	cmd := newRootCmd()

	var names []string
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}

	for _, want := range []string{"sync", "serve", "status", "conflicts", "retries", "trigger", "verify", "config"} {
		assert.Contains(t, names, want)
	}
}

func TestRootCmd_InvalidConfigFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[sync]\npolicy = \"sideways\"\n"), 0o600))

	cmd := newRootCmd()
	cmd.SetArgs([]string{"--config", path, "status"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loading config")
	assert.Contains(t, err.Error(), "sync.policy")
}

func TestRootCmd_SyncPolicyFlagOverridesConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[sync]\npolicy = \"remote_wins\"\n"), 0o600))

	cmd := newRootCmd()
	cmd.SetArgs([]string{"--config", path, "sync", "--policy", "nonsense"})

	// The override is validated like any other value.
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"nonsense"`)
}

func TestMustCLIContext_PanicsWithoutPreRun(t *testing.T) {
	t.Parallel()

	assert.Panics(t, func() { mustCLIContext(context.Background()) })
}
