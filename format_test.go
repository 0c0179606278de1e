package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/drivesync/internal/sync"
)

func TestFormatSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		bytes int64
		want  string
	}{
		{-1, "-"},
		{0, "0 B"},
		{512, "512 B"},
		{1536, "1.5 KiB"},
		{5 * 1024 * 1024, "5.0 MiB"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, formatSize(tt.bytes), tt.bytes)
	}
}

func TestFormatTime(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "-", formatTime(time.Time{}))
	assert.Equal(t, "-", formatUnixNano(0))
	assert.Contains(t, formatTime(time.Now().Add(-3*time.Hour)), "hours ago")
	assert.Contains(t, formatUnixNano(time.Now().Add(-2*time.Minute).UnixNano()), "minutes ago")
}

func TestShortID(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "0190a1b2", shortID("0190a1b2-c3d4-7e5f"))
	assert.Equal(t, "abc", shortID("abc"))
}

func TestPrintTable_AlignsColumns(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	printTable(&buf, []string{"PATH", "SIZE"}, [][]string{
		{"a.txt", "1 B"},
		{"docs/long-name.md", "2 KiB"},
	})

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "PATH               SIZE", lines[0])
	assert.Equal(t, "a.txt              1 B", lines[1])
	assert.Equal(t, "docs/long-name.md  2 KiB", lines[2])
}

func TestPrintRunSummary_Counts(t *testing.T) {
	t.Parallel()

	sum := &sync.RunSummary{
		RunID:       "0190a1b2-c3d4",
		Duration:    1500 * time.Millisecond,
		LocalTotal:  4,
		RemoteTotal: 5,
		Uploaded:    2,
		Conflicts:   1,
		Diagnostics: []string{"skipped online document notes"},
		ErrorList:   []string{"upload a.txt: quota exceeded"},
		Errors:      1,
	}

	var buf bytes.Buffer
	require.NoError(t, printRunSummary(&buf, sum, false))

	out := buf.String()
	assert.Contains(t, out, "Run 0190a1b2: 1.5s, 4 local / 5 remote items")
	assert.Contains(t, out, "uploaded")
	assert.Contains(t, out, "conflicts")
	assert.NotContains(t, out, "downloaded")
	assert.Contains(t, out, "note: skipped online document notes")
	assert.Contains(t, out, "error: upload a.txt: quota exceeded")
	assert.NotContains(t, out, "would")
}

func TestPrintRunSummary_DryRun(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, printRunSummary(&buf, &sync.RunSummary{
		RunID:   "r1",
		DryRun:  true,
		Planned: []string{"download docs/a.txt", "upload b.txt"},
	}, false))

	out := buf.String()
	assert.Contains(t, out, "(dry run)")
	assert.Contains(t, out, "would download docs/a.txt")
	assert.Contains(t, out, "would upload b.txt")

	buf.Reset()
	require.NoError(t, printRunSummary(&buf, &sync.RunSummary{RunID: "r2", DryRun: true}, false))
	assert.Contains(t, buf.String(), "nothing to do")
}

func TestPrintRunSummary_FatalAndJSON(t *testing.T) {
	t.Parallel()

	sum := &sync.RunSummary{RunID: "r1", Reason: "manual", FatalError: "remote root changed"}

	var buf bytes.Buffer
	require.NoError(t, printRunSummary(&buf, sum, false))
	assert.Contains(t, buf.String(), "failed: remote root changed")

	buf.Reset()
	require.NoError(t, printRunSummary(&buf, sum, true))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "manual", decoded["reason"])
	assert.Equal(t, "remote root changed", decoded["fatal_error"])
}
