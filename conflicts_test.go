package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/drivesync/internal/sync"
)

func TestPrintConflictsTable(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	printConflictsTable(&buf, []sync.ConflictEntry{
		{
			ID:           "0190a1b2-c3d4-7e5f",
			Path:         "notes/plan.md",
			ConflictPath: "notes/plan.conflict-20260101-120000.md",
			Canonical:    sync.SideRemote,
			DetectedAt:   time.Now().Add(-time.Hour).UnixNano(),
		},
	})

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	assert.Contains(t, lines[0], "CANONICAL")
	assert.Contains(t, lines[1], "0190a1b2 ")
	assert.NotContains(t, lines[1], "c3d4")
	assert.Contains(t, lines[1], "notes/plan.conflict-20260101-120000.md")
	assert.Contains(t, lines[1], "remote")
	assert.Contains(t, lines[1], "hour ago")
}

func TestConflictsCmd_LimitFlag(t *testing.T) {
	t.Parallel()

	flag := newConflictsCmd().Flags().Lookup("limit")
	require.NotNil(t, flag)
	assert.Equal(t, "50", flag.DefValue)
}
