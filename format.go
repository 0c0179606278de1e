package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/tonimelisma/drivesync/internal/sync"
)

// formatSize returns a human-readable size string (e.g. "1.2 MiB").
func formatSize(bytes int64) string {
	if bytes < 0 {
		return "-"
	}

	return humanize.IBytes(uint64(bytes))
}

// formatTime returns a relative timestamp ("3 minutes ago"), or "-" for
// the zero time.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}

	return humanize.Time(t)
}

// formatUnixNano is formatTime for the store's nanosecond timestamps.
func formatUnixNano(ns int64) string {
	if ns == 0 {
		return "-"
	}

	return formatTime(time.Unix(0, ns))
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding JSON output: %w", err)
	}

	return nil
}

// printRunSummary reports one run: counts, then planned actions for a dry
// run, then per-item errors.
func printRunSummary(w io.Writer, sum *sync.RunSummary, asJSON bool) error {
	if asJSON {
		return printJSON(w, sum)
	}

	mode := ""
	if sum.DryRun {
		mode = " (dry run)"
	}

	fmt.Fprintf(w, "Run %s%s: %s, %d local / %d remote items\n",
		shortID(sum.RunID), mode, sum.Duration.Round(time.Millisecond), sum.LocalTotal, sum.RemoteTotal)

	counts := []struct {
		label string
		n     int
	}{
		{"uploaded", sum.Uploaded},
		{"downloaded", sum.Downloaded},
		{"folders created", sum.DirsCreated},
		{"moved locally", sum.MovedLocal},
		{"moved remotely", sum.MovedRemote},
		{"deleted locally", sum.DeletedLocal},
		{"deleted remotely", sum.DeletedRemote},
		{"conflicts", sum.Conflicts},
		{"adopted", sum.Adopted},
		{"duplicates removed", sum.DuplicatesRemoved},
		{"empty remote folders removed", sum.RemoteDirsCleaned},
		{"retries succeeded", sum.RetrySucceeded},
		{"queued for retry", sum.Queued},
		{"dead", sum.RetryDead},
		{"errors", sum.Errors},
	}

	for _, c := range counts {
		if c.n > 0 {
			fmt.Fprintf(w, "  %-30s %d\n", c.label, c.n)
		}
	}

	if sum.DryRun {
		if len(sum.Planned) == 0 {
			fmt.Fprintln(w, "  nothing to do")
		}

		for _, p := range sum.Planned {
			fmt.Fprintf(w, "  would %s\n", p)
		}
	}

	for _, d := range sum.Diagnostics {
		fmt.Fprintf(w, "  note: %s\n", d)
	}

	for _, e := range sum.ErrorList {
		fmt.Fprintf(w, "  error: %s\n", e)
	}

	if sum.FatalError != "" {
		fmt.Fprintf(w, "  failed: %s\n", sum.FatalError)
	}

	return nil
}

// shortIDLen is the number of ID characters shown in tables.
const shortIDLen = 8

func shortID(id string) string {
	if len(id) > shortIDLen {
		return id[:shortIDLen]
	}

	return id
}

// printTable writes aligned columns to the given writer.
// headers and each row must have the same length.
func printTable(w io.Writer, headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}

	for _, row := range rows {
		for i, cell := range row {
			if len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	printRow(w, headers, widths)

	for _, row := range rows {
		printRow(w, row, widths)
	}
}

// printRow writes a single padded row.
func printRow(w io.Writer, cells []string, widths []int) {
	parts := make([]string, len(cells))
	for i, cell := range cells {
		parts[i] = fmt.Sprintf("%-*s", widths[i], cell)
	}

	fmt.Fprintln(w, strings.TrimRight(strings.Join(parts, "  "), " "))
}
