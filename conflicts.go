package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/drivesync/internal/sync"
)

const defaultConflictLimit = 50

func newConflictsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List the conflict log",
		Long: `Display conflicts detected by past runs, newest first.

Each entry names the path, the conflict copy that preserved the losing
side, and which side became canonical. Conflicts are resolved by editing
or removing the copies; the log is history, not a queue.`,
		RunE: runConflicts,
	}

	cmd.Flags().Int("limit", defaultConflictLimit, "maximum number of entries to show")

	return cmd
}

func runConflicts(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	limit, _ := cmd.Flags().GetInt("limit")

	store, err := openStore(ctx, cc.Cfg, cc.Logger)
	if err != nil {
		return err
	}
	defer store.Close()

	conflicts, err := store.RecentConflicts(ctx, limit)
	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		if conflicts == nil {
			conflicts = []sync.ConflictEntry{}
		}

		return printJSON(os.Stdout, conflicts)
	}

	if len(conflicts) == 0 {
		fmt.Println("No conflicts recorded.")
		return nil
	}

	printConflictsTable(os.Stdout, conflicts)

	return nil
}

func printConflictsTable(w io.Writer, conflicts []sync.ConflictEntry) {
	headers := []string{"ID", "PATH", "COPY", "CANONICAL", "DETECTED"}
	rows := make([][]string, len(conflicts))

	for i := range conflicts {
		c := &conflicts[i]
		rows[i] = []string{shortID(c.ID), c.Path, c.ConflictPath, string(c.Canonical), formatUnixNano(c.DetectedAt)}
	}

	printTable(w, headers, rows)
}
