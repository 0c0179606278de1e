package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/drivesync/internal/config"
	"github.com/tonimelisma/drivesync/internal/sync"
)

// Rows shown by status.
const (
	statusRunLimit      = 5
	statusConflictLimit = 5
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show recent runs, retry queue size and conflicts",
		Long: `Display the state recorded for the configured pair: tracked items,
the retry queue and dead set, the most recent runs, and recent conflicts.

Reads the state database only; it does not contact the remote.`,
		RunE: runStatus,
	}
}

// statusReport is the JSON form of status.
type statusReport struct {
	LocalRoot  string               `json:"local_root"`
	RemoteRoot string               `json:"remote_root"`
	StatePath  string               `json:"state_path"`
	StateSize  int64                `json:"state_size"`
	ServePID   int                  `json:"serve_pid,omitempty"`
	Tracked    int                  `json:"tracked"`
	Tombstones int                  `json:"tombstones"`
	Retrying   int                  `json:"retrying"`
	Dead       int                  `json:"dead"`
	Runs       []sync.RunSummary    `json:"runs"`
	Conflicts  []sync.ConflictEntry `json:"conflicts"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	store, err := openStore(ctx, cc.Cfg, cc.Logger)
	if err != nil {
		return err
	}
	defer store.Close()

	rep, err := buildStatus(ctx, cc.Cfg, store)
	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		return printJSON(os.Stdout, rep)
	}

	printStatus(os.Stdout, rep)

	return nil
}

func buildStatus(ctx context.Context, cfg *config.Config, store *sync.Store) (*statusReport, error) {
	rep := &statusReport{
		LocalRoot:  cfg.Sync.LocalRoot,
		RemoteRoot: cfg.Sync.RemoteRoot,
		StatePath:  cfg.StatePath(),
		StateSize:  -1,
		ServePID:   runningServePID(cfg.PIDPath()),
	}

	if info, err := os.Stat(rep.StatePath); err == nil {
		rep.StateSize = info.Size()
	}

	var err error

	if rep.Tracked, rep.Tombstones, err = store.RecordCounts(ctx); err != nil {
		return nil, err
	}

	tasks, err := store.LoadRetryTasks(ctx)
	if err != nil {
		return nil, err
	}

	for _, t := range tasks {
		if t.Dead {
			rep.Dead++
		} else {
			rep.Retrying++
		}
	}

	if rep.Runs, err = store.RecentRuns(ctx, statusRunLimit); err != nil {
		return nil, err
	}

	if rep.Conflicts, err = store.RecentConflicts(ctx, statusConflictLimit); err != nil {
		return nil, err
	}

	return rep, nil
}

// runningServePID returns the PID of a live serve, or 0.
func runningServePID(pidPath string) int {
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return 0
	}

	proc, err := os.FindProcess(pid)
	if err != nil || proc.Signal(syscall.Signal(0)) != nil {
		return 0
	}

	return pid
}

func printStatus(w io.Writer, rep *statusReport) {
	remoteRoot := rep.RemoteRoot
	if remoteRoot == "" {
		remoteRoot = "(drive root)"
	}

	fmt.Fprintf(w, "Local root:  %s\n", rep.LocalRoot)
	fmt.Fprintf(w, "Remote root: %s\n", remoteRoot)
	fmt.Fprintf(w, "State:       %s (%s)\n", rep.StatePath, formatSize(rep.StateSize))

	if rep.ServePID > 0 {
		fmt.Fprintf(w, "Serve:       running (PID %d)\n", rep.ServePID)
	} else {
		fmt.Fprintln(w, "Serve:       not running")
	}

	fmt.Fprintf(w, "Tracked:     %d items, %d tombstones\n", rep.Tracked, rep.Tombstones)
	fmt.Fprintf(w, "Retry queue: %d pending, %d dead\n", rep.Retrying, rep.Dead)

	fmt.Fprintln(w)

	if len(rep.Runs) == 0 {
		fmt.Fprintln(w, "No runs recorded yet.")
	} else {
		rows := make([][]string, len(rep.Runs))
		for i := range rep.Runs {
			r := &rep.Runs[i]
			rows[i] = []string{
				shortID(r.RunID), formatTime(r.StartedAt), r.Reason, runOutcome(r),
				fmt.Sprint(r.Changes()), fmt.Sprint(r.Errors),
			}
		}

		printTable(w, []string{"RUN", "STARTED", "REASON", "RESULT", "CHANGES", "ERRORS"}, rows)
	}

	if len(rep.Conflicts) > 0 {
		fmt.Fprintln(w)
		printConflictsTable(w, rep.Conflicts)
	}
}

// runOutcome is the one-word result shown in the runs table.
func runOutcome(r *sync.RunSummary) string {
	switch {
	case r.FatalError != "":
		return "failed"
	case r.DryRun:
		return "dry-run"
	case r.Errors > 0:
		return "partial"
	default:
		return "ok"
	}
}
