package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/drivesync/internal/sync"
)

func newRetriesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retries",
		Short: "List the retry queue and dead set",
		Long: `Display actions waiting for another attempt and actions that exhausted
their attempts or failed permanently (the dead set).

Dead entries are never retried automatically. Fix the cause, then clear
them with 'drivesync retries clear'; the next run re-plans those paths.`,
		RunE: runRetriesList,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Remove every dead entry",
		RunE:  runRetriesClear,
	})

	return cmd
}

// retryJSON is the JSON form of one retry task.
type retryJSON struct {
	ID        string    `json:"id"`
	Action    string    `json:"action"`
	Path      string    `json:"path"`
	Attempt   int       `json:"attempt"`
	NextAt    time.Time `json:"next_eligible_at,omitzero"`
	LastError string    `json:"last_error,omitempty"`
	Dead      bool      `json:"dead"`
}

func runRetriesList(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	store, err := openStore(ctx, cc.Cfg, cc.Logger)
	if err != nil {
		return err
	}
	defer store.Close()

	tasks, err := store.LoadRetryTasks(ctx)
	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		out := make([]retryJSON, len(tasks))
		for i, t := range tasks {
			out[i] = retryJSON{
				ID: t.ID, Action: t.Action.Type.String(), Path: t.Action.Path,
				Attempt: t.Attempt, NextAt: t.NextEligibleAt, LastError: t.LastError, Dead: t.Dead,
			}
		}

		return printJSON(os.Stdout, out)
	}

	if len(tasks) == 0 {
		fmt.Println("Retry queue is empty.")
		return nil
	}

	printRetryTable(os.Stdout, tasks)

	return nil
}

func printRetryTable(w io.Writer, tasks []*sync.RetryTask) {
	headers := []string{"ID", "ACTION", "PATH", "ATTEMPT", "NEXT", "LAST ERROR"}
	rows := make([][]string, len(tasks))

	for i, t := range tasks {
		next := formatTime(t.NextEligibleAt)
		if t.Dead {
			next = "dead"
		}

		rows[i] = []string{
			shortID(t.ID), t.Action.Type.String(), t.Action.Path,
			fmt.Sprint(t.Attempt), next, t.LastError,
		}
	}

	printTable(w, headers, rows)
}

func runRetriesClear(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	// A running serve holds the queue in memory; clearing behind its back
	// would be undone by its next save.
	unlock, err := acquireInstanceLock(cc.Cfg.LockPath())
	if err != nil {
		return err
	}
	defer unlock()

	store, err := openStore(ctx, cc.Cfg, cc.Logger)
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := store.DeleteDeadRetryTasks(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Cleared %d dead entries.\n", n)

	return nil
}
