package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newTriggerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trigger",
		Short: "Ask a running serve to start a run now",
		Long: `Send SIGHUP to the serve process recorded in the state directory.
The request joins the scheduler's queue like any other trigger, so it
never overlaps a run in progress.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			pid, err := sendSIGHUP(cc.Cfg.PIDPath())
			if err != nil {
				return err
			}

			if !cc.Flags.Quiet {
				fmt.Printf("Run requested from serve (PID %d).\n", pid)
			}

			return nil
		},
	}
}
