package main

import (
	"os"

	"github.com/spf13/cobra"
)

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one reconciliation pass",
		Long: `Run a single reconciliation between the local root and the remote root.

The policy decides which side wins when the two diverge. Use --dry-run to
print the plan without touching either side.`,
		RunE: runSync,
	}

	cmd.Flags().Bool("dry-run", false, "print planned actions without executing them")
	cmd.Flags().Bool("full", false, "rehash every local file instead of trusting size and mtime")
	cmd.Flags().Bool("force", false, "override big-delete protection")
	cmd.Flags().String("policy", "", "override sync.policy (remote_wins, local_wins, bidirectional)")

	return cmd
}

func runSync(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	cfg, logger := cc.Cfg, cc.Logger

	ctx := shutdownContext(cmd.Context(), logger)

	unlock, err := acquireInstanceLock(cfg.LockPath())
	if err != nil {
		return err
	}
	defer unlock()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	drive, err := newDrive(ctx, cfg, logger)
	if err != nil {
		return err
	}

	engine, err := newEngine(ctx, cfg, store, drive, logger)
	if err != nil {
		return err
	}

	opts := syncOptions(cfg)
	opts.DryRun, _ = cmd.Flags().GetBool("dry-run")
	opts.Full, _ = cmd.Flags().GetBool("full")
	opts.Force, _ = cmd.Flags().GetBool("force")

	sum, runErr := engine.RunOnce(ctx, "manual", opts)
	if sum != nil {
		if err := printRunSummary(os.Stdout, sum, cc.Flags.JSON); err != nil {
			return err
		}
	}

	return describeRunError(runErr)
}
