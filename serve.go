package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/drivesync/internal/config"
	"github.com/tonimelisma/drivesync/internal/events"
	"github.com/tonimelisma/drivesync/internal/sync"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run continuously, syncing on callbacks, local changes and a fallback poll",
		Long: `Run the sync service in the foreground.

A run starts at start-up, whenever a drive change callback arrives, when
the local tree changes (scheduler.watch_local), every poll interval, and
on SIGHUP (see 'drivesync trigger'). Runs never overlap; requests that
arrive during a run collapse into a single follow-up run.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	cfg, logger := cc.Cfg, cc.Logger

	ctx := shutdownContext(cmd.Context(), logger)

	unlock, err := acquireInstanceLock(cfg.LockPath())
	if err != nil {
		return err
	}
	defer unlock()

	removePID, err := writePIDFile(cfg.PIDPath())
	if err != nil {
		return err
	}
	defer removePID()

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

	return serve(ctx, cfg, engine, logger)
}

// serve wires the scheduler to its triggers and blocks until ctx is done
// and every started run has finished.
func serve(ctx context.Context, cfg *config.Config, engine *sync.Engine, logger *slog.Logger) error {
	opts := syncOptions(cfg)
	hub := events.NewHub(logger)

	// A failing component cancels gctx, which also stops new runs.
	g, gctx := errgroup.WithContext(ctx)

	sched := events.NewScheduler(gctx, events.SchedulerConfig{
		Runner: events.RunnerFunc(func(ctx context.Context, reason string) (*sync.RunSummary, error) {
			sum, err := engine.RunOnce(ctx, reason, opts)
			return sum, describeRunError(err)
		}),
		PollInterval: cfg.PollInterval(),
		Logger:       logger,
		OnStatus:     hub.Publish,
	})

	remoteEvents := events.NewDebouncer("remote", cfg.EventDebounce(), sched, nil, logger)

	intakeCfg := events.IntakeConfig{
		Enabled:      cfg.Events.Enabled,
		VerifyToken:  cfg.Events.VerifyToken,
		EncryptKey:   cfg.Events.EncryptKey,
		TriggerTypes: cfg.Events.TriggerTypes,
		DedupTTL:     cfg.DedupTTL(),
	}
	if err := intakeCfg.Validate(); err != nil {
		return err
	}

	intake := events.NewIntake(intakeCfg, remoteEvents, nil, logger)

	srv := events.NewServer(events.ServerConfig{
		Addr:         cfg.Events.Listen,
		CallbackPath: cfg.Events.Path,
		Scheduler:    sched,
		Intake:       intake,
		Hub:          hub,
		Retries:      engine.Retries(),
		Logger:       logger,
	})

	if cfg.Scheduler.WatchLocal {
		if err := startWatcher(gctx, g, cfg, sched, logger); err != nil {
			return err
		}
	}

	g.Go(func() error {
		remoteEvents.Run(gctx)
		return nil
	})

	g.Go(func() error {
		sched.Poll(gctx)
		return nil
	})

	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})

	onHangup(gctx, func() {
		logger.Info("SIGHUP received, requesting run")
		sched.Request("signal")
	})

	sched.Request("startup")

	err := g.Wait()
	sched.Wait()

	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("serve stopped")

	return nil
}

// startWatcher feeds local filesystem changes through their own debouncer
// into the scheduler.
func startWatcher(ctx context.Context, g *errgroup.Group, cfg *config.Config, sched *events.Scheduler, logger *slog.Logger) error {
	filter, err := sync.NewFilter(cfg.Sync.Ignore, cfg.Sync.LocalRoot)
	if err != nil {
		return err
	}

	localEvents := events.NewDebouncer("local", cfg.LocalDebounce(), sched, nil, logger)

	watcher, err := events.NewWatcher(cfg.Sync.LocalRoot, filter, localEvents, logger)
	if err != nil {
		return err
	}

	g.Go(func() error {
		localEvents.Run(ctx)
		return nil
	})

	g.Go(func() error {
		return watcher.Run(ctx)
	})

	return nil
}
