package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/tonimelisma/drivesync/internal/remote"
)

// Engine errors.
var (
	// ErrRootChanged is returned when the configured roots differ from the
	// ones the store was built against while records still exist.
	ErrRootChanged = errors.New("sync: configured root differs from the one the state store tracks")

	// ErrRunInProgress is returned when RunOnce is entered while another
	// run on the same engine is active.
	ErrRunInProgress = errors.New("sync: a run is already in progress")
)

// Meta keys recorded on the first run.
const (
	metaLocalRoot  = "local_root"
	metaRemoteRoot = "remote_root"
)

// Worker defaults.
const (
	DefaultCheckWorkers    = 4
	DefaultTransferWorkers = 4
)

const diagRetryPending = "retry pending for this path"

// Options is the per-run snapshot of the sync settings.
type Options struct {
	Policy          Policy
	ConflictPolicy  ConflictPolicy
	ClockSkew       time.Duration
	InitialStrategy Policy
	// InitialDryRun forces a dry run while the store holds no records.
	InitialDryRun bool

	HardDeleteLocal            bool
	HardDeleteRemote           bool
	CleanupEmptyRemoteDirs     bool
	CleanupRemoteDirsRecursive bool
	DedupeRemote               bool

	DryRun bool
	// Full rehashes every local file instead of trusting size and mtime.
	Full bool
	// Force overrides big-delete protection.
	Force bool

	CheckWorkers    int
	TransferWorkers int
	Ignore          []string
}

// EngineConfig holds the long-lived dependencies of an Engine.
type EngineConfig struct {
	LocalRoot  string
	RemoteRoot string // display form of the remote root, recorded in meta
	Store      *Store
	Drive      remote.Drive
	Retry      RetryConfig
	Safety     SafetyConfig
	Limiter    *BandwidthLimiter
	Clock      clockwork.Clock // nil uses the real clock
	Logger     *slog.Logger
}

// Engine runs reconciliation passes between one local root and one remote
// root: drain retries, scan, detect, plan, execute, clean up.
type Engine struct {
	store      *Store
	drive      remote.Drive
	retry      *RetryQueue
	planner    *Planner
	safety     *SafetyChecker
	limiter    *BandwidthLimiter
	clock      clockwork.Clock
	localRoot  string
	remoteRoot string
	logger     *slog.Logger

	running atomic.Bool
}

// NewEngine creates an engine and loads the persisted retry queue.
func NewEngine(ctx context.Context, cfg *EngineConfig) (*Engine, error) {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	q, err := NewRetryQueue(ctx, cfg.Store, cfg.Retry, clock, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("sync: creating engine: %w", err)
	}

	return &Engine{
		store:      cfg.Store,
		drive:      cfg.Drive,
		retry:      q,
		planner:    NewPlanner(cfg.Logger),
		safety:     NewSafetyChecker(cfg.Safety, cfg.LocalRoot, cfg.Logger),
		limiter:    cfg.Limiter,
		clock:      clock,
		localRoot:  cfg.LocalRoot,
		remoteRoot: cfg.RemoteRoot,
		logger:     cfg.Logger,
	}, nil
}

// Retries exposes the retry queue for inspection and operator clearing.
func (e *Engine) Retries() *RetryQueue {
	return e.retry
}

// RunOnce performs one complete reconciliation pass and persists its
// summary. The summary is returned even when the run fails fatally.
func (e *Engine) RunOnce(ctx context.Context, reason string, opts Options) (*RunSummary, error) {
	if !e.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer e.running.Store(false)

	sum := &RunSummary{
		RunID:     uuid.NewString(),
		Reason:    reason,
		DryRun:    opts.DryRun,
		StartedAt: e.clock.Now(),
	}

	log := e.logger.With(slog.String("run_id", sum.RunID))
	log.Info("run started", slog.String("reason", reason), slog.Bool("dry_run", opts.DryRun))

	if err := e.store.BeginRun(ctx, sum); err != nil {
		return nil, err
	}

	err := e.run(ctx, sum, opts, log)
	if err != nil {
		sum.FatalError = err.Error()
	}

	sum.FinishedAt = e.clock.Now()
	sum.Duration = sum.FinishedAt.Sub(sum.StartedAt)

	if finishErr := e.store.FinishRun(context.WithoutCancel(ctx), sum); finishErr != nil {
		log.Error("recording run summary failed", slog.String("error", finishErr.Error()))
	}

	if err != nil {
		log.Error("run failed", slog.String("error", err.Error()), slog.Duration("duration", sum.Duration))
		return sum, err
	}

	log.Info("run complete",
		slog.Duration("duration", sum.Duration),
		slog.Int("changes", sum.Changes()),
		slog.Int("uploaded", sum.Uploaded),
		slog.Int("downloaded", sum.Downloaded),
		slog.Int("conflicts", sum.Conflicts),
		slog.Int("errors", sum.Errors),
		slog.Int("queued", sum.Queued),
	)

	return sum, nil
}

func (e *Engine) run(ctx context.Context, sum *RunSummary, opts Options, log *slog.Logger) error {
	if err := e.checkRoots(ctx); err != nil {
		return err
	}

	filter, err := NewFilter(opts.Ignore, e.localRoot)
	if err != nil {
		return err
	}

	records, err := e.store.LoadRecords(ctx)
	if err != nil {
		return err
	}

	initial := len(records.ByPath) == 0
	if initial && opts.InitialDryRun && !opts.DryRun {
		log.Info("no records yet, initial run is a dry run")

		opts.DryRun = true
		sum.DryRun = true
	}

	if !opts.DryRun {
		if err := e.drainRetries(ctx, sum, records, log); err != nil {
			return err
		}

		if records, err = e.store.LoadRecords(ctx); err != nil {
			return err
		}
	}

	local, err := NewLocalScanner(e.localRoot, filter, opts.CheckWorkers, log).Scan(ctx, records, opts.Full)
	if err != nil {
		return err
	}

	snap, err := NewRemoteScanner(e.drive, filter, opts.CheckWorkers, log).Scan(ctx)
	if err != nil {
		return err
	}

	sum.LocalTotal = len(local.Entries)
	sum.RemoteTotal = len(snap.ByID)

	items := DetectChanges(records, local, snap, filter)

	plan := e.planner.Plan(items, snap.Duplicates, PlannerConfig{
		Policy:                     opts.Policy,
		ConflictPolicy:             opts.ConflictPolicy,
		ClockSkew:                  opts.ClockSkew,
		HardDeleteLocal:            opts.HardDeleteLocal,
		HardDeleteRemote:           opts.HardDeleteRemote,
		CleanupEmptyRemoteDirs:     opts.CleanupEmptyRemoteDirs,
		CleanupRemoteDirsRecursive: opts.CleanupRemoteDirsRecursive,
		DedupeRemote:               opts.DedupeRemote,
		InitialStrategy:            opts.InitialStrategy,
		Initial:                    initial,
		LocalFailed:                local.Failed,
		RemoteFailed:               snap.Failed,
	})

	for _, d := range plan.Diagnostics {
		sum.addDiagnostic(d)
	}

	if !opts.DryRun {
		e.settleRetries(ctx, sum, plan, local, snap, log)
	}

	e.logDiscards(plan, log)

	if err := e.safety.Check(plan, len(records.ByPath), opts.Force, opts.DryRun); err != nil {
		return err
	}

	if opts.DryRun {
		for i := range plan.Actions {
			if plan.Actions[i].Type != ActionNoop {
				sum.Planned = append(sum.Planned, plan.Actions[i].String())
			}
		}

		for i := range plan.Cleanup {
			sum.Planned = append(sum.Planned, plan.Cleanup[i].String())
		}

		return nil
	}

	exec := NewExecutor(ExecutorConfig{
		LocalRoot: e.localRoot,
		Drive:     e.drive,
		Limiter:   e.limiter,
		RunID:     sum.RunID,
		Logger:    log,
	}, snap)

	if err := e.executePlan(ctx, exec, plan, opts, sum, log); err != nil {
		return err
	}

	for i := range plan.Cleanup {
		if err := ctx.Err(); err != nil {
			return err
		}

		a := &plan.Cleanup[i]
		o := exec.Execute(ctx, a)

		if o.Success {
			if err := e.store.CommitOutcome(context.WithoutCancel(ctx), &o); err != nil {
				o.Success = false
				o.Err = err
			}
		}

		e.tally(ctx, sum, a, &o, log)
	}

	_, sum.RetryDead = e.retry.Counts()

	return nil
}

// checkRoots records the roots on first use and refuses to run against a
// store built for different roots.
func (e *Engine) checkRoots(ctx context.Context) error {
	active, _, err := e.store.RecordCounts(ctx)
	if err != nil {
		return err
	}

	for key, want := range map[string]string{metaLocalRoot: e.localRoot, metaRemoteRoot: e.remoteRoot} {
		got, err := e.store.Meta(ctx, key)
		if err != nil {
			return err
		}

		if got == want {
			continue
		}

		if got != "" && active > 0 {
			return fmt.Errorf("%w: %s was %q, now %q", ErrRootChanged, key, got, want)
		}

		if err := e.store.SetMeta(ctx, key, want); err != nil {
			return err
		}
	}

	return nil
}

// logDiscards warns about every change a one-way policy overwrites.
func (e *Engine) logDiscards(plan *Plan, log *slog.Logger) {
	for i := range plan.Actions {
		a := &plan.Actions[i]
		if a.Reason == reasonDiscardLocal || a.Reason == reasonDiscardRemote {
			log.Warn("discarding changes by policy",
				slog.String("path", a.Path),
				slog.String("action", a.Type.String()),
				slog.String("reason", a.Reason),
			)
		}
	}
}

func (e *Engine) executePlan(ctx context.Context, exec *Executor, plan *Plan, opts Options, sum *RunSummary, log *slog.Logger) error {
	if len(plan.Actions) == 0 {
		return nil
	}

	workers := opts.TransferWorkers
	if workers <= 0 {
		workers = DefaultTransferWorkers
	}

	tracker := NewDepTracker(plan.Actions, plan.Deps, log)
	pool := NewWorkerPool(exec, e.store, tracker, log, len(plan.Actions))

	pool.Start(ctx, workers)
	waitErr := pool.Wait(ctx)
	pool.Stop()

	for res := range pool.Results() {
		e.tally(ctx, sum, &res.Action, &res.Outcome, log)
	}

	succeeded, failed := pool.Stats()
	log.Debug("plan executed", slog.Int("succeeded", succeeded), slog.Int("failed", failed))

	return waitErr
}

// tally folds one outcome into the summary and the retry queue.
func (e *Engine) tally(ctx context.Context, sum *RunSummary, a *Action, o *Outcome, log *slog.Logger) {
	if o.Success {
		countSuccess(sum, a, o)

		// A noop stands in for a task the queue still owns.
		if a.Type == ActionNoop {
			return
		}

		if err := e.retry.ResolvePath(context.WithoutCancel(ctx), a.Path); err != nil {
			log.Warn("clearing retry task failed", slog.String("path", a.Path), slog.String("error", err.Error()))
		}

		return
	}

	switch {
	case errors.Is(o.Err, context.Canceled):
		return
	case errors.Is(o.Err, errStale):
		sum.addDiagnostic(fmt.Sprintf("%s: %v", a.Path, o.Err))
		return
	case errors.Is(o.Err, errDependencyFailed):
		sum.addDiagnostic(fmt.Sprintf("%s %s: %v", a.Type, a.Path, o.Err))
		return
	}

	sum.addError(fmt.Sprintf("%s %s: %v", a.Type, a.Path, o.Err))

	if !o.Transient {
		return
	}

	if _, err := e.retry.Enqueue(context.WithoutCancel(ctx), a, o.Err); err != nil {
		log.Error("queueing retry failed", slog.String("path", a.Path), slog.String("error", err.Error()))
		return
	}

	sum.Queued++
}

func countSuccess(sum *RunSummary, a *Action, o *Outcome) {
	if o.Adopted {
		sum.Adopted++
		return
	}

	switch o.Action {
	case ActionUpload:
		sum.Uploaded++
	case ActionDownload:
		sum.Downloaded++
	case ActionDeleteLocal:
		sum.DeletedLocal++
	case ActionDeleteRemote:
		if a.Reason == reasonDuplicate {
			sum.DuplicatesRemoved++
		} else {
			sum.DeletedRemote++
		}
	case ActionMoveLocal:
		sum.MovedLocal++
	case ActionMoveRemote:
		sum.MovedRemote++
	case ActionConflict:
		sum.Conflicts++
	case ActionCleanupRemoteDir:
		sum.RemoteDirsCleaned++
	case ActionCreateLocalDir, ActionCreateRemoteDir:
		sum.DirsCreated++
	case ActionAdopt:
		sum.Adopted++
	case ActionTombstone:
		sum.Tombstoned++
	case ActionNoop:
	}
}
