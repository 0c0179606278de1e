package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	stdsync "sync"
	"sync/atomic"
)

var errDependencyFailed = errors.New("sync: skipped because a prerequisite action failed")

// minWorkers is the floor for the worker count.
const minWorkers = 1

// Committer persists the record changes of a successful outcome.
type Committer interface {
	CommitOutcome(ctx context.Context, o *Outcome) error
}

// WorkerPool runs goroutines that pull ready actions from a DepTracker,
// execute them, commit their outcomes, and release dependents.
type WorkerPool struct {
	exec    *Executor
	store   Committer
	tracker *DepTracker
	logger  *slog.Logger

	succeeded atomic.Int32
	failed    atomic.Int32

	// results carries one entry per action; sized to the plan so workers
	// never block on it.
	results chan WorkerResult

	cancel context.CancelFunc
	wg     stdsync.WaitGroup
}

// WorkerResult reports the outcome of one action.
type WorkerResult struct {
	ID      int
	Action  Action
	Outcome Outcome
}

// NewWorkerPool creates a pool without starting any workers.
func NewWorkerPool(exec *Executor, store Committer, tracker *DepTracker, logger *slog.Logger, planSize int) *WorkerPool {
	return &WorkerPool{
		exec:    exec,
		store:   store,
		tracker: tracker,
		logger:  logger,
		results: make(chan WorkerResult, planSize+1),
	}
}

// Start spawns total workers.
func (wp *WorkerPool) Start(ctx context.Context, total int) {
	if total < minWorkers {
		total = minWorkers
	}

	ctx, wp.cancel = context.WithCancel(ctx)

	for range total {
		wp.wg.Add(1)

		go wp.worker(ctx)
	}

	wp.logger.Debug("worker pool started", slog.Int("workers", total))
}

// Wait blocks until every tracked action is complete or ctx is done.
func (wp *WorkerPool) Wait(ctx context.Context) error {
	select {
	case <-wp.tracker.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop cancels in-flight work, waits for the workers to exit, and closes
// the results channel.
func (wp *WorkerPool) Stop() {
	if wp.cancel != nil {
		wp.cancel()
	}

	wp.wg.Wait()
	close(wp.results)
}

// Results returns the per-action results. It is closed by Stop.
func (wp *WorkerPool) Results() <-chan WorkerResult {
	return wp.results
}

// Stats returns execution counters.
func (wp *WorkerPool) Stats() (succeeded, failed int) {
	return int(wp.succeeded.Load()), int(wp.failed.Load())
}

func (wp *WorkerPool) worker(ctx context.Context) {
	defer wp.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-wp.tracker.Done():
			return
		case ta := <-wp.tracker.Ready():
			if ta == nil {
				continue
			}

			wp.safeExecuteAction(ctx, ta)
		}
	}
}

// safeExecuteAction recovers from a panic in one action so that it fails
// alone instead of taking the process down.
func (wp *WorkerPool) safeExecuteAction(ctx context.Context, ta *TrackedAction) {
	defer func() {
		if r := recover(); r != nil {
			wp.logger.Error("worker: panic in action execution",
				slog.Int("id", ta.ID),
				slog.String("path", ta.Action.Path),
				slog.Any("panic", r),
			)

			wp.finish(ta, Outcome{Action: ta.Action.Type, Path: ta.Action.Path, Err: fmt.Errorf("panic: %v", r)})
		}
	}()

	wp.executeAction(ctx, ta)
}

func (wp *WorkerPool) executeAction(ctx context.Context, ta *TrackedAction) {
	if ta.Blocked() {
		wp.finish(ta, Outcome{Action: ta.Action.Type, Path: ta.Action.Path, Err: errDependencyFailed})
		return
	}

	outcome := wp.exec.Execute(ctx, &ta.Action)

	// The side effect already happened, so its records are committed even
	// if the run is being canceled.
	if outcome.Success {
		if err := wp.store.CommitOutcome(context.WithoutCancel(ctx), &outcome); err != nil {
			wp.logger.Error("worker: commit outcome failed",
				slog.Int("id", ta.ID),
				slog.String("path", ta.Action.Path),
				slog.String("error", err.Error()),
			)

			outcome.Success = false
			outcome.Transient = false
			outcome.Err = err
		}
	}

	wp.finish(ta, outcome)
}

func (wp *WorkerPool) finish(ta *TrackedAction, o Outcome) {
	if o.Success {
		wp.succeeded.Add(1)
	} else {
		wp.failed.Add(1)
	}

	wp.results <- WorkerResult{ID: ta.ID, Action: ta.Action, Outcome: o}
	wp.tracker.Complete(ta.ID, o.Success)
}
