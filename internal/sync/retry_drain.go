package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/tonimelisma/drivesync/internal/remote"
)

// drainRetries re-attempts every due retry task before the scan. Each
// task is revalidated against the current records and remote state first;
// a task whose premise no longer holds is dropped and the scan decides
// the path afresh.
func (e *Engine) drainRetries(ctx context.Context, sum *RunSummary, records *RecordSet, log *slog.Logger) error {
	due := e.retry.Due()
	if len(due) == 0 {
		return nil
	}

	rootID, err := e.drive.RootID(ctx)
	if err != nil {
		log.Warn("retry drain skipped, remote root unavailable", slog.String("error", err.Error()))
		return nil
	}

	log.Info("draining retry queue", slog.Int("due", len(due)))

	// No full listing exists yet, so the folder index looks up folders before
	// creating anything.
	exec := NewExecutor(ExecutorConfig{
		LocalRoot: e.localRoot,
		Drive:     e.drive,
		Limiter:   e.limiter,
		RunID:     sum.RunID,
		Logger:    log,
	}, &RemoteSnapshot{RootID: rootID})

	for _, t := range due {
		if err := ctx.Err(); err != nil {
			return err
		}

		a := t.Action

		keep, why, err := e.revalidate(ctx, &a, records)
		if err != nil {
			e.failRetry(ctx, sum, t, err, isTransient(err), log)
			continue
		}

		if !keep {
			log.Info("retry task dropped", slog.String("path", a.Path), slog.String("reason", why))
			e.resolveRetry(ctx, t, log)

			continue
		}

		o := exec.Execute(ctx, &a)

		if o.Success {
			if err := e.store.CommitOutcome(context.WithoutCancel(ctx), &o); err != nil {
				e.failRetry(ctx, sum, t, err, false, log)
				continue
			}

			e.resolveRetry(ctx, t, log)
			countSuccess(sum, &a, &o)
			sum.RetrySucceeded++

			continue
		}

		switch {
		case errors.Is(o.Err, context.Canceled):
			return ctx.Err()
		case errors.Is(o.Err, errStale):
			log.Info("retry task dropped", slog.String("path", a.Path), slog.String("reason", o.Err.Error()))
			e.resolveRetry(ctx, t, log)
		default:
			e.failRetry(ctx, sum, t, o.Err, o.Transient, log)
		}
	}

	return nil
}

func (e *Engine) failRetry(ctx context.Context, sum *RunSummary, t *RetryTask, cause error, transient bool, log *slog.Logger) {
	sum.RetryFailed++

	if err := e.retry.Fail(context.WithoutCancel(ctx), t, cause, transient); err != nil {
		log.Error("rescheduling retry task failed", slog.String("path", t.Action.Path), slog.String("error", err.Error()))
	}

	if t.Dead {
		sum.addError(fmt.Sprintf("%s %s: gave up after %d attempts: %v", t.Action.Type, t.Action.Path, t.Attempt, cause))
	}
}

func (e *Engine) resolveRetry(ctx context.Context, t *RetryTask, log *slog.Logger) {
	if err := e.retry.Resolve(context.WithoutCancel(ctx), t); err != nil {
		log.Error("removing retry task failed", slog.String("path", t.Action.Path), slog.String("error", err.Error()))
	}
}

// revalidate reports whether a queued action still applies. Errors are
// failures of the check itself and count as a failed attempt.
func (e *Engine) revalidate(ctx context.Context, a *Action, records *RecordSet) (bool, string, error) {
	if a.Prior != nil {
		rec := records.ByRemoteID[a.Prior.RemoteID]
		if rec == nil || (rec.LocalPath != a.Prior.LocalPath && rec.LocalPath != recordPath(a)) {
			return false, "record moved or retired", nil
		}

		if rec.Fingerprint != a.Prior.Fingerprint || rec.RemoteRevision != a.Prior.RemoteRevision {
			return false, "record changed since the failure", nil
		}

		a.RecordPath = rec.LocalPath
	} else if records.ByPath[a.Path] != nil {
		return false, "path synced since the failure", nil
	}

	if a.Type == ActionUpload || a.Type == ActionConflict {
		if _, err := os.Lstat(filepath.Join(e.localRoot, filepath.FromSlash(a.Path))); errors.Is(err, os.ErrNotExist) {
			return false, "local file is gone", nil
		} else if err != nil {
			return false, "", err
		}
	}

	if a.Remote == nil || a.Remote.Kind != KindFile {
		return true, "", nil
	}

	switch a.Type {
	case ActionDownload, ActionConflict, ActionUpload:
	default:
		// Remote deletes and moves verify the revision themselves.
		return true, "", nil
	}

	item, err := e.drive.GetMetadata(ctx, a.Remote.ID)
	if errors.Is(err, remote.ErrNotFound) {
		if a.Type == ActionDownload {
			return true, "", nil
		}

		return false, "remote item is gone", nil
	}

	if err != nil {
		return false, "", err
	}

	if revisionOf(&item) != a.Remote.Revision {
		return false, "remote item changed since the failure", nil
	}

	return true, "", nil
}

// settleRetries reconciles the live retry queue with a fresh plan. Paths
// whose task is still backing off are left to the queue; tasks whose path
// produced no action are consistent now and are dropped.
func (e *Engine) settleRetries(ctx context.Context, sum *RunSummary, plan *Plan, local *LocalSnapshot, snap *RemoteSnapshot, log *slog.Logger) {
	planned := make(map[string]bool, len(plan.Actions)+len(plan.Cleanup))

	for i := range plan.Actions {
		a := &plan.Actions[i]
		if a.Type == ActionNoop {
			continue
		}

		planned[a.Path] = true

		if e.retry.Pending(a.Path) {
			plan.Actions[i] = Action{Type: ActionNoop, Path: a.Path, Kind: a.Kind, Diagnostic: diagRetryPending}
			sum.addDiagnostic(a.Path + ": " + diagRetryPending)
		}
	}

	for i := range plan.Cleanup {
		planned[plan.Cleanup[i].Path] = true
	}

	for _, t := range e.retry.Tasks() {
		p := t.Action.Path
		if t.Dead || planned[p] || underFailed(local.Failed, p) || underFailed(snap.Failed, p) {
			continue
		}

		if err := e.retry.ResolvePath(context.WithoutCancel(ctx), p); err != nil {
			log.Warn("clearing retry task failed", slog.String("path", p), slog.String("error", err.Error()))
			continue
		}

		log.Info("retry task resolved, path is consistent", slog.String("path", p))
	}
}
