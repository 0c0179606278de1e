package events

import (
	"sync"

	gosync "github.com/tonimelisma/drivesync/internal/sync"
)

// State is the scheduler's run state.
type State string

// Scheduler states.
const (
	StateIdle    State = "idle"
	StateRunning State = "running"
)

type runResult struct {
	sum *gosync.RunSummary
	err error
}

// runGuard is the single-flight gate. acquire either grants the caller the
// right to run or folds the request into one pending rerun; release hands
// that rerun and its waiters to the current runner.
type runGuard struct {
	mu            sync.Mutex
	running       bool
	pending       bool
	pendingReason string
	waiters       []chan<- runResult
}

// acquire returns true when the caller must start a run. Otherwise the
// request joins the pending rerun and w, when non-nil, receives its result.
func (g *runGuard) acquire(reason string, w chan<- runResult) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.running {
		g.running = true
		return true
	}

	if !g.pending {
		g.pending = true
		g.pendingReason = reason
	}

	if w != nil {
		g.waiters = append(g.waiters, w)
	}

	return false
}

// release ends the current run. When a rerun is pending the guard stays
// held and the caller must perform it for the returned waiters.
func (g *runGuard) release() (next bool, reason string, waiters []chan<- runResult) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.pending {
		g.running = false
		return false, "", nil
	}

	reason, waiters = g.pendingReason, g.waiters
	g.pending, g.pendingReason, g.waiters = false, "", nil

	return true, reason, waiters
}

// abandon drops the held guard and any pending rerun, returning the
// waiters so the caller can fail them.
func (g *runGuard) abandon() []chan<- runResult {
	g.mu.Lock()
	defer g.mu.Unlock()

	waiters := g.waiters
	g.running, g.pending, g.pendingReason, g.waiters = false, false, "", nil

	return waiters
}

func (g *runGuard) state() (State, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.running {
		return StateRunning, g.pending
	}

	return StateIdle, false
}
