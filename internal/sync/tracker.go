package sync

import (
	"log/slog"
	stdsync "sync"
	"sync/atomic"
)

// TrackedAction pairs a plan action with its index in the plan.
type TrackedAction struct {
	ID     int
	Action Action

	depsLeft   atomic.Int32
	dependents []*TrackedAction
	// blocked is set when a dependency failed; the worker skips the
	// action instead of running it against an unexpected tree.
	blocked atomic.Bool
}

// Blocked reports whether one of the action's dependencies failed.
func (ta *TrackedAction) Blocked() bool {
	return ta.blocked.Load()
}

// DepTracker is an in-memory dependency graph that releases actions to a
// single ready channel as their dependencies complete.
type DepTracker struct {
	mu        stdsync.Mutex
	actions   []*TrackedAction
	ready     chan *TrackedAction
	done      chan struct{} // closed when all actions complete
	total     int32
	completed atomic.Int32
	logger    *slog.Logger
}

// NewDepTracker builds the graph for actions with deps[i] listing the
// indices action i waits on, and releases every action with no pending
// dependency. Dependencies that form a cycle are dropped with a warning.
func NewDepTracker(actions []Action, deps [][]int, logger *slog.Logger) *DepTracker {
	dt := &DepTracker{
		actions: make([]*TrackedAction, len(actions)),
		ready:   make(chan *TrackedAction, len(actions)+1),
		done:    make(chan struct{}),
		total:   int32(len(actions)), //nolint:gosec // plan sizes fit in int32
		logger:  logger,
	}

	for i := range actions {
		dt.actions[i] = &TrackedAction{ID: i, Action: actions[i]}
	}

	for i, ta := range dt.actions {
		if i >= len(deps) {
			continue
		}

		seen := make(map[int]bool, len(deps[i]))

		for _, j := range deps[i] {
			if j < 0 || j >= len(dt.actions) || j == i || seen[j] {
				continue
			}

			seen[j] = true
			dep := dt.actions[j]
			dep.dependents = append(dep.dependents, ta)
			ta.depsLeft.Add(1)
		}
	}

	dt.breakCycles()

	if dt.total == 0 {
		close(dt.done)
		return dt
	}

	for _, ta := range dt.actions {
		if ta.depsLeft.Load() == 0 {
			dt.ready <- ta
		}
	}

	return dt
}

// breakCycles finds actions that can never become ready and releases
// them. A well-formed plan has none.
func (dt *DepTracker) breakCycles() {
	left := make([]int32, len(dt.actions))
	var queue []*TrackedAction

	for i, ta := range dt.actions {
		left[i] = ta.depsLeft.Load()
		if left[i] == 0 {
			queue = append(queue, ta)
		}
	}

	for len(queue) > 0 {
		ta := queue[0]
		queue = queue[1:]

		for _, dep := range ta.dependents {
			left[dep.ID]--
			if left[dep.ID] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	for i, ta := range dt.actions {
		if left[i] > 0 {
			dt.logger.Warn("tracker: dependency cycle, releasing action",
				slog.String("action", ta.Action.String()),
			)
			ta.depsLeft.Store(0)
		}
	}
}

// Complete marks action id as done and releases dependents whose last
// dependency it was. A failed action blocks its dependents.
func (dt *DepTracker) Complete(id int, ok bool) {
	if id < 0 || id >= len(dt.actions) {
		dt.logger.Warn("tracker: Complete called with unknown ID", slog.Int("id", id))
		return
	}

	dt.mu.Lock()
	dependents := dt.actions[id].dependents
	dt.mu.Unlock()

	for _, dep := range dependents {
		if !ok {
			dep.blocked.Store(true)
		}

		if dep.depsLeft.Add(-1) == 0 {
			dt.ready <- dep
		}
	}

	if dt.completed.Add(1) == dt.total {
		close(dt.done)
	}
}

// Ready returns the channel of actions whose dependencies are satisfied.
func (dt *DepTracker) Ready() <-chan *TrackedAction {
	return dt.ready
}

// Done returns a channel that is closed when all tracked actions complete.
func (dt *DepTracker) Done() <-chan struct{} {
	return dt.done
}
