package sync

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sort"
	stdsync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/tonimelisma/drivesync/internal/remote"
)

// Retry defaults.
const (
	DefaultRetryBaseDelay   = 2 * time.Second
	DefaultRetryMaxDelay    = 10 * time.Minute
	DefaultRetryMaxAttempts = 5

	backoffFactor  = 2.0
	jitterFraction = 0.25
)

// RetryConfig controls the backoff schedule of the retry queue.
type RetryConfig struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultRetryBaseDelay
	}

	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultRetryMaxDelay
	}

	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultRetryMaxAttempts
	}

	return c
}

// RetryTask is one persisted action awaiting another attempt. At most one
// live task exists per path; a path may also carry any number of dead ones.
type RetryTask struct {
	ID             string
	Action         Action
	Attempt        int
	NextEligibleAt time.Time
	LastError      string
	Dead           bool
	CreatedAt      int64
}

// RetryQueue holds actions that failed transiently. Tasks become eligible
// after an exponential backoff; a task that exhausts its attempts or fails
// permanently moves to the dead set, which only an operator clears.
type RetryQueue struct {
	store  *Store
	cfg    RetryConfig
	clock  clockwork.Clock
	logger *slog.Logger

	mu     stdsync.Mutex
	byPath map[string]*RetryTask // live tasks
	dead   map[string]*RetryTask // by task ID

	// jitter returns a factor in [-1, 1); injectable for tests.
	jitter func() float64
}

// NewRetryQueue loads the persisted queue from store.
func NewRetryQueue(ctx context.Context, store *Store, cfg RetryConfig, clock clockwork.Clock, logger *slog.Logger) (*RetryQueue, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	tasks, err := store.LoadRetryTasks(ctx)
	if err != nil {
		return nil, err
	}

	q := &RetryQueue{
		store:  store,
		cfg:    cfg.withDefaults(),
		clock:  clock,
		logger: logger,
		byPath: make(map[string]*RetryTask, len(tasks)),
		dead:   make(map[string]*RetryTask),
		jitter: func() float64 { return rand.Float64()*2 - 1 }, //nolint:gosec // jitter does not need crypto rand
	}

	for _, t := range tasks {
		q.track(t)
	}

	return q, nil
}

// Backoff returns the delay before attempt n (1-based), with ±25% jitter,
// capped at MaxDelay and never shorter than the server's hint.
func (q *RetryQueue) Backoff(attempt int, hint time.Duration) time.Duration {
	backoff := float64(q.cfg.BaseDelay) * math.Pow(backoffFactor, float64(attempt-1))
	if backoff > float64(q.cfg.MaxDelay) {
		backoff = float64(q.cfg.MaxDelay)
	}

	backoff += backoff * jitterFraction * q.jitter()

	d := time.Duration(backoff)
	if d < hint {
		d = hint
	}

	return d
}

// Enqueue records a transient failure of a. A live task already queued
// for the same path is replaced and keeps its attempt count. Dead tasks
// for the path are left in the dead set.
func (q *RetryQueue) Enqueue(ctx context.Context, a *Action, cause error) (*RetryTask, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t := &RetryTask{ID: uuid.NewString(), Action: *a}
	if prev, ok := q.byPath[a.Path]; ok {
		t.ID = prev.ID
		t.Attempt = prev.Attempt
		t.CreatedAt = prev.CreatedAt
	}

	return t, q.failLocked(ctx, t, cause, true)
}

// Fail records another failed attempt of t. Permanent failures and
// exhausted tasks move to the dead set.
func (q *RetryQueue) Fail(ctx context.Context, t *RetryTask, cause error, transient bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.failLocked(ctx, t, cause, transient)
}

func (q *RetryQueue) failLocked(ctx context.Context, t *RetryTask, cause error, transient bool) error {
	t.Attempt++
	t.LastError = cause.Error()
	t.NextEligibleAt = q.clock.Now().Add(q.Backoff(t.Attempt, remote.RetryAfter(cause)))

	if !transient || t.Attempt >= q.cfg.MaxAttempts {
		t.Dead = true

		q.logger.Warn("retry task moved to dead set",
			slog.String("path", t.Action.Path),
			slog.String("action", t.Action.Type.String()),
			slog.Int("attempt", t.Attempt),
			slog.String("error", t.LastError),
		)
	} else {
		q.logger.Info("action queued for retry",
			slog.String("path", t.Action.Path),
			slog.String("action", t.Action.Type.String()),
			slog.Int("attempt", t.Attempt),
			slog.Time("next_eligible_at", t.NextEligibleAt),
		)
	}

	if err := q.store.SaveRetryTask(ctx, t); err != nil {
		return err
	}

	q.track(t)

	return nil
}

// track files t under the live or dead index. Caller holds q.mu.
func (q *RetryQueue) track(t *RetryTask) {
	if !t.Dead {
		q.byPath[t.Action.Path] = t
		return
	}

	if cur, ok := q.byPath[t.Action.Path]; ok && cur.ID == t.ID {
		delete(q.byPath, t.Action.Path)
	}

	q.dead[t.ID] = t
}

// Resolve removes t after it succeeded or became moot.
func (q *RetryQueue) Resolve(ctx context.Context, t *RetryTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.DeleteRetryTask(ctx, t.ID); err != nil {
		return err
	}

	if cur, ok := q.byPath[t.Action.Path]; ok && cur.ID == t.ID {
		delete(q.byPath, t.Action.Path)
	}

	delete(q.dead, t.ID)

	return nil
}

// ResolvePath removes any live task for p. The main pass calls it after
// an action at p succeeds.
func (q *RetryQueue) ResolvePath(ctx context.Context, p string) error {
	q.mu.Lock()
	t, ok := q.byPath[p]
	q.mu.Unlock()

	if !ok {
		return nil
	}

	return q.Resolve(ctx, t)
}

// Due returns live tasks whose backoff has elapsed, oldest deadline first.
func (q *RetryQueue) Due() []*RetryTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()

	var out []*RetryTask

	for _, t := range q.byPath {
		if !t.NextEligibleAt.After(now) {
			out = append(out, t)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextEligibleAt.Equal(out[j].NextEligibleAt) {
			return out[i].NextEligibleAt.Before(out[j].NextEligibleAt)
		}

		return out[i].Action.Path < out[j].Action.Path
	})

	return out
}

// Pending returns true when p has a live task that is not yet due. The
// main pass leaves such paths to the queue.
func (q *RetryQueue) Pending(p string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.byPath[p]

	return ok && t.NextEligibleAt.After(q.clock.Now())
}

// Counts returns the number of live and dead tasks.
func (q *RetryQueue) Counts() (live, dead int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.byPath), len(q.dead)
}

// Tasks returns a copy of every task sorted by path, live before dead,
// then oldest first.
func (q *RetryQueue) Tasks() []RetryTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]RetryTask, 0, len(q.byPath)+len(q.dead))
	for _, t := range q.byPath {
		out = append(out, *t)
	}

	for _, t := range q.dead {
		out = append(out, *t)
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Action.Path != b.Action.Path {
			return a.Action.Path < b.Action.Path
		}

		if a.Dead != b.Dead {
			return !a.Dead
		}

		return a.CreatedAt < b.CreatedAt
	})

	return out
}

// ClearDead drops the dead set.
func (q *RetryQueue) ClearDead(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n, err := q.store.DeleteDeadRetryTasks(ctx)
	if err != nil {
		return 0, fmt.Errorf("sync: clearing dead set: %w", err)
	}

	clear(q.dead)

	return n, nil
}
