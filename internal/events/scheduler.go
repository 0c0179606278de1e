package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	gosync "github.com/tonimelisma/drivesync/internal/sync"
)

// DefaultPollInterval is the fallback reconciliation period.
const DefaultPollInterval = 5 * time.Minute

// Runner performs one reconciliation pass.
type Runner interface {
	Run(ctx context.Context, reason string) (*gosync.RunSummary, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, reason string) (*gosync.RunSummary, error)

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, reason string) (*gosync.RunSummary, error) {
	return f(ctx, reason)
}

// RunStatus is a point-in-time view of the scheduler.
type RunStatus struct {
	State          State              `json:"state"`
	Pending        bool               `json:"pending"`
	Runs           int                `json:"runs"`
	LastReason     string             `json:"last_reason,omitempty"`
	LastError      string             `json:"last_error,omitempty"`
	LastFinishedAt time.Time          `json:"last_finished_at,omitzero"`
	NextPollAt     time.Time          `json:"next_poll_at,omitzero"`
	LastSummary    *gosync.RunSummary `json:"last_summary,omitempty"`
}

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	Runner       Runner
	PollInterval time.Duration // 0 disables the poll
	Clock        clockwork.Clock
	Logger       *slog.Logger
	// OnStatus, when set, is called after every state change.
	OnStatus func(RunStatus)
}

// Scheduler serializes run requests: one run in flight, at most one
// pending behind it, however many requests arrive meanwhile.
type Scheduler struct {
	ctx      context.Context //nolint:containedctx // bounds every run the scheduler starts
	runner   Runner
	poll     time.Duration
	clock    clockwork.Clock
	logger   *slog.Logger
	onStatus func(RunStatus)

	guard runGuard
	wg    sync.WaitGroup

	mu         sync.Mutex
	runs       int
	lastReason string
	lastErr    string
	lastAt     time.Time
	nextPoll   time.Time
	last       *gosync.RunSummary
}

// NewScheduler creates a scheduler. ctx is the process lifetime: runs
// execute under it and no new run starts once it is canceled.
func NewScheduler(ctx context.Context, cfg SchedulerConfig) *Scheduler {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Scheduler{
		ctx:      ctx,
		runner:   cfg.Runner,
		poll:     cfg.PollInterval,
		clock:    clock,
		logger:   cfg.Logger,
		onStatus: cfg.OnStatus,
	}
}

// Request asks for a run without waiting for it.
func (s *Scheduler) Request(reason string) {
	if s.ctx.Err() != nil {
		return
	}

	if s.guard.acquire(reason, nil) {
		s.start(reason, nil)
		return
	}

	s.logger.Debug("run requested while busy, folded into pending rerun", slog.String("reason", reason))
	s.publish()
}

// TriggerRun requests a run and waits for the one that covers it: a fresh
// run when idle, or the pending rerun when a run is already active.
func (s *Scheduler) TriggerRun(ctx context.Context, reason string) (*gosync.RunSummary, error) {
	if err := s.ctx.Err(); err != nil {
		return nil, err
	}

	ch := make(chan runResult, 1)

	if s.guard.acquire(reason, ch) {
		s.start(reason, []chan<- runResult{ch})
	} else {
		s.publish()
	}

	select {
	case r := <-ch:
		return r.sum, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Scheduler) start(reason string, waiters []chan<- runResult) {
	s.wg.Add(1)

	go s.loop(reason, waiters)
}

// loop owns the guard until no rerun is pending.
func (s *Scheduler) loop(reason string, waiters []chan<- runResult) {
	defer s.wg.Done()

	for {
		s.publish()

		r := s.execute(reason)
		for _, w := range waiters {
			w <- r
		}

		var next bool

		next, reason, waiters = s.guard.release()
		if !next {
			s.publish()
			return
		}

		if err := s.ctx.Err(); err != nil {
			waiters = append(waiters, s.guard.abandon()...)
			for _, w := range waiters {
				w <- runResult{err: err}
			}

			s.logger.Info("pending run dropped at shutdown", slog.String("reason", reason))
			s.publish()

			return
		}
	}
}

func (s *Scheduler) execute(reason string) runResult {
	s.logger.Info("scheduled run starting", slog.String("reason", reason))

	sum, err := s.runner.Run(s.ctx, reason)

	s.mu.Lock()
	s.runs++
	s.lastReason = reason
	s.lastAt = s.clock.Now()
	s.lastErr = ""

	if err != nil {
		s.lastErr = err.Error()
	}

	if sum != nil {
		s.last = sum
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("scheduled run failed", slog.String("reason", reason), slog.String("error", err.Error()))
	}

	return runResult{sum: sum, err: err}
}

// Poll requests a run every poll interval until ctx is canceled. It
// returns at once when polling is disabled.
func (s *Scheduler) Poll(ctx context.Context) {
	if s.poll <= 0 {
		s.logger.Info("periodic poll disabled")
		return
	}

	s.setNextPoll(s.clock.Now().Add(s.poll))

	ticker := s.clock.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.setNextPoll(s.clock.Now().Add(s.poll))
			s.Request("poll")
		}
	}
}

func (s *Scheduler) setNextPoll(t time.Time) {
	s.mu.Lock()
	s.nextPoll = t
	s.mu.Unlock()
}

// Wait blocks until every started run has finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Status returns the current run state and the last result.
func (s *Scheduler) Status() RunStatus {
	state, pending := s.guard.state()

	s.mu.Lock()
	defer s.mu.Unlock()

	return RunStatus{
		State:          state,
		Pending:        pending,
		Runs:           s.runs,
		LastReason:     s.lastReason,
		LastError:      s.lastErr,
		LastFinishedAt: s.lastAt,
		NextPollAt:     s.nextPoll,
		LastSummary:    s.last,
	}
}

func (s *Scheduler) publish() {
	if s.onStatus != nil {
		s.onStatus(s.Status())
	}
}
