package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gosync "github.com/tonimelisma/drivesync/internal/sync"
)

// gatedRunner records every run and, when gated, holds each run until the
// test releases it.
type gatedRunner struct {
	mu      sync.Mutex
	reasons []string
	err     error

	entered chan string
	gate    chan struct{}
}

func newGatedRunner(gated bool) *gatedRunner {
	r := &gatedRunner{entered: make(chan string, 16)}
	if gated {
		r.gate = make(chan struct{})
	}

	return r
}

func (r *gatedRunner) Run(_ context.Context, reason string) (*gosync.RunSummary, error) {
	r.mu.Lock()
	r.reasons = append(r.reasons, reason)
	n := len(r.reasons)
	err := r.err
	r.mu.Unlock()

	r.entered <- reason

	if r.gate != nil {
		<-r.gate
	}

	return &gosync.RunSummary{RunID: fmt.Sprintf("run-%d", n), Reason: reason}, err
}

func (r *gatedRunner) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string(nil), r.reasons...)
}

type triggerResult struct {
	sum *gosync.RunSummary
	err error
}

func triggerAsync(s *Scheduler, reason string) <-chan triggerResult {
	out := make(chan triggerResult, 1)

	go func() {
		sum, err := s.TriggerRun(context.Background(), reason)
		out <- triggerResult{sum, err}
	}()

	return out
}

func (g *runGuard) waiting() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return len(g.waiters)
}

func newTestScheduler(t *testing.T, ctx context.Context, r Runner, clock clockwork.Clock, poll time.Duration) *Scheduler {
	t.Helper()

	s := NewScheduler(ctx, SchedulerConfig{Runner: r, PollInterval: poll, Clock: clock, Logger: testLogger(t)})
	t.Cleanup(s.Wait)

	return s
}

func TestScheduler_TriggerRunWhenIdle(t *testing.T) {
	t.Parallel()

	r := newGatedRunner(false)
	s := newTestScheduler(t, context.Background(), r, clockwork.NewFakeClock(), 0)

	sum, err := s.TriggerRun(context.Background(), "manual")
	require.NoError(t, err)
	assert.Equal(t, "run-1", sum.RunID)

	s.Wait()

	st := s.Status()
	assert.Equal(t, StateIdle, st.State)
	assert.False(t, st.Pending)
	assert.Equal(t, 1, st.Runs)
	assert.Equal(t, "manual", st.LastReason)
	assert.Equal(t, sum, st.LastSummary)
}

func TestScheduler_SingleFlightWithOnePendingRerun(t *testing.T) {
	t.Parallel()

	r := newGatedRunner(true)
	s := newTestScheduler(t, context.Background(), r, clockwork.NewFakeClock(), 0)

	first := triggerAsync(s, "first")
	assert.Equal(t, "first", <-r.entered)

	s.Request("poll")
	second := triggerAsync(s, "second")
	third := triggerAsync(s, "third")

	require.Eventually(t, func() bool { return s.guard.waiting() == 2 }, 5*time.Second, time.Millisecond)

	st := s.Status()
	assert.Equal(t, StateRunning, st.State)
	assert.True(t, st.Pending)

	r.gate <- struct{}{}

	got := <-first
	require.NoError(t, got.err)
	assert.Equal(t, "run-1", got.sum.RunID)

	assert.Equal(t, "poll", <-r.entered, "the rerun carries the first folded reason")
	r.gate <- struct{}{}

	for _, ch := range []<-chan triggerResult{second, third} {
		res := <-ch
		require.NoError(t, res.err)
		assert.Equal(t, "run-2", res.sum.RunID, "joined callers share the rerun")
	}

	s.Wait()
	assert.Equal(t, []string{"first", "poll"}, r.calls())
	assert.Equal(t, StateIdle, s.Status().State)
}

func TestScheduler_RequestWhileIdleStartsRun(t *testing.T) {
	t.Parallel()

	r := newGatedRunner(false)
	s := newTestScheduler(t, context.Background(), r, clockwork.NewFakeClock(), 0)

	s.Request("callback: doc")
	assert.Equal(t, "callback: doc", <-r.entered)

	s.Wait()
	assert.Equal(t, 1, s.Status().Runs)
}

func TestScheduler_RunErrorIsReported(t *testing.T) {
	t.Parallel()

	r := newGatedRunner(false)
	r.err = errors.New("remote unavailable")
	s := newTestScheduler(t, context.Background(), r, clockwork.NewFakeClock(), 0)

	sum, err := s.TriggerRun(context.Background(), "manual")
	require.EqualError(t, err, "remote unavailable")
	require.NotNil(t, sum, "the summary of a failed run is still returned")

	s.Wait()
	assert.Equal(t, "remote unavailable", s.Status().LastError)
}

func TestScheduler_ShutdownDropsPendingRerun(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	r := newGatedRunner(true)
	s := newTestScheduler(t, ctx, r, clockwork.NewFakeClock(), 0)

	first := triggerAsync(s, "first")
	<-r.entered

	waiter := triggerAsync(s, "second")
	require.Eventually(t, func() bool { return s.guard.waiting() == 1 }, 5*time.Second, time.Millisecond)

	cancel()
	r.gate <- struct{}{}

	require.NoError(t, (<-first).err, "the in-flight run is never interrupted by the scheduler")
	require.ErrorIs(t, (<-waiter).err, context.Canceled)

	s.Wait()
	assert.Equal(t, []string{"first"}, r.calls())

	_, err := s.TriggerRun(context.Background(), "late")
	require.ErrorIs(t, err, context.Canceled)

	s.Request("late")
	s.Wait()
	assert.Len(t, r.calls(), 1)
}

func TestScheduler_Poll(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	r := newGatedRunner(false)
	s := newTestScheduler(t, context.Background(), r, clock, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		s.Poll(ctx)
	}()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	assert.Equal(t, clock.Now().Add(time.Minute), s.Status().NextPollAt)

	clock.Advance(time.Minute)
	assert.Equal(t, "poll", <-r.entered)

	cancel()
	<-done
	s.Wait()
}

func TestScheduler_PollDisabled(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, context.Background(), newGatedRunner(false), clockwork.NewFakeClock(), 0)

	done := make(chan struct{})

	go func() {
		defer close(done)
		s.Poll(context.Background())
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Poll must return when disabled")
	}
}

func TestScheduler_PublishesStatus(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		states []State
	)

	s := NewScheduler(context.Background(), SchedulerConfig{
		Runner: newGatedRunner(false),
		Clock:  clockwork.NewFakeClock(),
		Logger: testLogger(t),
		OnStatus: func(st RunStatus) {
			mu.Lock()
			states = append(states, st.State)
			mu.Unlock()
		},
	})

	_, err := s.TriggerRun(context.Background(), "manual")
	require.NoError(t, err)
	s.Wait()

	mu.Lock()
	defer mu.Unlock()

	require.NotEmpty(t, states)
	assert.Equal(t, StateRunning, states[0])
	assert.Equal(t, StateIdle, states[len(states)-1])
}
