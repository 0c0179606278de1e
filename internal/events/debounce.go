package events

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/jonboulle/clockwork"
)

// DefaultDebounce is the quiet window before a burst of events becomes one
// run request.
const DefaultDebounce = 15 * time.Second

// maxWaitFactor caps how long a steady stream of keys can hold back a run,
// as a multiple of the window.
const maxWaitFactor = 4

// Requester accepts run requests. The scheduler implements it.
type Requester interface {
	Request(reason string)
}

// Debouncer collects trigger keys (file tokens, local paths) and requests
// a single run once no new key has arrived for the window, or once the
// oldest pending key has waited maxWaitFactor windows. All methods are
// safe for concurrent use.
type Debouncer struct {
	window time.Duration
	target Requester
	clock  clockwork.Clock
	source string
	logger *slog.Logger

	mu      sync.Mutex
	pending mapset.Set[string]
	first   time.Time
	last    time.Time
	notify  chan struct{}
}

// NewDebouncer creates a debouncer that requests runs from target. source
// names the origin of the keys in the run reason.
func NewDebouncer(source string, window time.Duration, target Requester, clock clockwork.Clock, logger *slog.Logger) *Debouncer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Debouncer{
		window:  window,
		target:  target,
		clock:   clock,
		source:  source,
		logger:  logger,
		pending: mapset.NewThreadUnsafeSet[string](),
		notify:  make(chan struct{}, 1),
	}
}

// Add records a key and restarts the quiet window.
func (d *Debouncer) Add(key string) {
	now := d.clock.Now()

	d.mu.Lock()
	if d.pending.Cardinality() == 0 {
		d.first = now
	}

	d.pending.Add(key)
	d.last = now
	d.mu.Unlock()

	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// Len reports how many distinct keys are waiting.
func (d *Debouncer) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.pending.Cardinality()
}

// Run drives the debounce timer until ctx is canceled. Keys still pending
// at shutdown are dropped; the next poll or start-up run covers them.
func (d *Debouncer) Run(ctx context.Context) {
	var (
		timer  clockwork.Timer
		expiry <-chan time.Time
	)

	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case <-d.notify:
			if d.window <= 0 {
				d.flush()
				continue
			}

			if expiry != nil {
				continue
			}

			if timer == nil {
				timer = d.clock.NewTimer(d.window)
			} else {
				timer.Reset(d.window)
			}

			expiry = timer.Chan()

		case <-expiry:
			if wait := d.remaining(); wait > 0 {
				timer.Reset(wait)
				continue
			}

			expiry = nil
			d.flush()
		}
	}
}

// remaining returns how long the pending keys may still wait. Zero means
// flush now.
func (d *Debouncer) remaining() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.pending.Cardinality() == 0 {
		return 0
	}

	deadline := d.last.Add(d.window)
	if hard := d.first.Add(maxWaitFactor * d.window); hard.Before(deadline) {
		deadline = hard
	}

	return deadline.Sub(d.clock.Now())
}

func (d *Debouncer) flush() {
	d.mu.Lock()
	keys := d.pending.ToSlice()
	d.pending.Clear()
	d.mu.Unlock()

	if len(keys) == 0 {
		return
	}

	sort.Strings(keys)

	d.logger.Info("debounce window closed",
		slog.String("source", d.source),
		slog.Int("keys", len(keys)),
	)

	d.target.Request(d.source + ": " + summarizeKeys(keys))
}

const maxReasonKeys = 3

func summarizeKeys(keys []string) string {
	if len(keys) <= maxReasonKeys {
		return strings.Join(keys, ", ")
	}

	return strings.Join(keys[:maxReasonKeys], ", ") + " (+" + strconv.Itoa(len(keys)-maxReasonKeys) + " more)"
}
