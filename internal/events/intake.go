// Package events turns webhook callbacks, local filesystem activity and a
// periodic poll into reconciliation runs. Intake verifies and filters
// callbacks, the debouncer collapses bursts, and the scheduler guarantees
// that at most one run is in flight with at most one queued behind it.
package events

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jonboulle/clockwork"
)

// ErrConfiguration reports callback settings the intake cannot operate with.
var ErrConfiguration = errors.New("events: invalid callback configuration")

// Intake defaults.
const (
	DefaultDedupTTL  = 10 * time.Minute
	DefaultDedupSize = 4096
)

// DefaultTriggerTypes are the drive event types that request a run.
var DefaultTriggerTypes = []string{
	"drive.file.edit_v1",
	"drive.file.title_updated_v1",
	"drive.file.created_in_folder_v1",
	"drive.file.deleted_v1",
	"drive.file.trashed_v1",
	"drive.file.bitable_record_changed_v1",
	"drive.file.bitable_field_changed_v1",
}

// Verdict reasons.
const (
	ReasonVerifyTokenMissing = "verify_token_missing"
	ReasonEncryptKeyMissing  = "encrypt_key_missing"
	ReasonEncryptMissing     = "encrypt_missing"
	ReasonInvalidJSON        = "invalid_json"
	ReasonDecryptFailed      = "decrypt_failed"
	ReasonSignatureInvalid   = "signature_invalid"
	ReasonTokenInvalid       = "token_invalid"
	ReasonChallenge          = "challenge"
	ReasonDisabled           = "disabled"
	ReasonUnmatchedType      = "unmatched_event_type"
	ReasonDuplicate          = "duplicate_event"
	ReasonQueued             = "queued"
)

// IntakeConfig holds the callback verification settings.
type IntakeConfig struct {
	Enabled      bool
	VerifyToken  string
	EncryptKey   string
	TriggerTypes []string
	DedupTTL     time.Duration
	DedupSize    int
}

// Validate checks the settings once at startup.
func (c *IntakeConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	var errs []error

	if c.VerifyToken == "" {
		errs = append(errs, fmt.Errorf("%w: callbacks are enabled but no verify token is set", ErrConfiguration))
	}

	for _, p := range c.TriggerTypes {
		if _, err := path.Match(p, ""); err != nil {
			errs = append(errs, fmt.Errorf("%w: trigger type pattern %q: %w", ErrConfiguration, p, err))
		}
	}

	return errors.Join(errs...)
}

// Headers are the request headers that take part in verification.
type Headers struct {
	Timestamp string // X-Lark-Request-Timestamp
	Nonce     string // X-Lark-Request-Nonce
	Signature string // X-Lark-Signature
}

// Verdict is the intake's decision about one callback.
type Verdict struct {
	Accepted  bool   `json:"accepted"`
	Reason    string `json:"reason"`
	Challenge string `json:"challenge,omitempty"`
	EventID   string `json:"event_id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Triggered bool   `json:"triggered"`
}

// IntakeStats counts callbacks by outcome.
type IntakeStats struct {
	Received       int       `json:"received"`
	Triggered      int       `json:"triggered"`
	Duplicate      int       `json:"duplicate"`
	SkippedType    int       `json:"skipped_type"`
	SkippedOff     int       `json:"skipped_disabled"`
	Rejected       int       `json:"rejected"`
	Challenges     int       `json:"challenges"`
	LastEventID    string    `json:"last_event_id,omitempty"`
	LastEventType  string    `json:"last_event_type,omitempty"`
	LastReceivedAt time.Time `json:"last_received_at,omitzero"`
	LastReject     string    `json:"last_reject,omitempty"`
}

// Trigger receives accepted events. The debouncer implements it.
type Trigger interface {
	Add(key string)
}

// Intake verifies, filters and deduplicates drive callbacks.
type Intake struct {
	cfg     IntakeConfig
	trigger Trigger
	seen    *expirable.LRU[string, struct{}]
	clock   clockwork.Clock
	logger  *slog.Logger

	mu    sync.Mutex
	stats IntakeStats
}

// NewIntake creates an intake that forwards accepted events to trigger.
func NewIntake(cfg IntakeConfig, trigger Trigger, clock clockwork.Clock, logger *slog.Logger) *Intake {
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = DefaultDedupTTL
	}

	if cfg.DedupSize <= 0 {
		cfg.DedupSize = DefaultDedupSize
	}

	if len(cfg.TriggerTypes) == 0 {
		cfg.TriggerTypes = DefaultTriggerTypes
	}

	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Intake{
		cfg:     cfg,
		trigger: trigger,
		seen:    expirable.NewLRU[string, struct{}](cfg.DedupSize, nil, cfg.DedupTTL),
		clock:   clock,
		logger:  logger,
	}
}

// envelope is the union of the v1 and v2 callback shapes.
type envelope struct {
	Encrypt   string `json:"encrypt"`
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	Token     string `json:"token"`
	UUID      string `json:"uuid"`
	Header    struct {
		EventID   string `json:"event_id"`
		EventType string `json:"event_type"`
		Token     string `json:"token"`
	} `json:"header"`
	Event struct {
		Type      string `json:"type"`
		FileToken string `json:"file_token"`
	} `json:"event"`
}

// Notify runs one raw callback body through verification and filtering.
// Accepted events are handed to the trigger keyed by file token.
func (in *Intake) Notify(_ context.Context, raw []byte, h Headers) Verdict {
	if in.cfg.VerifyToken == "" {
		return in.reject(ReasonVerifyTokenMissing)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return in.reject(ReasonInvalidJSON)
	}

	switch {
	case env.Encrypt != "" && in.cfg.EncryptKey == "":
		return in.reject(ReasonEncryptKeyMissing)
	case env.Encrypt == "" && in.cfg.EncryptKey != "":
		return in.reject(ReasonEncryptMissing)
	case env.Encrypt != "":
		plain, err := Decrypt(env.Encrypt, in.cfg.EncryptKey)
		if err != nil {
			in.logger.Warn("callback decrypt failed", slog.String("error", err.Error()))
			return in.reject(ReasonDecryptFailed)
		}

		env = envelope{}
		if err := json.Unmarshal(plain, &env); err != nil {
			return in.reject(ReasonInvalidJSON)
		}
	}

	if in.cfg.EncryptKey != "" && h.Signature != "" {
		want := Signature(h.Timestamp, h.Nonce, in.cfg.EncryptKey, raw)
		if subtle.ConstantTimeCompare([]byte(want), []byte(strings.ToLower(h.Signature))) != 1 {
			return in.reject(ReasonSignatureInvalid)
		}
	}

	token := env.Token
	if token == "" {
		token = env.Header.Token
	}

	if subtle.ConstantTimeCompare([]byte(token), []byte(in.cfg.VerifyToken)) != 1 {
		return in.reject(ReasonTokenInvalid)
	}

	if env.Type == "url_verification" {
		in.mu.Lock()
		in.stats.Challenges++
		in.mu.Unlock()

		return Verdict{Accepted: true, Reason: ReasonChallenge, Challenge: env.Challenge}
	}

	return in.dispatch(&env)
}

func (in *Intake) dispatch(env *envelope) Verdict {
	id := env.Header.EventID
	if id == "" {
		id = env.UUID
	}

	typ := env.Header.EventType
	if typ == "" {
		typ = env.Event.Type
	}

	v := Verdict{Accepted: true, EventID: id, EventType: typ}

	in.mu.Lock()
	defer in.mu.Unlock()

	in.stats.Received++
	in.stats.LastEventID = id
	in.stats.LastEventType = typ
	in.stats.LastReceivedAt = in.clock.Now()

	switch {
	case !in.cfg.Enabled:
		in.stats.SkippedOff++
		v.Reason = ReasonDisabled
	case !in.matches(typ):
		in.stats.SkippedType++
		v.Reason = ReasonUnmatchedType
	case id != "" && in.seen.Contains(id):
		in.stats.Duplicate++
		v.Reason = ReasonDuplicate
	default:
		if id != "" {
			in.seen.Add(id, struct{}{})
		}

		in.stats.Triggered++
		v.Reason = ReasonQueued
		v.Triggered = true
	}

	in.logger.Debug("callback accepted",
		slog.String("event_id", id),
		slog.String("event_type", typ),
		slog.String("outcome", v.Reason),
	)

	if v.Triggered {
		key := env.Event.FileToken
		if key == "" {
			key = typ
		}

		in.trigger.Add(key)
	}

	return v
}

func (in *Intake) matches(typ string) bool {
	if typ == "" {
		return false
	}

	for _, p := range in.cfg.TriggerTypes {
		if ok, _ := path.Match(p, typ); ok {
			return true
		}
	}

	return false
}

func (in *Intake) reject(reason string) Verdict {
	in.mu.Lock()
	in.stats.Rejected++
	in.stats.LastReject = reason
	in.mu.Unlock()

	in.logger.Warn("callback rejected", slog.String("reason", reason))

	return Verdict{Reason: reason}
}

// Stats returns a copy of the intake counters.
func (in *Intake) Stats() IntakeStats {
	in.mu.Lock()
	defer in.mu.Unlock()

	return in.stats
}
