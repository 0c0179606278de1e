package config

import (
	"errors"
	"fmt"
	"net"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// Recognized enum values.
const (
	PolicyRemoteWins    = "remote_wins"
	PolicyLocalWins     = "local_wins"
	PolicyBidirectional = "bidirectional"

	ConflictKeepBoth  = "keep_both"
	ConflictNewerWins = "newer_wins"

	// InitialDryRun plans the first run without executing it.
	InitialDryRun = "dry_run"

	DeleteModeTrash   = "trash"
	DeleteModeRecycle = "recycle"
	DeleteModeHard    = "hard"

	ProviderFeishu = "feishu"

	LogFormatAuto = "auto"
	LogFormatText = "text"
	LogFormatJSON = "json"
)

var (
	validPolicies         = []string{PolicyRemoteWins, PolicyLocalWins, PolicyBidirectional}
	validConflictPolicies = []string{ConflictKeepBoth, ConflictNewerWins}
	validInitial          = []string{"", PolicyRemoteWins, PolicyLocalWins, InitialDryRun}
	validLocalDelete      = []string{DeleteModeTrash, DeleteModeHard}
	validRemoteDelete     = []string{DeleteModeRecycle, DeleteModeHard}
	validProviders        = []string{ProviderFeishu}
	validLogLevels        = []string{"debug", "info", "warn", "error"}
	validLogFormats       = []string{LogFormatAuto, LogFormatText, LogFormatJSON}
)

// Validation range constants.
const (
	maxWorkers       = 64
	minPercentage    = 1
	maxPercentage    = 100
	maxRetryAttempts = 100
	minPollInterval  = 10 * time.Second
)

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateSync(&cfg.Sync)...)
	errs = append(errs, validateSafety(&cfg.Safety)...)
	errs = append(errs, validateRetry(&cfg.Retry)...)
	errs = append(errs, validateRemote(&cfg.Remote)...)
	errs = append(errs, validateEvents(&cfg.Events)...)
	errs = append(errs, validateScheduler(&cfg.Scheduler)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)

	return errors.Join(errs...)
}

// ValidateResolved checks constraints that only hold once every override
// layer has been applied: a sync needs a local root and credentials.
func ValidateResolved(cfg *Config) error {
	var errs []error

	if cfg.Sync.LocalRoot == "" {
		errs = append(errs, errors.New("sync.local_root: must be set (config file, DRIVESYNC_LOCAL_ROOT or --local-root)"))
	} else if !filepath.IsAbs(cfg.Sync.LocalRoot) {
		errs = append(errs, fmt.Errorf("sync.local_root: must be an absolute path, got %q", cfg.Sync.LocalRoot))
	}

	r := &cfg.Remote
	if r.AccessToken == "" && (r.AppID == "" || r.AppSecret == "") {
		errs = append(errs, errors.New("remote: either access_token or both app_id and app_secret must be set"))
	}

	if cfg.Events.Enabled && cfg.Events.VerifyToken == "" {
		errs = append(errs, errors.New("events.verify_token: required when events are enabled"))
	}

	return errors.Join(errs...)
}

func validateSync(s *SyncConfig) []error {
	var errs []error

	errs = appendEnum(errs, "sync.policy", s.Policy, validPolicies)
	errs = appendEnum(errs, "sync.conflict_policy", s.ConflictPolicy, validConflictPolicies)
	errs = appendEnum(errs, "sync.initial_strategy", s.InitialStrategy, validInitial)
	errs = appendEnum(errs, "sync.local_delete_mode", s.LocalDeleteMode, validLocalDelete)
	errs = appendEnum(errs, "sync.remote_delete_mode", s.RemoteDeleteMode, validRemoteDelete)
	errs = appendDuration(errs, "sync.clock_skew_tolerance", s.ClockSkewTolerance, 0)
	errs = appendRange(errs, "sync.check_workers", s.CheckWorkers, 1, maxWorkers)
	errs = appendRange(errs, "sync.transfer_workers", s.TransferWorkers, 1, maxWorkers)

	if _, err := parseBandwidth(s.BandwidthLimit); err != nil {
		errs = append(errs, fmt.Errorf("sync.bandwidth_limit: %w", err))
	}

	if s.CleanupRemoteDirsRecursive && !s.CleanupEmptyRemoteDirs {
		errs = append(errs, errors.New("sync.cleanup_remote_dirs_recursive: requires cleanup_empty_remote_dirs"))
	}

	return errs
}

func validateSafety(s *SafetyConfig) []error {
	var errs []error

	if s.BigDeleteThreshold < 1 {
		errs = append(errs, fmt.Errorf("safety.big_delete_threshold: must be >= 1, got %d", s.BigDeleteThreshold))
	}

	errs = appendRange(errs, "safety.big_delete_percentage", s.BigDeletePercentage, minPercentage, maxPercentage)

	if s.BigDeleteMinItems < 1 {
		errs = append(errs, fmt.Errorf("safety.big_delete_min_items: must be >= 1, got %d", s.BigDeleteMinItems))
	}

	if _, err := parseSize(s.MinFreeSpace); err != nil {
		errs = append(errs, fmt.Errorf("safety.min_free_space: %w", err))
	}

	return errs
}

func validateRetry(r *RetryConfig) []error {
	var errs []error

	errs = appendRange(errs, "retry.max_attempts", r.MaxAttempts, 1, maxRetryAttempts)
	errs = appendDuration(errs, "retry.base_delay", r.BaseDelay, time.Millisecond)
	errs = appendDuration(errs, "retry.max_delay", r.MaxDelay, time.Millisecond)

	base, baseErr := time.ParseDuration(r.BaseDelay)
	maxDelay, maxErr := time.ParseDuration(r.MaxDelay)

	if baseErr == nil && maxErr == nil && maxDelay < base {
		errs = append(errs, fmt.Errorf("retry.max_delay: must be >= base_delay (%s), got %s", base, maxDelay))
	}

	return errs
}

func validateRemote(r *RemoteConfig) []error {
	var errs []error

	errs = appendEnum(errs, "remote.provider", r.Provider, validProviders)
	errs = appendDuration(errs, "remote.timeout", r.Timeout, time.Second)

	if r.BaseURL != "" && !strings.HasPrefix(r.BaseURL, "http://") && !strings.HasPrefix(r.BaseURL, "https://") {
		errs = append(errs, fmt.Errorf("remote.base_url: must be an http(s) URL, got %q", r.BaseURL))
	}

	return errs
}

func validateEvents(e *EventsConfig) []error {
	var errs []error

	if _, _, err := net.SplitHostPort(e.Listen); err != nil {
		errs = append(errs, fmt.Errorf("events.listen: %w", err))
	}

	if !strings.HasPrefix(e.Path, "/") {
		errs = append(errs, fmt.Errorf("events.path: must start with \"/\", got %q", e.Path))
	}

	errs = appendDuration(errs, "events.debounce", e.Debounce, 0)
	errs = appendDuration(errs, "events.dedup_ttl", e.DedupTTL, time.Second)

	for _, pattern := range e.TriggerTypes {
		if _, err := path.Match(pattern, ""); err != nil {
			errs = append(errs, fmt.Errorf("events.trigger_types: invalid pattern %q: %w", pattern, err))
		}
	}

	return errs
}

func validateScheduler(s *SchedulerConfig) []error {
	var errs []error

	errs = appendDuration(errs, "scheduler.poll_interval", s.PollInterval, minPollInterval)
	errs = appendDuration(errs, "scheduler.local_debounce", s.LocalDebounce, 0)

	return errs
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	errs = appendEnum(errs, "logging.log_level", l.LogLevel, validLogLevels)
	errs = appendEnum(errs, "logging.log_format", l.LogFormat, validLogFormats)

	return errs
}

func appendEnum(errs []error, key, value string, valid []string) []error {
	if slices.Contains(valid, value) {
		return errs
	}

	quoted := make([]string, 0, len(valid))
	for _, v := range valid {
		if v != "" {
			quoted = append(quoted, fmt.Sprintf("%q", v))
		}
	}

	return append(errs, fmt.Errorf("%s: must be one of %s, got %q", key, strings.Join(quoted, ", "), value))
}

func appendRange(errs []error, key string, value, lo, hi int) []error {
	if value < lo || value > hi {
		return append(errs, fmt.Errorf("%s: must be between %d and %d, got %d", key, lo, hi, value))
	}

	return errs
}

func appendDuration(errs []error, key, value string, minimum time.Duration) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return append(errs, fmt.Errorf("%s: invalid duration %q: %w", key, value, err))
	}

	if d < minimum {
		return append(errs, fmt.Errorf("%s: must be >= %s, got %s", key, minimum, d))
	}

	return errs
}
