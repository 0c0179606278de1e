package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// parseSize parses a human-readable size ("1GB", "512MiB", "0") into bytes.
func parseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return 0, nil
	}

	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}

	if n > uint64(1<<63-1) {
		return 0, fmt.Errorf("size %q overflows int64", s)
	}

	return int64(n), nil
}

// parseBandwidth accepts a size with an optional "/s" suffix.
func parseBandwidth(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if strings.HasSuffix(strings.ToLower(s), "/s") {
		s = s[:len(s)-len("/s")]
	}

	return parseSize(s)
}

// mustDuration parses a duration that Validate already accepted.
func mustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}

	return d
}

// ClockSkew returns sync.clock_skew_tolerance as a duration.
func (c *Config) ClockSkew() time.Duration { return mustDuration(c.Sync.ClockSkewTolerance) }

// RetryBaseDelay returns retry.base_delay as a duration.
func (c *Config) RetryBaseDelay() time.Duration { return mustDuration(c.Retry.BaseDelay) }

// RetryMaxDelay returns retry.max_delay as a duration.
func (c *Config) RetryMaxDelay() time.Duration { return mustDuration(c.Retry.MaxDelay) }

// RemoteTimeout returns remote.timeout as a duration.
func (c *Config) RemoteTimeout() time.Duration { return mustDuration(c.Remote.Timeout) }

// EventDebounce returns events.debounce as a duration.
func (c *Config) EventDebounce() time.Duration { return mustDuration(c.Events.Debounce) }

// DedupTTL returns events.dedup_ttl as a duration.
func (c *Config) DedupTTL() time.Duration { return mustDuration(c.Events.DedupTTL) }

// PollInterval returns scheduler.poll_interval as a duration.
func (c *Config) PollInterval() time.Duration { return mustDuration(c.Scheduler.PollInterval) }

// LocalDebounce returns scheduler.local_debounce as a duration.
func (c *Config) LocalDebounce() time.Duration { return mustDuration(c.Scheduler.LocalDebounce) }

// MinFreeSpaceBytes returns safety.min_free_space in bytes.
func (c *Config) MinFreeSpaceBytes() int64 {
	n, err := parseSize(c.Safety.MinFreeSpace)
	if err != nil {
		return 0
	}

	return n
}
