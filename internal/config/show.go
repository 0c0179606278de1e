package config

import (
	"fmt"
	"io"
	"strings"
)

const redacted = "<redacted>"

// RenderEffective writes the resolved configuration as TOML-like text to w.
// Secrets are replaced so the output is safe to paste into bug reports.
func RenderEffective(cfg *Config, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration\n\n")

	s := &cfg.Sync
	ew.printf("[sync]\n")
	ew.printf("  local_root                    = %q\n", s.LocalRoot)
	ew.printf("  remote_root                   = %q\n", s.RemoteRoot)
	ew.printf("  state_dir                     = %q\n", cfg.StateDir())
	ew.printf("  policy                        = %q\n", s.Policy)
	ew.printf("  conflict_policy               = %q\n", s.ConflictPolicy)
	ew.printf("  clock_skew_tolerance          = %q\n", s.ClockSkewTolerance)
	ew.printf("  initial_strategy              = %q\n", s.InitialStrategy)
	ew.printf("  local_delete_mode             = %q\n", s.LocalDeleteMode)
	ew.printf("  remote_delete_mode            = %q\n", s.RemoteDeleteMode)
	ew.printf("  cleanup_empty_remote_dirs     = %t\n", s.CleanupEmptyRemoteDirs)
	ew.printf("  cleanup_remote_dirs_recursive = %t\n", s.CleanupRemoteDirsRecursive)
	ew.printf("  dedupe_remote                 = %t\n", s.DedupeRemote)
	ew.printf("  ignore                        = %s\n", formatList(s.Ignore))
	ew.printf("  check_workers                 = %d\n", s.CheckWorkers)
	ew.printf("  transfer_workers              = %d\n", s.TransferWorkers)
	ew.printf("  bandwidth_limit               = %q\n", s.BandwidthLimit)

	ew.printf("\n[safety]\n")
	ew.printf("  big_delete_threshold  = %d\n", cfg.Safety.BigDeleteThreshold)
	ew.printf("  big_delete_percentage = %d\n", cfg.Safety.BigDeletePercentage)
	ew.printf("  big_delete_min_items  = %d\n", cfg.Safety.BigDeleteMinItems)
	ew.printf("  min_free_space        = %q\n", cfg.Safety.MinFreeSpace)

	ew.printf("\n[retry]\n")
	ew.printf("  max_attempts = %d\n", cfg.Retry.MaxAttempts)
	ew.printf("  base_delay   = %q\n", cfg.Retry.BaseDelay)
	ew.printf("  max_delay    = %q\n", cfg.Retry.MaxDelay)

	r := &cfg.Remote
	ew.printf("\n[remote]\n")
	ew.printf("  provider     = %q\n", r.Provider)
	ew.printf("  base_url     = %q\n", r.BaseURL)
	ew.printf("  app_id       = %q\n", r.AppID)
	ew.printf("  app_secret   = %q\n", secret(r.AppSecret))
	ew.printf("  access_token = %q\n", secret(r.AccessToken))
	ew.printf("  timeout      = %q\n", r.Timeout)

	e := &cfg.Events
	ew.printf("\n[events]\n")
	ew.printf("  enabled       = %t\n", e.Enabled)
	ew.printf("  listen        = %q\n", e.Listen)
	ew.printf("  path          = %q\n", e.Path)
	ew.printf("  verify_token  = %q\n", secret(e.VerifyToken))
	ew.printf("  encrypt_key   = %q\n", secret(e.EncryptKey))
	ew.printf("  debounce      = %q\n", e.Debounce)
	ew.printf("  dedup_ttl     = %q\n", e.DedupTTL)
	ew.printf("  trigger_types = %s\n", formatList(e.TriggerTypes))

	ew.printf("\n[scheduler]\n")
	ew.printf("  poll_interval  = %q\n", cfg.Scheduler.PollInterval)
	ew.printf("  watch_local    = %t\n", cfg.Scheduler.WatchLocal)
	ew.printf("  local_debounce = %q\n", cfg.Scheduler.LocalDebounce)

	ew.printf("\n[logging]\n")
	ew.printf("  log_level  = %q\n", cfg.Logging.LogLevel)
	ew.printf("  log_format = %q\n", cfg.Logging.LogFormat)
	ew.printf("  log_file   = %q\n", cfg.Logging.LogFile)

	return ew.err
}

// Redacted returns a copy of cfg with every secret replaced, for JSON output.
func (c *Config) Redacted() *Config {
	out := *c
	out.Remote.AppSecret = secret(c.Remote.AppSecret)
	out.Remote.AccessToken = secret(c.Remote.AccessToken)
	out.Events.VerifyToken = secret(c.Events.VerifyToken)
	out.Events.EncryptKey = secret(c.Events.EncryptKey)

	return &out
}

func secret(s string) string {
	if s == "" {
		return ""
	}

	return redacted
}

func formatList(items []string) string {
	quoted := make([]string, len(items))
	for i, s := range items {
		quoted[i] = fmt.Sprintf("%q", s)
	}

	return "[" + strings.Join(quoted, ", ") + "]"
}

// errWriter wraps an io.Writer and captures the first write error.
// Subsequent writes after an error are no-ops.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}
