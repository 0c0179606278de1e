// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for drivesync. Values resolve in three
// layers: defaults, then the config file, then environment variables. CLI
// flags are applied by the caller on the resolved result.
package config

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	Sync      SyncConfig      `toml:"sync" json:"sync"`
	Safety    SafetyConfig    `toml:"safety" json:"safety"`
	Retry     RetryConfig     `toml:"retry" json:"retry"`
	Remote    RemoteConfig    `toml:"remote" json:"remote"`
	Events    EventsConfig    `toml:"events" json:"events"`
	Scheduler SchedulerConfig `toml:"scheduler" json:"scheduler"`
	Logging   LoggingConfig   `toml:"logging" json:"logging"`
}

// SyncConfig describes the synced pair and how divergence is resolved.
type SyncConfig struct {
	LocalRoot  string `toml:"local_root" json:"local_root"`
	RemoteRoot string `toml:"remote_root" json:"remote_root"`
	StateDir   string `toml:"state_dir" json:"state_dir"`

	Policy             string `toml:"policy" json:"policy"`
	ConflictPolicy     string `toml:"conflict_policy" json:"conflict_policy"`
	ClockSkewTolerance string `toml:"clock_skew_tolerance" json:"clock_skew_tolerance"`
	InitialStrategy    string `toml:"initial_strategy" json:"initial_strategy"`

	LocalDeleteMode            string   `toml:"local_delete_mode" json:"local_delete_mode"`
	RemoteDeleteMode           string   `toml:"remote_delete_mode" json:"remote_delete_mode"`
	CleanupEmptyRemoteDirs     bool     `toml:"cleanup_empty_remote_dirs" json:"cleanup_empty_remote_dirs"`
	CleanupRemoteDirsRecursive bool     `toml:"cleanup_remote_dirs_recursive" json:"cleanup_remote_dirs_recursive"`
	DedupeRemote               bool     `toml:"dedupe_remote" json:"dedupe_remote"`
	Ignore                     []string `toml:"ignore" json:"ignore"`

	CheckWorkers    int    `toml:"check_workers" json:"check_workers"`
	TransferWorkers int    `toml:"transfer_workers" json:"transfer_workers"`
	BandwidthLimit  string `toml:"bandwidth_limit" json:"bandwidth_limit"`
}

// SafetyConfig holds the thresholds that stop a run before it destroys data.
type SafetyConfig struct {
	BigDeleteThreshold  int    `toml:"big_delete_threshold" json:"big_delete_threshold"`
	BigDeletePercentage int    `toml:"big_delete_percentage" json:"big_delete_percentage"`
	BigDeleteMinItems   int    `toml:"big_delete_min_items" json:"big_delete_min_items"`
	MinFreeSpace        string `toml:"min_free_space" json:"min_free_space"`
}

// RetryConfig controls the persisted retry queue's backoff schedule.
type RetryConfig struct {
	MaxAttempts int    `toml:"max_attempts" json:"max_attempts"`
	BaseDelay   string `toml:"base_delay" json:"base_delay"`
	MaxDelay    string `toml:"max_delay" json:"max_delay"`
}

// RemoteConfig selects and authenticates the remote backend.
type RemoteConfig struct {
	Provider    string `toml:"provider" json:"provider"`
	BaseURL     string `toml:"base_url" json:"base_url"`
	AppID       string `toml:"app_id" json:"app_id"`
	AppSecret   string `toml:"app_secret" json:"app_secret"`
	AccessToken string `toml:"access_token" json:"access_token"`
	Timeout     string `toml:"timeout" json:"timeout"`
}

// EventsConfig controls the push-notification callback endpoint.
type EventsConfig struct {
	Enabled      bool     `toml:"enabled" json:"enabled"`
	Listen       string   `toml:"listen" json:"listen"`
	Path         string   `toml:"path" json:"path"`
	VerifyToken  string   `toml:"verify_token" json:"verify_token"`
	EncryptKey   string   `toml:"encrypt_key" json:"encrypt_key"`
	Debounce     string   `toml:"debounce" json:"debounce"`
	DedupTTL     string   `toml:"dedup_ttl" json:"dedup_ttl"`
	TriggerTypes []string `toml:"trigger_types" json:"trigger_types"`
}

// SchedulerConfig controls the fallback poll and the local watcher.
type SchedulerConfig struct {
	PollInterval string `toml:"poll_interval" json:"poll_interval"`
	WatchLocal   bool   `toml:"watch_local" json:"watch_local"`
	// LocalDebounce collapses bursts of local file events.
	LocalDebounce string `toml:"local_debounce" json:"local_debounce"`
}

// LoggingConfig controls log output: level, format and an optional file.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level" json:"log_level"`
	LogFormat string `toml:"log_format" json:"log_format"`
	LogFile   string `toml:"log_file" json:"log_file"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set to the zero value".
type CLIOverrides struct {
	ConfigPath string  // --config flag (empty = use default)
	LocalRoot  *string // --local-root flag
	Policy     *string // --policy flag
}
