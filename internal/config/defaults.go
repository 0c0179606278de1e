package config

// Default values for configuration options. These are the first layer of
// the override chain and work without any config file.
const (
	defaultPolicy          = PolicyBidirectional
	defaultConflictPolicy  = ConflictKeepBoth
	defaultClockSkew       = "2s"
	defaultLocalDelete     = DeleteModeTrash
	defaultRemoteDelete    = DeleteModeRecycle
	defaultCheckWorkers    = 4
	defaultTransferWorkers = 4
	defaultBandwidthLimit  = "0"

	defaultBigDeleteThreshold  = 1000
	defaultBigDeletePercentage = 50
	defaultBigDeleteMinItems   = 10
	defaultMinFreeSpace        = "1GB"

	defaultRetryAttempts = 5
	defaultRetryBase     = "2s"
	defaultRetryMax      = "10m"

	defaultProvider      = ProviderFeishu
	defaultRemoteTimeout = "60s"

	defaultListen    = "127.0.0.1:8787"
	defaultEventPath = "/events/feishu"
	defaultDebounce  = "15s"
	defaultDedupTTL  = "10m"

	defaultPollInterval  = "5m"
	defaultLocalDebounce = "2s"

	defaultLogLevel  = "info"
	defaultLogFormat = LogFormatAuto
)

// defaultTriggerTypes are the event types that request a run.
var defaultTriggerTypes = []string{
	"drive.file.edit_v1",
	"drive.file.title_updated_v1",
	"drive.file.created_in_folder_v1",
	"drive.file.deleted_v1",
	"drive.file.trashed_v1",
	"drive.file.bitable_record_changed_v1",
	"drive.file.bitable_field_changed_v1",
}

// DefaultConfig returns a Config populated with all default values. It is
// the starting point for TOML decoding, so unset fields keep defaults.
func DefaultConfig() *Config {
	return &Config{
		Sync: SyncConfig{
			Policy:             defaultPolicy,
			ConflictPolicy:     defaultConflictPolicy,
			ClockSkewTolerance: defaultClockSkew,
			LocalDeleteMode:    defaultLocalDelete,
			RemoteDeleteMode:   defaultRemoteDelete,
			CheckWorkers:       defaultCheckWorkers,
			TransferWorkers:    defaultTransferWorkers,
			BandwidthLimit:     defaultBandwidthLimit,
		},
		Safety: SafetyConfig{
			BigDeleteThreshold:  defaultBigDeleteThreshold,
			BigDeletePercentage: defaultBigDeletePercentage,
			BigDeleteMinItems:   defaultBigDeleteMinItems,
			MinFreeSpace:        defaultMinFreeSpace,
		},
		Retry: RetryConfig{
			MaxAttempts: defaultRetryAttempts,
			BaseDelay:   defaultRetryBase,
			MaxDelay:    defaultRetryMax,
		},
		Remote: RemoteConfig{
			Provider: defaultProvider,
			Timeout:  defaultRemoteTimeout,
		},
		Events: EventsConfig{
			Listen:       defaultListen,
			Path:         defaultEventPath,
			Debounce:     defaultDebounce,
			DedupTTL:     defaultDedupTTL,
			TriggerTypes: append([]string(nil), defaultTriggerTypes...),
		},
		Scheduler: SchedulerConfig{
			PollInterval:  defaultPollInterval,
			LocalDebounce: defaultLocalDebounce,
		},
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
	}
}
