package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig      = "DRIVESYNC_CONFIG"
	EnvLocalRoot   = "DRIVESYNC_LOCAL_ROOT"
	EnvAccessToken = "DRIVESYNC_ACCESS_TOKEN"
	EnvAppSecret   = "DRIVESYNC_APP_SECRET"
	EnvVerifyToken = "DRIVESYNC_VERIFY_TOKEN"
	EnvEncryptKey  = "DRIVESYNC_ENCRYPT_KEY"
)

// EnvOverrides holds values derived from environment variables. Secrets
// live here so they can stay out of the config file.
type EnvOverrides struct {
	ConfigPath  string // DRIVESYNC_CONFIG: override config file path
	LocalRoot   string // DRIVESYNC_LOCAL_ROOT: local root override
	AccessToken string // DRIVESYNC_ACCESS_TOKEN
	AppSecret   string // DRIVESYNC_APP_SECRET
	VerifyToken string // DRIVESYNC_VERIFY_TOKEN
	EncryptKey  string // DRIVESYNC_ENCRYPT_KEY
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath:  os.Getenv(EnvConfig),
		LocalRoot:   os.Getenv(EnvLocalRoot),
		AccessToken: os.Getenv(EnvAccessToken),
		AppSecret:   os.Getenv(EnvAppSecret),
		VerifyToken: os.Getenv(EnvVerifyToken),
		EncryptKey:  os.Getenv(EnvEncryptKey),
	}
}

// apply copies every non-empty override onto cfg.
func (env EnvOverrides) apply(cfg *Config) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}

	set(&cfg.Sync.LocalRoot, env.LocalRoot)
	set(&cfg.Remote.AccessToken, env.AccessToken)
	set(&cfg.Remote.AppSecret, env.AppSecret)
	set(&cfg.Events.VerifyToken, env.VerifyToken)
	set(&cfg.Events.EncryptKey, env.EncryptKey)
}
