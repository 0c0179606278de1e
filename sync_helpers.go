package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/tonimelisma/drivesync/internal/config"
	"github.com/tonimelisma/drivesync/internal/feishu"
	"github.com/tonimelisma/drivesync/internal/remote"
	"github.com/tonimelisma/drivesync/internal/sync"
)

const stateDirPermissions = 0o700

// newDrive builds the remote backend selected by remote.provider.
func newDrive(ctx context.Context, cfg *config.Config, logger *slog.Logger) (remote.Drive, error) {
	r := &cfg.Remote
	if r.Provider != config.ProviderFeishu {
		return nil, fmt.Errorf("unsupported remote provider %q", r.Provider)
	}

	ts, err := feishu.NewTokenSource(ctx, feishu.Credentials{
		BaseURL:     r.BaseURL,
		AppID:       r.AppID,
		AppSecret:   r.AppSecret,
		AccessToken: r.AccessToken,
		CachePath:   cfg.TokenCachePath(),
	}, &http.Client{Timeout: cfg.RemoteTimeout()}, logger)
	if err != nil {
		return nil, err
	}

	return feishu.NewClient(feishu.Config{
		BaseURL:   r.BaseURL,
		RootToken: cfg.Sync.RemoteRoot,
		Timeout:   cfg.RemoteTimeout(),
	}, ts, nil, logger), nil
}

// openStore opens the state database, creating the state directory.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*sync.Store, error) {
	if err := os.MkdirAll(cfg.StateDir(), stateDirPermissions); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	return sync.OpenStore(ctx, cfg.StatePath(), logger)
}

// newEngine validates the resolved config and builds an engine over drive.
// The caller owns store.
func newEngine(ctx context.Context, cfg *config.Config, store *sync.Store, drive remote.Drive, logger *slog.Logger) (*sync.Engine, error) {
	if err := config.ValidateResolved(cfg); err != nil {
		return nil, err
	}

	info, err := os.Stat(cfg.Sync.LocalRoot)
	if err != nil {
		return nil, fmt.Errorf("local root: %w", err)
	}

	if !info.IsDir() {
		return nil, fmt.Errorf("local root %s is not a directory", cfg.Sync.LocalRoot)
	}

	limiter, err := sync.NewBandwidthLimiter(cfg.Sync.BandwidthLimit, logger)
	if err != nil {
		return nil, err
	}

	remoteRoot := cfg.Sync.RemoteRoot
	if remoteRoot == "" {
		remoteRoot = "(drive root)"
	}

	return sync.NewEngine(ctx, &sync.EngineConfig{
		LocalRoot:  cfg.Sync.LocalRoot,
		RemoteRoot: remoteRoot,
		Store:      store,
		Drive:      drive,
		Retry: sync.RetryConfig{
			BaseDelay:   cfg.RetryBaseDelay(),
			MaxDelay:    cfg.RetryMaxDelay(),
			MaxAttempts: cfg.Retry.MaxAttempts,
		},
		Safety: sync.SafetyConfig{
			BigDeleteMinItems:   cfg.Safety.BigDeleteMinItems,
			BigDeleteThreshold:  cfg.Safety.BigDeleteThreshold,
			BigDeletePercentage: cfg.Safety.BigDeletePercentage,
			MinFreeSpace:        cfg.MinFreeSpaceBytes(),
		},
		Limiter: limiter,
		Logger:  logger,
	})
}

// syncOptions maps the resolved config onto the engine's per-run options.
func syncOptions(cfg *config.Config) sync.Options {
	s := &cfg.Sync

	opts := sync.Options{
		Policy:                     sync.Policy(s.Policy),
		ConflictPolicy:             sync.ConflictPolicy(s.ConflictPolicy),
		ClockSkew:                  cfg.ClockSkew(),
		HardDeleteLocal:            s.LocalDeleteMode == config.DeleteModeHard,
		HardDeleteRemote:           s.RemoteDeleteMode == config.DeleteModeHard,
		CleanupEmptyRemoteDirs:     s.CleanupEmptyRemoteDirs,
		CleanupRemoteDirsRecursive: s.CleanupRemoteDirsRecursive,
		DedupeRemote:               s.DedupeRemote,
		CheckWorkers:               s.CheckWorkers,
		TransferWorkers:            s.TransferWorkers,
		Ignore:                     s.Ignore,
	}

	switch s.InitialStrategy {
	case config.InitialDryRun:
		opts.InitialDryRun = true
	case config.PolicyRemoteWins, config.PolicyLocalWins:
		opts.InitialStrategy = sync.Policy(s.InitialStrategy)
	}

	return opts
}

// describeRunError adds operator guidance to the engine's fatal errors.
func describeRunError(err error) error {
	switch {
	case errors.Is(err, sync.ErrBigDeleteBlocked):
		return fmt.Errorf("%w (re-run with --force after checking the plan with --dry-run)", err)
	case errors.Is(err, sync.ErrRootChanged):
		return fmt.Errorf("%w (point state_dir at a fresh directory to sync a different pair)", err)
	case errors.Is(err, sync.ErrInsufficientDiskSpace):
		return fmt.Errorf("%w (free space or lower safety.min_free_space)", err)
	}

	return err
}
