package sync

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/dustin/go-humanize"
)

// Safety gate sentinels.
var (
	// ErrBigDeleteBlocked is returned when a run would delete more items
	// than the configured thresholds allow. Forcing the run overrides it.
	ErrBigDeleteBlocked = errors.New("big-delete protection triggered")

	// ErrInsufficientDiskSpace is returned when the planned downloads would
	// leave less than the configured minimum free space.
	ErrInsufficientDiskSpace = errors.New("insufficient disk space")
)

// percentMultiplier converts a count to a percentage (multiply before dividing to avoid integer truncation).
const percentMultiplier = 100

// Safety defaults.
const (
	DefaultBigDeleteMinItems   = 10
	DefaultBigDeleteThreshold  = 1000
	DefaultBigDeletePercentage = 50
)

// SafetyConfig holds the thresholds of the pre-execution gate. A zero
// BigDeleteThreshold disables big-delete protection; a zero MinFreeSpace
// disables the disk space check.
type SafetyConfig struct {
	BigDeleteMinItems   int
	BigDeleteThreshold  int
	BigDeletePercentage int
	MinFreeSpace        int64
}

// SafetyChecker validates a plan before any destructive action runs.
type SafetyChecker struct {
	cfg        SafetyConfig
	logger     *slog.Logger
	localRoot  string
	statfsFunc func(path string) (uint64, error) // injectable for testing disk space
}

// NewSafetyChecker creates a checker for the given local root.
func NewSafetyChecker(cfg SafetyConfig, localRoot string, logger *slog.Logger) *SafetyChecker {
	return &SafetyChecker{
		cfg:        cfg,
		logger:     logger,
		localRoot:  localRoot,
		statfsFunc: getDiskSpace,
	}
}

// Check applies big-delete protection against the number of active
// records, then the free space check. When force is set, big-delete
// violations only warn; when dryRun is set, nothing blocks.
func (sc *SafetyChecker) Check(plan *Plan, activeRecords int, force, dryRun bool) error {
	if err := sc.checkBigDelete(plan, activeRecords, force, dryRun); err != nil {
		return err
	}

	return sc.checkDiskSpace(plan, dryRun)
}

func (sc *SafetyChecker) checkBigDelete(plan *Plan, total int, force, dryRun bool) error {
	deletes := plan.Deletes
	if deletes == 0 || sc.cfg.BigDeleteThreshold <= 0 {
		return nil
	}

	if total < sc.cfg.BigDeleteMinItems {
		sc.logger.Debug("below min items, skipping big-delete check",
			slog.Int("total_items", total),
			slog.Int("min_items", sc.cfg.BigDeleteMinItems),
		)

		return nil
	}

	countExceeded := deletes > sc.cfg.BigDeleteThreshold

	var percentExceeded bool
	if total > 0 && sc.cfg.BigDeletePercentage > 0 {
		percentExceeded = deletes*percentMultiplier/total > sc.cfg.BigDeletePercentage
	}

	if !countExceeded && !percentExceeded {
		return nil
	}

	percent := 0
	if total > 0 {
		percent = deletes * percentMultiplier / total
	}

	msg := fmt.Sprintf("would delete %d items (%d%% of %d tracked), thresholds: %d items or %d%%",
		deletes, percent, total, sc.cfg.BigDeleteThreshold, sc.cfg.BigDeletePercentage)

	switch {
	case force:
		sc.logger.Warn("big-delete override via force", slog.String("detail", msg))
		return nil
	case dryRun:
		sc.logger.Warn("big-delete would block (dry-run)", slog.String("detail", msg))
		return nil
	}

	sc.logger.Error("big-delete protection triggered", slog.String("detail", msg))

	return fmt.Errorf("%w: %s", ErrBigDeleteBlocked, msg)
}

func (sc *SafetyChecker) checkDiskSpace(plan *Plan, dryRun bool) error {
	if sc.cfg.MinFreeSpace <= 0 {
		return nil
	}

	var needed int64

	for i := range plan.Actions {
		a := &plan.Actions[i]
		if (a.Type == ActionDownload || a.Type == ActionConflict) && a.Remote != nil {
			needed += a.Remote.Size
		}
	}

	if needed == 0 {
		return nil
	}

	available, err := sc.statfsFunc(sc.localRoot)
	if err != nil {
		return fmt.Errorf("sync: reading free space of %s: %w", sc.localRoot, err)
	}

	remaining := int64(min(available, uint64(math.MaxInt64))) - needed
	if remaining >= sc.cfg.MinFreeSpace {
		return nil
	}

	msg := fmt.Sprintf("downloads need %s, %s available, minimum free is %s",
		humanize.IBytes(uint64(needed)), humanize.IBytes(available), //nolint:gosec // needed is positive
		humanize.IBytes(uint64(sc.cfg.MinFreeSpace))) //nolint:gosec // checked positive above

	if dryRun {
		sc.logger.Warn("insufficient disk space (dry-run)", slog.String("detail", msg))
		return nil
	}

	sc.logger.Error("insufficient disk space", slog.String("detail", msg))

	return fmt.Errorf("%w: %s", ErrInsufficientDiskSpace, msg)
}
