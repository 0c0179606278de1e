package sync

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	stdsync "sync"

	"golang.org/x/sync/errgroup"
)

// Verify status constants (used in VerifyResult.Status).
const (
	VerifyOK           = "ok"
	VerifyMissing      = "missing"
	VerifyHashMismatch = "hash_mismatch"
	VerifySizeMismatch = "size_mismatch"
)

// VerifyResult is the outcome for one recorded file.
type VerifyResult struct {
	Path     string `json:"path"`
	Status   string `json:"status"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
}

// VerifyReport summarizes a verification pass.
type VerifyReport struct {
	Verified   int            `json:"verified"`
	Mismatches []VerifyResult `json:"mismatches"`
}

// VerifyRecords hashes every recorded local file and compares it with the
// fingerprint stored at its last sync. Read-only: the remote is not
// contacted and the store is not written. Untracked files and directories
// are ignored. Mismatches are sorted by path.
func VerifyRecords(ctx context.Context, set *RecordSet, localRoot string, workers int, logger *slog.Logger) (*VerifyReport, error) {
	report := &VerifyReport{Mismatches: []VerifyResult{}}

	var mu stdsync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(workers, minWorkers))

	for p, rec := range set.ByPath {
		if rec.Kind != KindFile {
			continue
		}

		g.Go(func() error {
			if gctx.Err() != nil {
				return fmt.Errorf("sync: verify canceled: %w", gctx.Err())
			}

			result := verifyRecord(filepath.Join(localRoot, filepath.FromSlash(p)), rec, logger)

			mu.Lock()
			defer mu.Unlock()

			if result.Status == VerifyOK {
				report.Verified++
			} else {
				report.Mismatches = append(report.Mismatches, result)
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	slices.SortFunc(report.Mismatches, func(a, b VerifyResult) int {
		return strings.Compare(a.Path, b.Path)
	})

	return report, nil
}

func verifyRecord(absPath string, rec *Record, logger *slog.Logger) VerifyResult {
	info, err := os.Stat(absPath)
	if err != nil {
		res := VerifyResult{Path: rec.LocalPath, Status: VerifyMissing, Expected: rec.Fingerprint}

		if !os.IsNotExist(err) {
			logger.Warn("verify: stat failed", slog.String("path", rec.LocalPath), slog.String("error", err.Error()))
			res.Actual = err.Error()
		}

		return res
	}

	if rec.Size > 0 && info.Size() != rec.Size {
		return VerifyResult{
			Path:     rec.LocalPath,
			Status:   VerifySizeMismatch,
			Expected: strconv.FormatInt(rec.Size, 10),
			Actual:   strconv.FormatInt(info.Size(), 10),
		}
	}

	// Without a fingerprint only the size is checked.
	if rec.Fingerprint == "" {
		return VerifyResult{Path: rec.LocalPath, Status: VerifyOK}
	}

	hash, err := HashFile(absPath)
	if err != nil {
		logger.Warn("verify: hash failed", slog.String("path", rec.LocalPath), slog.String("error", err.Error()))

		return VerifyResult{Path: rec.LocalPath, Status: VerifyHashMismatch, Expected: rec.Fingerprint, Actual: err.Error()}
	}

	if hash != rec.Fingerprint {
		return VerifyResult{Path: rec.LocalPath, Status: VerifyHashMismatch, Expected: rec.Fingerprint, Actual: hash}
	}

	return VerifyResult{Path: rec.LocalPath, Status: VerifyOK}
}
