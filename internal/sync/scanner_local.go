package sync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"
	"golang.org/x/text/unicode/norm"
)

// ErrNosyncGuard is returned when a .nosync guard file is found at the
// local root. It prevents syncing against an empty or unmounted volume,
// which would read as a mass deletion.
var ErrNosyncGuard = errors.New("sync halted: .nosync guard file found")

// ErrLocalRootMissing is returned when the local root is gone while the
// store still tracks items under it.
var ErrLocalRootMissing = errors.New("sync halted: local root is missing but records exist")

const nosyncFileName = ".nosync"

// LocalScanner walks the local root and produces a LocalSnapshot. File
// hashing runs on a bounded errgroup.
type LocalScanner struct {
	root    string
	filter  *Filter
	workers int
	logger  *slog.Logger
}

// NewLocalScanner creates a scanner for root.
func NewLocalScanner(root string, filter *Filter, workers int, logger *slog.Logger) *LocalScanner {
	if workers < 1 {
		workers = 1
	}

	return &LocalScanner{root: root, filter: filter, workers: workers, logger: logger}
}

// Scan walks the tree. prior enables the size+mtime fast path that reuses
// the recorded fingerprint; full disables it. Unreadable directories and
// files are recorded in the snapshot instead of aborting the scan.
func (s *LocalScanner) Scan(ctx context.Context, prior *RecordSet, full bool) (*LocalSnapshot, error) {
	if err := s.checkRoot(prior); err != nil {
		return nil, err
	}

	snap := &LocalSnapshot{
		Entries: make(map[string]*LocalEntry),
		Failed:  make(map[string]error),
	}

	var hashing []*LocalEntry

	walkErr := filepath.WalkDir(s.root, func(fsPath string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		rel, relErr := s.relPath(fsPath)
		if relErr != nil {
			return relErr
		}

		if err != nil {
			if rel == "" {
				return fmt.Errorf("sync: reading local root: %w", err)
			}

			s.logger.Warn("local scan: cannot read entry",
				slog.String("path", rel),
				slog.String("error", err.Error()),
			)
			snap.Failed[rel] = err

			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		if rel == "" {
			return nil
		}

		if d.Type()&fs.ModeSymlink != 0 {
			s.logger.Debug("local scan: skipping symlink", slog.String("path", rel))
			return nil
		}

		if s.filter.Excluded(rel, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		info, infoErr := d.Info()
		if infoErr != nil {
			snap.Failed[rel] = infoErr
			return nil
		}

		if d.IsDir() {
			snap.Entries[rel] = &LocalEntry{Path: rel, Kind: KindDir, Mtime: info.ModTime().UnixNano()}
			return nil
		}

		if !info.Mode().IsRegular() {
			return nil
		}

		entry := &LocalEntry{
			Path:  rel,
			Kind:  KindFile,
			Size:  info.Size(),
			Mtime: info.ModTime().UnixNano(),
		}
		snap.Entries[rel] = entry

		if rec := prior.lookup(rel); !full && rec != nil && rec.Kind == KindFile &&
			rec.Size == entry.Size && rec.LocalMtime == entry.Mtime && rec.Fingerprint != "" {
			entry.Fingerprint = rec.Fingerprint
			return nil
		}

		hashing = append(hashing, entry)

		return nil
	})
	if walkErr != nil {
		return nil, walkErr
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)

	for _, entry := range hashing {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			sum, err := HashFile(filepath.Join(s.root, filepath.FromSlash(entry.Path)))
			if err != nil {
				s.logger.Warn("local scan: hash failed",
					slog.String("path", entry.Path),
					slog.String("error", err.Error()),
				)

				entry.Err = err

				return nil
			}

			entry.Fingerprint = sum

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("sync: hashing local files: %w", err)
	}

	s.logger.Debug("local scan complete",
		slog.Int("entries", len(snap.Entries)),
		slog.Int("hashed", len(hashing)),
		slog.Int("failed", len(snap.Failed)),
	)

	return snap, nil
}

func (s *LocalScanner) checkRoot(prior *RecordSet) error {
	info, err := os.Stat(s.root)
	if errors.Is(err, os.ErrNotExist) {
		if prior != nil && len(prior.ByPath) > 0 {
			return fmt.Errorf("%w: %s", ErrLocalRootMissing, s.root)
		}

		if mkErr := os.MkdirAll(s.root, dirPermissions); mkErr != nil {
			return fmt.Errorf("sync: creating local root: %w", mkErr)
		}

		return nil
	}

	if err != nil {
		return fmt.Errorf("sync: checking local root: %w", err)
	}

	if !info.IsDir() {
		return fmt.Errorf("sync: local root %s is not a directory", s.root)
	}

	if _, err := os.Stat(filepath.Join(s.root, nosyncFileName)); err == nil {
		return ErrNosyncGuard
	}

	return nil
}

func (s *LocalScanner) relPath(fsPath string) (string, error) {
	rel, err := filepath.Rel(s.root, fsPath)
	if err != nil {
		return "", fmt.Errorf("sync: relativizing %s: %w", fsPath, err)
	}

	if rel == "." {
		return "", nil
	}

	return norm.NFC.String(filepath.ToSlash(rel)), nil
}

// HashFile streams a file through SHA-256 and returns the hex digest.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening file for hash: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing file: %w", err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// lookup is nil-safe access to the record at path.
func (rs *RecordSet) lookup(p string) *Record {
	if rs == nil {
		return nil
	}

	return rs.ByPath[p]
}
