package sync

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	stdsync "sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/text/unicode/norm"

	"github.com/tonimelisma/drivesync/internal/remote"
)

// RemoteScanner lists the remote root breadth-first and produces a
// RemoteSnapshot. Folders at the same depth are listed concurrently.
type RemoteScanner struct {
	drive   remote.Drive
	filter  *Filter
	workers int
	logger  *slog.Logger
}

// NewRemoteScanner creates a scanner over drive.
func NewRemoteScanner(drive remote.Drive, filter *Filter, workers int, logger *slog.Logger) *RemoteScanner {
	if workers < 1 {
		workers = 1
	}

	return &RemoteScanner{drive: drive, filter: filter, workers: workers, logger: logger}
}

type remoteFolder struct {
	id   string
	path string
}

// Scan lists the whole remote tree. Failure to resolve or list the root is
// fatal; a failed listing of any other folder is recorded in
// snapshot.Failed and its subtree is left unknown.
func (s *RemoteScanner) Scan(ctx context.Context) (*RemoteSnapshot, error) {
	rootID, err := s.drive.RootID(ctx)
	if err != nil {
		return nil, fmt.Errorf("sync: resolving remote root: %w", err)
	}

	snap := &RemoteSnapshot{
		RootID: rootID,
		ByID:   make(map[string]*RemoteEntry),
		ByPath: make(map[string]*RemoteEntry),
		Failed: make(map[string]error),
	}

	rootItems, err := s.drive.ListChildren(ctx, rootID)
	if err != nil {
		return nil, fmt.Errorf("sync: listing remote root: %w", err)
	}

	frontier := s.absorb(snap, remoteFolder{id: rootID}, rootItems)

	for len(frontier) > 0 {
		var (
			mu   stdsync.Mutex
			next []remoteFolder
		)

		listed := make(map[remoteFolder][]remote.Item, len(frontier))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.workers)

		for _, folder := range frontier {
			g.Go(func() error {
				items, listErr := s.drive.ListChildren(gctx, folder.id)

				mu.Lock()
				defer mu.Unlock()

				if listErr != nil {
					if ctxErr := gctx.Err(); ctxErr != nil {
						return ctxErr
					}

					s.logger.Warn("remote scan: listing failed",
						slog.String("path", folder.path),
						slog.String("error", listErr.Error()),
					)
					snap.Failed[folder.path] = listErr

					return nil
				}

				listed[folder] = items

				return nil
			})
		}

		if err := g.Wait(); err != nil {
			return nil, fmt.Errorf("sync: scanning remote tree: %w", err)
		}

		// Absorb in path order so duplicate resolution is deterministic.
		sort.Slice(frontier, func(i, j int) bool { return frontier[i].path < frontier[j].path })

		for _, folder := range frontier {
			if items, ok := listed[folder]; ok {
				next = append(next, s.absorb(snap, folder, items)...)
			}
		}

		frontier = next
	}

	s.logger.Debug("remote scan complete",
		slog.Int("entries", len(snap.ByID)),
		slog.Int("failed", len(snap.Failed)),
		slog.Int("duplicates", len(snap.Duplicates)),
	)

	return snap, nil
}

// absorb adds one folder's children to the snapshot and returns the child
// folders still to be listed. Same-name siblings are resolved newest-wins;
// losers go to Duplicates and are not descended into.
func (s *RemoteScanner) absorb(snap *RemoteSnapshot, parent remoteFolder, items []remote.Item) []remoteFolder {
	byName := make(map[string][]remote.Item)

	for i := range items {
		name := norm.NFC.String(items[i].Name)
		if name == "" {
			continue
		}

		if parent.path == "" && name == RecycleFolderName && items[i].IsFolder() {
			continue
		}

		byName[name] = append(byName[name], items[i])
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}

	sort.Strings(names)

	var folders []remoteFolder

	for _, name := range names {
		group := byName[name]
		sort.Slice(group, func(i, j int) bool {
			if !group[i].ModTime.Equal(group[j].ModTime) {
				return group[i].ModTime.After(group[j].ModTime)
			}

			return group[i].ID < group[j].ID
		})

		p := name
		if parent.path != "" {
			p = parent.path + "/" + name
		}

		winner := newRemoteEntry(&group[0], parent.id, p, name)
		if s.filter.Excluded(p, winner.Kind == KindDir) {
			continue
		}

		snap.ByID[winner.ID] = winner
		snap.ByPath[p] = winner

		for i := 1; i < len(group); i++ {
			snap.Duplicates = append(snap.Duplicates, newRemoteEntry(&group[i], parent.id, p, name))
		}

		if winner.Kind == KindDir {
			folders = append(folders, remoteFolder{id: winner.ID, path: p})
		}
	}

	return folders
}

func newRemoteEntry(it *remote.Item, parentID, p, name string) *RemoteEntry {
	e := &RemoteEntry{
		ID:       it.ID,
		ParentID: parentID,
		Path:     p,
		Name:     name,
		Kind:     KindFile,
		Revision: revisionOf(it),
		Size:     it.Size,
	}

	if !it.ModTime.IsZero() {
		e.Mtime = it.ModTime.UnixNano()
	}

	if it.IsFolder() {
		e.Kind = KindDir
	}

	return e
}
