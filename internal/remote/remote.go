// Package remote defines the capability interface the sync engine uses to
// talk to a cloud drive, plus the typed error taxonomy every backend maps
// its failures onto.
package remote

import (
	"context"
	"io"
	"time"
)

// Kind distinguishes files from folders on the remote side.
type Kind string

// Item kinds.
const (
	KindFile   Kind = "file"
	KindFolder Kind = "folder"
)

// DeleteMode selects between recoverable and permanent remote deletes.
type DeleteMode string

// Delete modes.
const (
	DeleteRecycle DeleteMode = "recycle"
	DeleteHard    DeleteMode = "hard"
)

// Item is one remote file or folder as reported by a backend.
type Item struct {
	ID       string
	Name     string
	ParentID string
	Kind     Kind
	// Revision is the provider's change marker. Backends without a native
	// revision fill it with Fingerprint(ModTime, Size).
	Revision string
	Size     int64
	ModTime  time.Time
}

// IsFolder reports whether the item is a folder.
func (i Item) IsFolder() bool {
	return i.Kind == KindFolder
}

// Drive is the set of operations the engine needs from a remote backend.
// Implementations must honor ctx cancellation on every call and return
// errors that wrap one of this package's sentinels.
type Drive interface {
	// RootID resolves the configured remote root to an item ID.
	RootID(ctx context.Context) (string, error)
	ListChildren(ctx context.Context, parentID string) ([]Item, error)
	GetMetadata(ctx context.Context, id string) (Item, error)
	CreateFolder(ctx context.Context, parentID, name string) (Item, error)
	Upload(ctx context.Context, parentID, name string, r io.Reader, size int64) (Item, error)
	Download(ctx context.Context, id string, w io.Writer) error
	Move(ctx context.Context, id, newParentID string) error
	Rename(ctx context.Context, id, newName string) error
	Delete(ctx context.Context, id string, mode DeleteMode) error
}
