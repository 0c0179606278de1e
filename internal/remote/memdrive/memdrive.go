// Package memdrive is an in-memory remote.Drive used by engine and
// scheduler tests. It mimics upload-creates-new-item semantics: every
// Upload mints a fresh ID, as the open-apis drive does.
package memdrive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tonimelisma/drivesync/internal/remote"
)

// Drive is a thread-safe in-memory drive rooted at a single folder.
type Drive struct {
	mu       sync.Mutex
	rootID   string
	items    map[string]*entry
	recycled map[string]*entry
	now      func() time.Time

	// Fail, when set, is consulted before every operation. A non-nil
	// return aborts the operation with that error.
	Fail func(op, id string) error

	calls map[string]int
}

type entry struct {
	item    remote.Item
	content []byte
}

// New returns an empty drive with a root folder.
func New() *Drive {
	d := &Drive{
		rootID:   "root",
		items:    make(map[string]*entry),
		recycled: make(map[string]*entry),
		now:      time.Now,
		calls:    make(map[string]int),
	}

	d.items[d.rootID] = &entry{item: remote.Item{ID: d.rootID, Name: "", Kind: remote.KindFolder, ModTime: d.now()}}

	return d
}

// SetClock overrides the time source used for modification times.
func (d *Drive) SetClock(now func() time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.now = now
}

func (d *Drive) check(op, id string) error {
	d.calls[op]++

	if d.Fail != nil {
		return d.Fail(op, id)
	}

	return nil
}

// Calls reports how many times op has been invoked.
func (d *Drive) Calls(op string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.calls[op]
}

func notFound(op, id string) error {
	return &remote.Error{Op: op, StatusCode: 404, Message: "no item " + id, Err: remote.ErrNotFound}
}

// RootID implements remote.Drive.
func (d *Drive) RootID(_ context.Context) (string, error) {
	return d.rootID, nil
}

// ListChildren implements remote.Drive.
func (d *Drive) ListChildren(ctx context.Context, parentID string) ([]remote.Item, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := d.check("list", parentID); err != nil {
		return nil, err
	}

	parent, ok := d.items[parentID]
	if !ok || !parent.item.IsFolder() {
		return nil, notFound("list", parentID)
	}

	var out []remote.Item

	for _, e := range d.items {
		if e.item.ParentID == parentID && e.item.ID != d.rootID {
			out = append(out, e.item)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out, nil
}

// GetMetadata implements remote.Drive.
func (d *Drive) GetMetadata(_ context.Context, id string) (remote.Item, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.check("meta", id); err != nil {
		return remote.Item{}, err
	}

	e, ok := d.items[id]
	if !ok {
		return remote.Item{}, notFound("meta", id)
	}

	return e.item, nil
}

// CreateFolder implements remote.Drive.
func (d *Drive) CreateFolder(_ context.Context, parentID, name string) (remote.Item, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.check("mkdir", parentID); err != nil {
		return remote.Item{}, err
	}

	if _, ok := d.items[parentID]; !ok {
		return remote.Item{}, notFound("mkdir", parentID)
	}

	it := remote.Item{
		ID: uuid.NewString(), Name: name, ParentID: parentID,
		Kind: remote.KindFolder, ModTime: d.now(),
	}
	it.Revision = remote.Fingerprint(it.ModTime, 0)
	d.items[it.ID] = &entry{item: it}

	return it, nil
}

// Upload implements remote.Drive. A new ID is minted on every call.
func (d *Drive) Upload(_ context.Context, parentID, name string, r io.Reader, _ int64) (remote.Item, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return remote.Item{}, fmt.Errorf("memdrive: reading upload body: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.check("upload", parentID); err != nil {
		return remote.Item{}, err
	}

	if _, ok := d.items[parentID]; !ok {
		return remote.Item{}, notFound("upload", parentID)
	}

	return d.putLocked(parentID, name, data), nil
}

func (d *Drive) putLocked(parentID, name string, data []byte) remote.Item {
	it := remote.Item{
		ID: uuid.NewString(), Name: name, ParentID: parentID,
		Kind: remote.KindFile, Size: int64(len(data)), ModTime: d.now(),
	}
	it.Revision = remote.Fingerprint(it.ModTime, it.Size) + ":" + it.ID[:8]
	d.items[it.ID] = &entry{item: it, content: bytes.Clone(data)}

	return it
}

// Download implements remote.Drive.
func (d *Drive) Download(_ context.Context, id string, w io.Writer) error {
	d.mu.Lock()

	if err := d.check("download", id); err != nil {
		d.mu.Unlock()
		return err
	}

	e, ok := d.items[id]
	if !ok || e.item.IsFolder() {
		d.mu.Unlock()
		return notFound("download", id)
	}

	data := bytes.Clone(e.content)
	d.mu.Unlock()

	_, err := w.Write(data)

	return err
}

// Move implements remote.Drive.
func (d *Drive) Move(_ context.Context, id, newParentID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.check("move", id); err != nil {
		return err
	}

	e, ok := d.items[id]
	if !ok {
		return notFound("move", id)
	}

	if _, ok := d.items[newParentID]; !ok {
		return notFound("move", newParentID)
	}

	e.item.ParentID = newParentID

	return nil
}

// Rename implements remote.Drive.
func (d *Drive) Rename(_ context.Context, id, newName string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.check("rename", id); err != nil {
		return err
	}

	e, ok := d.items[id]
	if !ok {
		return notFound("rename", id)
	}

	e.item.Name = newName

	return nil
}

// Delete implements remote.Drive. Recycled items, with their whole
// subtree, are kept aside and can be inspected with Recycled.
func (d *Drive) Delete(_ context.Context, id string, mode remote.DeleteMode) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.check("delete", id); err != nil {
		return err
	}

	if _, ok := d.items[id]; !ok || id == d.rootID {
		return notFound("delete", id)
	}

	d.removeLocked(id, mode)

	return nil
}

func (d *Drive) removeLocked(id string, mode remote.DeleteMode) {
	for childID, e := range d.items {
		if e.item.ParentID == id && childID != d.rootID {
			d.removeLocked(childID, mode)
		}
	}

	if mode == remote.DeleteRecycle {
		d.recycled[id] = d.items[id]
	}

	delete(d.items, id)
}

// Recycled reports whether id was deleted in recycle mode.
func (d *Drive) Recycled(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, ok := d.recycled[id]

	return ok
}

// Put creates a file at a slash-separated path, creating parent folders
// as needed. Test helper; it bypasses Fail.
func (d *Drive) Put(path string, data []byte) remote.Item {
	d.mu.Lock()
	defer d.mu.Unlock()

	parentID, name := d.ensureParentsLocked(path)

	return d.putLocked(parentID, name, data)
}

// Mkdir creates a folder path, returning the deepest folder. Test helper.
func (d *Drive) Mkdir(path string) remote.Item {
	d.mu.Lock()
	defer d.mu.Unlock()

	parentID, name := d.ensureParentsLocked(path)
	if e := d.childLocked(parentID, name); e != nil {
		return e.item
	}

	it := remote.Item{ID: uuid.NewString(), Name: name, ParentID: parentID, Kind: remote.KindFolder, ModTime: d.now()}
	d.items[it.ID] = &entry{item: it}

	return it
}

// Overwrite replaces the content of an existing file in place, bumping its
// revision without changing its ID, as an editor on the remote side would.
func (d *Drive) Overwrite(id string, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	e := d.items[id]
	e.content = bytes.Clone(data)
	e.item.Size = int64(len(data))
	e.item.ModTime = d.now()
	e.item.Revision = remote.Fingerprint(e.item.ModTime, e.item.Size) + ":" + uuid.NewString()[:8]
}

// Lookup returns the item at a slash-separated path.
func (d *Drive) Lookup(path string) (remote.Item, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cur := d.rootID

	for _, part := range splitPath(path) {
		e := d.childLocked(cur, part)
		if e == nil {
			return remote.Item{}, false
		}

		cur = e.item.ID
	}

	return d.items[cur].item, true
}

// Content returns the bytes stored at a path.
func (d *Drive) Content(path string) ([]byte, bool) {
	it, ok := d.Lookup(path)
	if !ok {
		return nil, false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	return bytes.Clone(d.items[it.ID].content), true
}

// Paths lists every file and folder path currently in the drive.
func (d *Drive) Paths() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []string

	for id := range d.items {
		if id == d.rootID {
			continue
		}

		out = append(out, d.pathLocked(id))
	}

	sort.Strings(out)

	return out
}

func (d *Drive) pathLocked(id string) string {
	e := d.items[id]
	if e.item.ParentID == d.rootID || e.item.ParentID == "" {
		return e.item.Name
	}

	return d.pathLocked(e.item.ParentID) + "/" + e.item.Name
}

func (d *Drive) childLocked(parentID, name string) *entry {
	for _, e := range d.items {
		if e.item.ParentID == parentID && e.item.Name == name && e.item.ID != d.rootID {
			return e
		}
	}

	return nil
}

func (d *Drive) ensureParentsLocked(path string) (string, string) {
	parts := splitPath(path)
	cur := d.rootID

	for _, part := range parts[:len(parts)-1] {
		e := d.childLocked(cur, part)
		if e == nil {
			it := remote.Item{ID: uuid.NewString(), Name: part, ParentID: cur, Kind: remote.KindFolder, ModTime: d.now()}
			e = &entry{item: it}
			d.items[it.ID] = e
		}

		cur = e.item.ID
	}

	return cur, parts[len(parts)-1]
}

func splitPath(path string) []string {
	return strings.FieldsFunc(path, func(r rune) bool { return r == '/' })
}
