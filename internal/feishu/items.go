package feishu

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/tonimelisma/drivesync/internal/remote"
)

// Drive item types as the API reports them. Online documents (docx,
// sheet, bitable and friends) have no byte content and are not synced.
const (
	typeFile   = "file"
	typeFolder = "folder"
)

// RecycleFolderName is the folder under the root that receives recycled
// items.
const RecycleFolderName = "SyncRecycleBin"

const (
	listPageSize = 200

	// Folder moves and deletes run as server tasks that are polled.
	taskPollInterval = 1 * time.Second
	taskPollLimit    = 120
)

var _ remote.Drive = (*Client)(nil)

// ErrTaskFailed is returned when an asynchronous folder task reports failure.
var ErrTaskFailed = errors.New("feishu: server task failed")

// itemCache remembers each token's type, parent and size. Move and delete
// need the type; metadata lookups need the rest, which that API omits.
type itemCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	root    string
	recycle string
}

type cacheEntry struct {
	typ    string
	parent string
	size   int64
}

func newItemCache() itemCache {
	return itemCache{entries: make(map[string]cacheEntry)}
}

func (ic *itemCache) put(token, typ, parent string, size int64) {
	ic.mu.Lock()
	ic.entries[token] = cacheEntry{typ: typ, parent: parent, size: size}
	ic.mu.Unlock()
}

func (ic *itemCache) get(token string) (cacheEntry, bool) {
	ic.mu.Lock()
	defer ic.mu.Unlock()

	e, ok := ic.entries[token]

	return e, ok
}

func (ic *itemCache) setParent(token, parent string) {
	ic.mu.Lock()
	defer ic.mu.Unlock()

	e := ic.entries[token]
	e.parent = parent

	if e.typ == "" {
		e.typ = typeFile
	}

	ic.entries[token] = e
}

func (ic *itemCache) forget(token string) {
	ic.mu.Lock()
	delete(ic.entries, token)
	ic.mu.Unlock()
}

// typeOf returns the cached type, defaulting to a plain file.
func (c *Client) typeOf(token string) string {
	if e, ok := c.cache.get(token); ok && e.typ != "" {
		return e.typ
	}

	return typeFile
}

// fileEntry is one element of a folder listing.
type fileEntry struct {
	Token        string `json:"token"`
	Name         string `json:"name"`
	Type         string `json:"type"`
	ParentToken  string `json:"parent_token"`
	CreatedTime  string `json:"created_time"`
	ModifiedTime string `json:"modified_time"`
	Size         int64  `json:"size"`
}

type listResponse struct {
	Files         []fileEntry `json:"files"`
	NextPageToken string      `json:"next_page_token"`
	PageToken     string      `json:"page_token"`
	HasMore       bool        `json:"has_more"`
}

// RootID implements remote.Drive. The configured folder token wins;
// otherwise the drive's own root folder is looked up once.
func (c *Client) RootID(ctx context.Context) (string, error) {
	if c.rootToken != "" {
		return c.rootToken, nil
	}

	c.cache.mu.Lock()
	root := c.cache.root
	c.cache.mu.Unlock()

	if root != "" {
		return root, nil
	}

	var out struct {
		Token string `json:"token"`
	}

	if err := c.call(ctx, "root_folder", http.MethodGet, "/drive/explorer/v2/root_folder/meta", nil, nil, &out); err != nil {
		return "", err
	}

	if out.Token == "" {
		return "", fmt.Errorf("feishu: root folder response carried no token")
	}

	c.cache.mu.Lock()
	c.cache.root = out.Token
	c.cache.mu.Unlock()

	return out.Token, nil
}

// ListChildren implements remote.Drive, following page tokens to the end.
func (c *Client) ListChildren(ctx context.Context, parentID string) ([]remote.Item, error) {
	var (
		items     []remote.Item
		pageToken string
	)

	for {
		q := url.Values{}
		q.Set("page_size", strconv.Itoa(listPageSize))
		q.Set("folder_token", parentID)

		if pageToken != "" {
			q.Set("page_token", pageToken)
		}

		var page listResponse
		if err := c.call(ctx, "list", http.MethodGet, "/drive/v1/files", q, nil, &page); err != nil {
			return nil, err
		}

		for i := range page.Files {
			f := &page.Files[i]
			if f.ParentToken == "" {
				f.ParentToken = parentID
			}

			c.cache.put(f.Token, f.Type, f.ParentToken, f.Size)

			if f.Type != typeFile && f.Type != typeFolder {
				c.logger.Debug("skipping online document",
					slog.String("name", f.Name),
					slog.String("type", f.Type),
				)

				continue
			}

			items = append(items, f.item())
		}

		next := page.NextPageToken
		if next == "" {
			next = page.PageToken
		}

		if !page.HasMore || next == "" {
			break
		}

		pageToken = next
	}

	return items, nil
}

func (f *fileEntry) item() remote.Item {
	kind := remote.KindFile
	if f.Type == typeFolder {
		kind = remote.KindFolder
	}

	mod := parseUnix(f.ModifiedTime)

	return remote.Item{
		ID:       f.Token,
		Name:     f.Name,
		ParentID: f.ParentToken,
		Kind:     kind,
		Revision: remote.Fingerprint(mod, f.Size),
		Size:     f.Size,
		ModTime:  mod,
	}
}

// parseUnix reads the API's string timestamps, which are unix seconds.
func parseUnix(s string) time.Time {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return time.Time{}
	}

	return time.Unix(n, 0).UTC()
}

type metaRequest struct {
	RequestDocs []metaDoc `json:"request_docs"`
}

type metaDoc struct {
	DocToken string `json:"doc_token"`
	DocType  string `json:"doc_type"`
}

type metaResponse struct {
	Metas []struct {
		DocToken         string `json:"doc_token"`
		DocType          string `json:"doc_type"`
		Title            string `json:"title"`
		LatestModifyTime string `json:"latest_modify_time"`
	} `json:"metas"`
	FailedList []struct {
		Token string `json:"token"`
		Code  int    `json:"code"`
	} `json:"failed_list"`
}

// GetMetadata implements remote.Drive. The metadata API reports neither
// parent nor size, so both come from the last listing that saw the item.
func (c *Client) GetMetadata(ctx context.Context, id string) (remote.Item, error) {
	req := metaRequest{RequestDocs: []metaDoc{{DocToken: id, DocType: c.typeOf(id)}}}

	var out metaResponse
	if err := c.call(ctx, "meta", http.MethodPost, "/drive/v1/metas/batch_query", nil, req, &out); err != nil {
		return remote.Item{}, err
	}

	if len(out.Metas) == 0 {
		code := 0
		if len(out.FailedList) > 0 {
			code = out.FailedList[0].Code
		}

		return remote.Item{}, &remote.Error{
			Op:         "meta",
			StatusCode: http.StatusOK,
			Code:       code,
			Message:    "no metadata for " + id,
			Err:        remote.ErrNotFound,
		}
	}

	m := out.Metas[0]
	entry, _ := c.cache.get(id)

	f := fileEntry{
		Token:        m.DocToken,
		Name:         m.Title,
		Type:         m.DocType,
		ParentToken:  entry.parent,
		ModifiedTime: m.LatestModifyTime,
		Size:         entry.size,
	}

	return f.item(), nil
}

// CreateFolder implements remote.Drive.
func (c *Client) CreateFolder(ctx context.Context, parentID, name string) (remote.Item, error) {
	req := map[string]string{"name": name, "folder_token": parentID}

	var out struct {
		Token string `json:"token"`
	}

	if err := c.call(ctx, "mkdir", http.MethodPost, "/drive/v1/files/create_folder", nil, req, &out); err != nil {
		return remote.Item{}, err
	}

	if out.Token == "" {
		return remote.Item{}, fmt.Errorf("feishu: create folder %q: response carried no token", name)
	}

	c.cache.put(out.Token, typeFolder, parentID, 0)

	now := time.Now().UTC().Truncate(time.Second)

	return remote.Item{
		ID:       out.Token,
		Name:     name,
		ParentID: parentID,
		Kind:     remote.KindFolder,
		Revision: remote.Fingerprint(now, 0),
		ModTime:  now,
	}, nil
}

type taskResponse struct {
	TaskID string `json:"task_id"`
}

// Move implements remote.Drive.
func (c *Client) Move(ctx context.Context, id, newParentID string) error {
	typ := c.typeOf(id)
	req := map[string]string{"type": typ, "folder_token": newParentID}

	var out taskResponse
	if err := c.call(ctx, "move", http.MethodPost, "/drive/v1/files/"+url.PathEscape(id)+"/move", nil, req, &out); err != nil {
		return err
	}

	if err := c.waitTask(ctx, "move", out.TaskID); err != nil {
		return err
	}

	c.cache.setParent(id, newParentID)

	return nil
}

// Rename implements remote.Drive.
func (c *Client) Rename(ctx context.Context, id, newName string) error {
	req := map[string]string{"name": newName}

	return c.call(ctx, "rename", http.MethodPatch, "/drive/v1/files/"+url.PathEscape(id), nil, req, nil)
}

// Delete implements remote.Drive. Recycling moves the item into the
// recycle folder under the root; a hard delete removes it for good.
func (c *Client) Delete(ctx context.Context, id string, mode remote.DeleteMode) error {
	if mode == remote.DeleteRecycle {
		bin, err := c.recycleFolder(ctx)
		if err != nil {
			return err
		}

		return c.Move(ctx, id, bin)
	}

	q := url.Values{}
	q.Set("type", c.typeOf(id))

	var out taskResponse
	if err := c.call(ctx, "delete", http.MethodDelete, "/drive/v1/files/"+url.PathEscape(id), q, nil, &out); err != nil {
		return err
	}

	if err := c.waitTask(ctx, "delete", out.TaskID); err != nil {
		return err
	}

	c.cache.forget(id)

	return nil
}

// recycleFolder finds or creates the recycle folder under the root.
func (c *Client) recycleFolder(ctx context.Context) (string, error) {
	c.cache.mu.Lock()
	bin := c.cache.recycle
	c.cache.mu.Unlock()

	if bin != "" {
		return bin, nil
	}

	root, err := c.RootID(ctx)
	if err != nil {
		return "", err
	}

	children, err := c.ListChildren(ctx, root)
	if err != nil {
		return "", fmt.Errorf("feishu: locating recycle folder: %w", err)
	}

	for i := range children {
		if children[i].IsFolder() && children[i].Name == RecycleFolderName {
			bin = children[i].ID
			break
		}
	}

	if bin == "" {
		it, err := c.CreateFolder(ctx, root, RecycleFolderName)
		if err != nil {
			return "", fmt.Errorf("feishu: creating recycle folder: %w", err)
		}

		bin = it.ID
		c.logger.Info("created remote recycle folder", slog.String("token", bin))
	}

	c.cache.mu.Lock()
	c.cache.recycle = bin
	c.cache.mu.Unlock()

	return bin, nil
}

// waitTask polls an asynchronous folder task until it settles. An empty
// task ID means the operation already completed.
func (c *Client) waitTask(ctx context.Context, op, taskID string) error {
	if taskID == "" {
		return nil
	}

	q := url.Values{}
	q.Set("task_id", taskID)

	for range taskPollLimit {
		var out struct {
			Status string `json:"status"`
		}

		if err := c.call(ctx, op+"_task", http.MethodGet, "/drive/v1/files/task_check", q, nil, &out); err != nil {
			return err
		}

		switch out.Status {
		case "success":
			return nil
		case "fail":
			return fmt.Errorf("feishu: %s task %s: %w", op, taskID, ErrTaskFailed)
		}

		if err := c.sleepFunc(ctx, taskPollInterval); err != nil {
			return err
		}
	}

	return &remote.Error{
		Op:      op,
		Message: "task " + taskID + " still running",
		Err:     remote.ErrTimeout,
	}
}
