// Package tokenfile persists minted access tokens so that short-lived
// processes reuse a still-valid token instead of minting a new one on every
// start. A cached token is bound to the identity that minted it (an app ID)
// and is ignored once that identity changes.
package tokenfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// FilePerms restricts token files to owner-only read/write.
const FilePerms = 0o600

// DirPerms is used when creating the token directory.
const DirPerms = 0o700

// File is the on-disk format: the token plus the identity it belongs to.
type File struct {
	Token *oauth2.Token `json:"token"`
	Owner string        `json:"owner"`
}

// Load reads a token file. Returns (nil, nil) if the file does not exist.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil //nolint:nilnil // sentinel for "not found"
	}

	if err != nil {
		return nil, fmt.Errorf("tokenfile: reading %s: %w", path, err)
	}

	var tf File
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("tokenfile: decoding %s: %w", path, err)
	}

	if tf.Token == nil {
		return nil, fmt.Errorf("tokenfile: %s has no token", path)
	}

	return &tf, nil
}

// Save writes a token file atomically (temp file in the same directory,
// fsync, rename) with owner-only permissions. Never logs token values.
func Save(path string, tf *File) error {
	data, err := json.Marshal(tf)
	if err != nil {
		return fmt.Errorf("tokenfile: encoding: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, DirPerms); err != nil {
		return fmt.Errorf("tokenfile: creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".token-*.tmp")
	if err != nil {
		return fmt.Errorf("tokenfile: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	if err := writeAndSync(tmp, data); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("tokenfile: renaming: %w", err)
	}

	return nil
}

func writeAndSync(f *os.File, data []byte) error {
	if err := f.Chmod(FilePerms); err != nil {
		f.Close()
		return fmt.Errorf("tokenfile: setting permissions: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("tokenfile: writing: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("tokenfile: syncing: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("tokenfile: closing: %w", err)
	}

	return nil
}

// CachingSource wraps a token source with the file at path. A cached token
// is served while it belongs to owner and stays valid for at least margin.
// Failing to read or write the cache only costs an extra mint.
type CachingSource struct {
	path   string
	owner  string
	margin time.Duration
	src    oauth2.TokenSource
	logger *slog.Logger

	mu      sync.Mutex
	checked bool
	nowFunc func() time.Time
}

// NewCachingSource returns a CachingSource over src.
func NewCachingSource(path, owner string, margin time.Duration, src oauth2.TokenSource, logger *slog.Logger) *CachingSource {
	return &CachingSource{
		path:    path,
		owner:   owner,
		margin:  margin,
		src:     src,
		logger:  logger,
		nowFunc: time.Now,
	}
}

// Token returns the cached token on the first call when it is still usable,
// otherwise mints a new one through the wrapped source and saves it.
func (c *CachingSource) Token() (*oauth2.Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Only the first call consults the file; after that the caller's own
	// reuse layer decides when a new token is needed.
	if !c.checked {
		c.checked = true

		if tok := c.cached(); tok != nil {
			return tok, nil
		}
	}

	tok, err := c.src.Token()
	if err != nil {
		return nil, err
	}

	if err := Save(c.path, &File{Token: tok, Owner: c.owner}); err != nil {
		c.logger.Warn("token cache not saved", slog.String("error", err.Error()))
	}

	return tok, nil
}

func (c *CachingSource) cached() *oauth2.Token {
	tf, err := Load(c.path)
	if err != nil {
		c.logger.Warn("ignoring unreadable token cache", slog.String("error", err.Error()))
		return nil
	}

	if tf == nil || tf.Owner != c.owner {
		return nil
	}

	if tf.Token.Expiry.IsZero() || !c.nowFunc().Add(c.margin).Before(tf.Token.Expiry) {
		return nil
	}

	c.logger.Debug("using cached token", slog.Time("expiry", tf.Token.Expiry))

	return tf.Token
}
