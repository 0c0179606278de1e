package feishu

import (
	"bytes"
	"context"
	"fmt"
	"hash/adler32"
	"io"
	"log/slog"
	"maps"
	"mime/multipart"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"time"

	"github.com/tonimelisma/drivesync/internal/remote"
)

// UploadAllLimit is the largest file sent in a single request. Bigger
// files go through the prepare/part/finish flow.
const UploadAllLimit = 20 << 20

const parentTypeExplorer = "explorer"

// Upload implements remote.Drive. Every upload mints a new file token;
// replacing an existing item is the caller's job.
func (c *Client) Upload(ctx context.Context, parentID, name string, r io.Reader, size int64) (remote.Item, error) {
	var (
		token string
		err   error
	)

	if size <= c.uploadLimit {
		token, err = c.uploadAll(ctx, parentID, name, r, size)
	} else {
		token, err = c.uploadChunked(ctx, parentID, name, r, size)
	}

	if err != nil {
		return remote.Item{}, err
	}

	c.cache.put(token, typeFile, parentID, size)

	// The upload response carries no timestamp; read the one later
	// listings will report so the recorded revision matches them.
	item, err := c.GetMetadata(ctx, token)
	if err != nil {
		c.logger.Warn("could not read uploaded file metadata",
			slog.String("name", name),
			slog.String("error", err.Error()),
		)

		now := time.Now().UTC().Truncate(time.Second)
		item = remote.Item{ID: token, Name: name, Revision: remote.Fingerprint(now, size), ModTime: now}
	}

	item.Name = name
	item.ParentID = parentID
	item.Kind = remote.KindFile
	item.Size = size

	return item, nil
}

func (c *Client) uploadAll(ctx context.Context, parentID, name string, r io.Reader, size int64) (string, error) {
	content, err := readExactly(r, size)
	if err != nil {
		return "", fmt.Errorf("feishu: upload %q: %w", name, err)
	}

	body, contentType, err := multipartBody(map[string]string{
		"file_name":   name,
		"parent_type": parentTypeExplorer,
		"parent_node": parentID,
		"size":        strconv.FormatInt(size, 10),
		"checksum":    strconv.FormatUint(uint64(adler32.Checksum(content)), 10),
	}, name, content)
	if err != nil {
		return "", fmt.Errorf("feishu: upload %q: %w", name, err)
	}

	var out struct {
		FileToken string `json:"file_token"`
	}

	err = c.do(ctx, "upload", http.MethodPost, "/drive/v1/files/upload_all", nil, body, contentType,
		func(resp *http.Response) error { return decodeEnvelope("upload", resp, &out) })
	if err != nil {
		return "", err
	}

	if out.FileToken == "" {
		return "", fmt.Errorf("feishu: upload %q: response carried no file token", name)
	}

	return out.FileToken, nil
}

type prepareResponse struct {
	UploadID  string `json:"upload_id"`
	BlockSize int64  `json:"block_size"`
	BlockNum  int    `json:"block_num"`
}

// uploadChunked sends a large file in the block size the server picks.
// Each block is buffered so a retried part can be replayed.
func (c *Client) uploadChunked(ctx context.Context, parentID, name string, r io.Reader, size int64) (string, error) {
	prep := map[string]any{
		"file_name":   name,
		"parent_type": parentTypeExplorer,
		"parent_node": parentID,
		"size":        size,
	}

	var plan prepareResponse
	if err := c.call(ctx, "upload", http.MethodPost, "/drive/v1/files/upload_prepare", nil, prep, &plan); err != nil {
		return "", err
	}

	if plan.UploadID == "" || plan.BlockSize <= 0 {
		return "", fmt.Errorf("feishu: upload %q: invalid upload plan", name)
	}

	c.logger.Debug("chunked upload prepared",
		slog.String("name", name),
		slog.Int64("block_size", plan.BlockSize),
		slog.Int("blocks", plan.BlockNum),
	)

	remaining := size

	for seq := 0; remaining > 0; seq++ {
		n := min(plan.BlockSize, remaining)

		block, err := readExactly(r, n)
		if err != nil {
			return "", fmt.Errorf("feishu: upload %q block %d: %w", name, seq, err)
		}

		body, contentType, err := multipartBody(map[string]string{
			"upload_id": plan.UploadID,
			"seq":       strconv.Itoa(seq),
			"size":      strconv.FormatInt(n, 10),
			"checksum":  strconv.FormatUint(uint64(adler32.Checksum(block)), 10),
		}, name, block)
		if err != nil {
			return "", fmt.Errorf("feishu: upload %q block %d: %w", name, seq, err)
		}

		err = c.do(ctx, "upload", http.MethodPost, "/drive/v1/files/upload_part", nil, body, contentType,
			func(resp *http.Response) error { return decodeEnvelope("upload", resp, nil) })
		if err != nil {
			return "", err
		}

		remaining -= n
	}

	fin := map[string]any{"upload_id": plan.UploadID, "block_num": plan.BlockNum}

	var out struct {
		FileToken string `json:"file_token"`
	}

	if err := c.call(ctx, "upload", http.MethodPost, "/drive/v1/files/upload_finish", nil, fin, &out); err != nil {
		return "", err
	}

	if out.FileToken == "" {
		return "", fmt.Errorf("feishu: upload %q: finish carried no file token", name)
	}

	return out.FileToken, nil
}

// readExactly reads n bytes; a short source is an error.
func readExactly(r io.Reader, n int64) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("reading content: %w", err)
	}

	return buf, nil
}

// multipartBody encodes fields plus a "file" part. The file part must come
// last.
func multipartBody(fields map[string]string, fileName string, content []byte) ([]byte, string, error) {
	var buf bytes.Buffer

	mw := multipart.NewWriter(&buf)

	for _, k := range slices.Sorted(maps.Keys(fields)) {
		if err := mw.WriteField(k, fields[k]); err != nil {
			return nil, "", fmt.Errorf("writing field %s: %w", k, err)
		}
	}

	fw, err := mw.CreateFormFile("file", fileName)
	if err != nil {
		return nil, "", fmt.Errorf("creating file part: %w", err)
	}

	if _, err := fw.Write(content); err != nil {
		return nil, "", fmt.Errorf("writing file part: %w", err)
	}

	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("closing multipart body: %w", err)
	}

	return buf.Bytes(), mw.FormDataContentType(), nil
}

// Download implements remote.Drive. A failure after bytes reached w is
// not retried.
func (c *Client) Download(ctx context.Context, id string, w io.Writer) error {
	return c.do(ctx, "download", http.MethodGet, "/drive/v1/files/"+url.PathEscape(id)+"/download", nil, nil, "",
		func(resp *http.Response) error {
			if _, err := io.Copy(w, resp.Body); err != nil {
				return fmt.Errorf("feishu: download %s: %w", id, err)
			}

			return nil
		})
}
