// Package feishu implements remote.Drive over the open-apis drive
// endpoints. Every request goes through a retry loop that backs off on
// throttling and server errors and honors the server's reset hints.
package feishu

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2"

	"github.com/tonimelisma/drivesync/internal/remote"
)

// DefaultBaseURL is the public open-apis endpoint.
const DefaultBaseURL = "https://open.feishu.cn/open-apis"

// DefaultTimeout bounds a single HTTP exchange.
const DefaultTimeout = 60 * time.Second

const (
	maxRetries     = 5
	baseBackoff    = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.25

	userAgent = "drivesync/v0.1"

	// maxErrBody caps how much of a failed response is kept for messages.
	maxErrBody = 64 << 10

	// rateResetHeader carries seconds until the gateway's rate window resets.
	rateResetHeader = "x-ogw-ratelimit-reset"
)

// Config holds the settings of a Client.
type Config struct {
	BaseURL string
	// RootToken is the folder token of the synced remote root. Empty
	// resolves the drive's root folder.
	RootToken string
	Timeout   time.Duration
}

// Client is an open-apis drive client. It is safe for concurrent use.
type Client struct {
	baseURL    string
	rootToken  string
	httpClient *http.Client
	logger     *slog.Logger

	// sleepFunc waits between retries; tests replace it to avoid real delays.
	sleepFunc func(ctx context.Context, d time.Duration) error

	uploadLimit int64
	cache       itemCache
}

// NewClient creates a client that authenticates every request with ts.
// A nil base transport uses http.DefaultTransport.
func NewClient(cfg Config, ts oauth2.TokenSource, base http.RoundTripper, logger *slog.Logger) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Client{
		baseURL:   baseURL,
		rootToken: cfg.RootToken,
		httpClient: &http.Client{
			Transport: &oauth2.Transport{Source: ts, Base: base},
			Timeout:   timeout,
		},
		logger:      logger,
		sleepFunc:   timeSleep,
		uploadLimit: UploadAllLimit,
		cache:       newItemCache(),
	}
}

// envelope is the wrapper every JSON response shares.
type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// call sends a JSON request and decodes the envelope's data into out.
func (c *Client) call(ctx context.Context, op, method, path string, query url.Values, in, out any) error {
	var (
		body        []byte
		contentType string
	)

	if in != nil {
		var err error

		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("feishu: %s: encoding request: %w", op, err)
		}

		contentType = "application/json; charset=utf-8"
	}

	return c.do(ctx, op, method, path, query, body, contentType, func(resp *http.Response) error {
		return decodeEnvelope(op, resp, out)
	})
}

// decodeEnvelope checks the envelope code and unmarshals data into out.
func decodeEnvelope(op string, resp *http.Response, out any) error {
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		// Some gateways answer a successful PATCH with an empty body.
		if errors.Is(err, io.EOF) && out == nil {
			return nil
		}

		return fmt.Errorf("feishu: %s: decoding response: %w", op, err)
	}

	if env.Code != 0 {
		return apiError(op, resp.StatusCode, env.Code, env.Msg, retryHint(resp.Header))
	}

	if out == nil || len(env.Data) == 0 {
		return nil
	}

	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("feishu: %s: decoding data: %w", op, err)
	}

	return nil
}

// do executes a request with retry and hands each successful response to
// handle, which must not retain the body. body is replayed on every
// attempt. A transient *remote.Error from handle is retried like an HTTP
// failure; any other handle error is returned as is.
func (c *Client) do(
	ctx context.Context, op, method, path string, query url.Values, body []byte, contentType string,
	handle func(*http.Response) error,
) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var attempt int

	for {
		resp, err := c.doOnce(ctx, method, target, body, contentType)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			if attempt >= maxRetries {
				c.logger.Error("request failed after retries",
					slog.String("op", op),
					slog.Int("attempts", attempt+1),
					slog.String("error", err.Error()),
				)

				return fmt.Errorf("feishu: %s: %w", op, err)
			}

			backoff := c.calcBackoff(attempt)
			c.logger.Warn("retrying after network error",
				slog.String("op", op),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
				slog.String("error", err.Error()),
			)

			if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
				return sleepErr
			}

			attempt++

			continue
		}

		var apiErr *remote.Error

		if resp.StatusCode >= http.StatusBadRequest {
			apiErr = c.readError(op, resp)
		} else {
			err = handle(resp)
			resp.Body.Close()

			if err == nil {
				return nil
			}

			if !errors.As(err, &apiErr) {
				return err
			}
		}

		if remote.IsTransient(apiErr) && attempt < maxRetries {
			backoff := apiErr.RetryAfter
			if backoff <= 0 {
				backoff = c.calcBackoff(attempt)
			}

			c.logger.Warn("retrying after transient error",
				slog.String("op", op),
				slog.Int("status", apiErr.StatusCode),
				slog.Int("code", apiErr.Code),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
			)

			if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
				return sleepErr
			}

			attempt++

			continue
		}

		if attempt > 0 {
			c.logger.Error("request failed after retries",
				slog.String("op", op),
				slog.Int("status", apiErr.StatusCode),
				slog.Int("attempts", attempt+1),
			)
		}

		return apiErr
	}
}

// readError drains a failed response into a classified *remote.Error.
func (c *Client) readError(op string, resp *http.Response) *remote.Error {
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBody))

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		env.Msg = string(bytes.TrimSpace(raw))
	}

	return apiError(op, resp.StatusCode, env.Code, env.Msg, retryHint(resp.Header))
}

func (c *Client) doOnce(ctx context.Context, method, target string, body []byte, contentType string) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("User-Agent", userAgent)

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	return c.httpClient.Do(req)
}

// retryHint reads Retry-After, falling back to the gateway's reset header.
func retryHint(h http.Header) time.Duration {
	if d := remote.ParseRetryAfter(h); d > 0 {
		return d
	}

	if s := h.Get(rateResetHeader); s != "" {
		if seconds, err := strconv.Atoi(s); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}

	return 0
}

// calcBackoff computes exponential backoff with ±25% jitter.
func (c *Client) calcBackoff(attempt int) time.Duration {
	backoff := float64(baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	backoff += jitter

	return time.Duration(backoff)
}

// timeSleep waits for the given duration or until the context is canceled.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
