package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"
)

// Sentinel errors. Backends wrap one of these in *Error so callers can use
// errors.Is(err, remote.ErrNotFound) without knowing the provider.
var (
	ErrBadRequest   = errors.New("remote: bad request")
	ErrUnauthorized = errors.New("remote: unauthorized")
	ErrForbidden    = errors.New("remote: forbidden")
	ErrNotFound     = errors.New("remote: not found")
	ErrConflict     = errors.New("remote: conflict")
	ErrQuota        = errors.New("remote: quota exceeded")
	ErrThrottled    = errors.New("remote: throttled")
	ErrUnavailable  = errors.New("remote: service unavailable")
	ErrTimeout      = errors.New("remote: timeout")
)

// Error carries the provider-specific detail behind a sentinel.
type Error struct {
	Op         string
	StatusCode int
	Code       int
	Message    string
	RetryAfter time.Duration
	Err        error // sentinel, for errors.Is()
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("remote: %s: HTTP %d (code %d): %s", e.Op, e.StatusCode, e.Code, e.Message)
	}

	return fmt.Sprintf("remote: %s: HTTP %d: %s", e.Op, e.StatusCode, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ClassifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for 2xx success codes.
func ClassifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound, http.StatusGone:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusInsufficientStorage, http.StatusRequestEntityTooLarge:
		return ErrQuota
	case http.StatusTooManyRequests:
		return ErrThrottled
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return ErrTimeout
	default:
		if code >= http.StatusInternalServerError {
			return ErrUnavailable
		}

		return nil
	}
}

// IsTransient reports whether err is worth retrying later: throttling,
// server unavailability, timeouts, and network failures. Everything else
// (not found, forbidden, quota, bad request) is permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, ErrThrottled),
		errors.Is(err, ErrUnavailable),
		errors.Is(err, ErrTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrForbidden),
		errors.Is(err, ErrQuota),
		errors.Is(err, ErrBadRequest),
		errors.Is(err, ErrUnauthorized),
		errors.Is(err, ErrConflict),
		errors.Is(err, context.Canceled):
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var opErr *net.OpError

	return errors.As(err, &opErr)
}

// RetryAfter extracts the server's retry hint from err, or zero.
func RetryAfter(err error) time.Duration {
	var re *Error
	if errors.As(err, &re) {
		return re.RetryAfter
	}

	return 0
}

// ParseRetryAfter reads a Retry-After header value in seconds.
func ParseRetryAfter(h http.Header) time.Duration {
	ra := h.Get("Retry-After")
	if ra == "" {
		return 0
	}

	seconds, err := strconv.Atoi(ra)
	if err != nil || seconds <= 0 {
		return 0
	}

	return time.Duration(seconds) * time.Second
}

// Fingerprint builds the fallback revision marker used when a provider
// exposes no native revision: "<mtime-unix>:<size>".
func Fingerprint(mtime time.Time, size int64) string {
	return strconv.FormatInt(mtime.Unix(), 10) + ":" + strconv.FormatInt(size, 10)
}
