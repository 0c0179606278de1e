package feishu

import (
	"net/http"
	"time"

	"github.com/tonimelisma/drivesync/internal/remote"
)

// API error codes with a known meaning. Anything else falls back to the
// HTTP status.
const (
	codeServerError     = 1061001
	codeParamError      = 1061002
	codeNotFound        = 1061003
	codeForbidden       = 1061004
	codeAuthFailed      = 1061005
	codeFileDeleted     = 1061007
	codeParentMissing   = 1061044
	codeContention      = 1061045
	codeQuotaExceeded   = 1061101
	codeRateLimited     = 99991400
	codeTokenInvalid    = 99991663
	codeAppTokenInvalid = 99991668
	codeTokenExpired    = 99991677
)

var codeSentinels = map[int]error{
	codeServerError:     remote.ErrUnavailable,
	codeParamError:      remote.ErrBadRequest,
	codeNotFound:        remote.ErrNotFound,
	codeForbidden:       remote.ErrForbidden,
	codeAuthFailed:      remote.ErrUnauthorized,
	codeFileDeleted:     remote.ErrNotFound,
	codeParentMissing:   remote.ErrNotFound,
	codeContention:      remote.ErrThrottled,
	codeQuotaExceeded:   remote.ErrQuota,
	codeRateLimited:     remote.ErrThrottled,
	codeTokenInvalid:    remote.ErrUnauthorized,
	codeAppTokenInvalid: remote.ErrUnauthorized,
	codeTokenExpired:    remote.ErrUnauthorized,
}

// classifyCode maps an API code, then the HTTP status, onto a sentinel.
// Unknown codes under a non-error status are bad requests.
func classifyCode(status, code int) error {
	if s, ok := codeSentinels[code]; ok {
		return s
	}

	if s := remote.ClassifyStatus(status); s != nil {
		return s
	}

	return remote.ErrBadRequest
}

func apiError(op string, status, code int, msg string, retryAfter time.Duration) *remote.Error {
	if msg == "" {
		msg = http.StatusText(status)
	}

	return &remote.Error{
		Op:         op,
		StatusCode: status,
		Code:       code,
		Message:    msg,
		RetryAfter: retryAfter,
		Err:        classifyCode(status, code),
	}
}
