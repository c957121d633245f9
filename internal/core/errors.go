package core

import (
	"errors"

	"github.com/vovakirdan/chatbridge/internal/pool"
	"github.com/vovakirdan/chatbridge/internal/queue"
)

// Error codes for domain errors.
const (
	ErrCodeIdentityNotFound   = "identity_not_found"
	ErrCodeBadRequest         = "bad_request"
	ErrCodeCapacityExhausted  = "capacity_exhausted"
	ErrCodeUnsupportedVersion = "unsupported_version"
	ErrCodeRateLimited        = "rate_limited"
	ErrCodeUnauthorized       = "unauthorized"
	ErrCodeInternal           = "internal"
)

var (
	ErrIdentityNotFound = errors.New("identity not found")
	ErrBadRequest       = errors.New("bad request")
	ErrHubClosed        = errors.New("hub closed")
	ErrBusy             = errors.New("too many pending membership changes")
)

// CoreError wraps a code and human-readable message.
type CoreError struct {
	Code    string
	Message string
}

func (e *CoreError) Error() string {
	return e.Message
}

func coreError(code, msg string) *CoreError {
	return &CoreError{Code: code, Message: msg}
}

// AsCoreError maps any error returned by the core to a CoreError.
func AsCoreError(err error) *CoreError {
	if err == nil {
		return nil
	}
	var ce *CoreError
	switch {
	case errors.As(err, &ce):
		return ce
	case errors.Is(err, ErrIdentityNotFound):
		return coreError(ErrCodeIdentityNotFound, err.Error())
	case errors.Is(err, pool.ErrCapacityExhausted):
		return coreError(ErrCodeCapacityExhausted, err.Error())
	case errors.Is(err, ErrBusy):
		return coreError(ErrCodeRateLimited, err.Error())
	case errors.Is(err, ErrBadRequest),
		errors.Is(err, queue.ErrEmptyMessage),
		errors.Is(err, queue.ErrNoChannel):
		return coreError(ErrCodeBadRequest, err.Error())
	default:
		return coreError(ErrCodeInternal, err.Error())
	}
}
