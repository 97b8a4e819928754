package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrNoBackend indicates no backend is active.
	ErrNoBackend = errors.New("no speech backend configured")

	// ErrUnknownBackend indicates a backend id that was never registered.
	ErrUnknownBackend = errors.New("unknown speech backend")
)

// ErrorCode identifies the class of a backend failure.
type ErrorCode string

const (
	ErrorCodeCanceled          ErrorCode = "CANCELED"
	ErrorCodeTimeout           ErrorCode = "TIMEOUT"
	ErrorCodeNetwork           ErrorCode = "NETWORK"
	ErrorCodeAuth              ErrorCode = "AUTH"
	ErrorCodeRateLimited       ErrorCode = "RATE_LIMITED"
	ErrorCodeEngineFailure     ErrorCode = "ENGINE_FAILURE"
	ErrorCodeEngineUnavailable ErrorCode = "ENGINE_UNAVAILABLE"
	ErrorCodeFallback          ErrorCode = "FALLBACK"
	ErrorCodeInvalidInput      ErrorCode = "INVALID_INPUT"
)

// Error is the uniform error shape reported by every backend.
type Error struct {
	Code    ErrorCode
	Backend string
	Message string
	Cause   error
}

// NewError creates a backend error.
func NewError(code ErrorCode, backend, message string, cause error) *Error {
	return &Error{Code: code, Backend: backend, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	prefix := string(e.Code)
	if e.Backend != "" {
		prefix = e.Backend + ": " + prefix
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// IsCancellation reports whether the error is a user-initiated interruption
// rather than a failure.
func (e *Error) IsCancellation() bool {
	return e.Code == ErrorCodeCanceled
}

// IsFatal reports whether retrying on the same backend is pointless.
func (e *Error) IsFatal() bool {
	switch e.Code {
	case ErrorCodeAuth, ErrorCodeEngineUnavailable, ErrorCodeInvalidInput:
		return true
	default:
		return false
	}
}

// IsRetryable reports whether the same request may succeed later.
func (e *Error) IsRetryable() bool {
	switch e.Code {
	case ErrorCodeNetwork, ErrorCodeRateLimited, ErrorCodeTimeout:
		return true
	default:
		return false
	}
}

// Normalize converts any error returned by a backend into an *Error.
func Normalize(backend string, err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		if pe.Backend == "" {
			cp := *pe
			cp.Backend = backend
			return &cp
		}
		return pe
	}
	switch {
	case errors.Is(err, context.Canceled):
		return NewError(ErrorCodeCanceled, backend, "operation canceled", err)
	case errors.Is(err, context.DeadlineExceeded):
		return NewError(ErrorCodeTimeout, backend, "operation timed out", err)
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return NewError(ErrorCodeNetwork, backend, "network request failed", err)
	}
	return NewError(ErrorCodeEngineFailure, backend, "synthesis failed", err)
}

// IsCancellation reports whether err is a cancellation in any of its forms.
func IsCancellation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	var pe *Error
	return errors.As(err, &pe) && pe.IsCancellation()
}
