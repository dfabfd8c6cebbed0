package keysource

import (
	"errors"
	"fmt"
	"net/http"
)

// Common errors for key sources.
var (
	// ErrNotFound indicates the secret or file does not exist.
	ErrNotFound = errors.New("keysource: material not found")

	// ErrMissingField indicates a secret lacks a required field.
	ErrMissingField = errors.New("keysource: missing field")

	// ErrInvalidConfig indicates invalid source configuration.
	ErrInvalidConfig = errors.New("keysource: invalid configuration")

	// ErrPermissionDenied indicates the backend refused access.
	ErrPermissionDenied = errors.New("keysource: permission denied")

	// ErrUnavailable indicates the backend could not be reached or failed.
	ErrUnavailable = errors.New("keysource: backend unavailable")

	// ErrAuthenticationFailed indicates login to the backend failed.
	ErrAuthenticationFailed = errors.New("keysource: authentication failed")
)

// SourceError carries the operation and location of a failed load.
type SourceError struct {
	Op   string
	Path string
	Code int
	Err  error
}

// Error implements the error interface.
func (e *SourceError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("keysource %s on %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("keysource %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *SourceError) Unwrap() error {
	return e.Err
}

func newSourceError(op, path string, err error) *SourceError {
	return &SourceError{Op: op, Path: path, Err: err}
}

// IsRetryable reports whether err is worth another attempt: server errors,
// rate limiting and unreachable backends.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var se *SourceError
	if errors.As(err, &se) && (se.Code >= http.StatusInternalServerError || se.Code == http.StatusTooManyRequests) {
		return true
	}
	return errors.Is(err, ErrUnavailable)
}

func configError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}
