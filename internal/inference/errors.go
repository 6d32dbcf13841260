package inference

import (
	"errors"
	"fmt"
	"net/http"
)

// Error classes returned by every backend. Match them with errors.Is.
var (
	// ErrBackendUnavailable is returned when the call could not complete at the
	// transport level (connection refused, timeout, cancelled).
	ErrBackendUnavailable = errors.New("inference backend unavailable")

	// ErrBackendError is returned when the backend answered with a non-success status.
	ErrBackendError = errors.New("inference backend error")

	// ErrMalformedResponse is returned when the envelope cannot be decoded or its
	// content is not JSON.
	ErrMalformedResponse = errors.New("malformed inference response")
)

// StatusError carries the HTTP status of a failed backend call.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: status %d", ErrBackendError, e.Code)
	}
	return fmt.Sprintf("%s: status %d: %s", ErrBackendError, e.Code, e.Message)
}

func (e *StatusError) Unwrap() error { return ErrBackendError }

// Retryable reports whether the same request may succeed later.
func (e *StatusError) Retryable() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests || e.Code == http.StatusRequestTimeout
}

// IsRetryable reports whether err is worth another attempt. Transport and
// decoding failures are; backend errors only when the status says so.
func IsRetryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return errors.Is(err, ErrBackendUnavailable) || errors.Is(err, ErrMalformedResponse)
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedResponse, fmt.Sprintf(format, args...))
}
