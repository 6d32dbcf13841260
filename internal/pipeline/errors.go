package pipeline

import (
	"errors"

	"github.com/aceteam-ai/tally/internal/inference"
)

var (
	// ErrValidation is returned when a task message lacks required fields or
	// is not a JSON object.
	ErrValidation = errors.New("invalid task")

	// ErrCardinalityMismatch is returned when the categorization pass returns
	// a different number of items than the extraction pass.
	ErrCardinalityMismatch = errors.New("cardinality mismatch")
)

// IsPermanent reports whether retrying the same task can never succeed.
// Validation failures and non-retryable backend statuses are permanent.
// Timeouts, transport failures, malformed model output and cardinality
// mismatches may go away on another attempt.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrValidation) {
		return true
	}
	if errors.Is(err, inference.ErrBackendError) {
		return !inference.IsRetryable(err)
	}
	return false
}
