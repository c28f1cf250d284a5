package exchange

import (
	"errors"
	"fmt"

	"channelsync/internal/models"
)

var (
	// ErrIntegrity marks data problems retries cannot fix.
	ErrIntegrity = errors.New("integrity violation")
	// ErrUnknownTask is returned for task names missing from the registry.
	ErrUnknownTask = errors.New("unknown task")
)

// TransportError is a failure of the shared outbound call. It fails the whole batch.
type TransportError struct {
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transport: http %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RejectionError is a per-item refusal reported by the platform.
type RejectionError struct {
	Message  string
	HTTPCode int
}

func (e *RejectionError) Error() string {
	return "rejected: " + e.Message
}

// Integrity wraps a message as an integrity violation.
func Integrity(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrIntegrity, fmt.Sprintf(format, args...))
}

// MixedBatchError reports claimed items that do not form one batch. The items
// are locked and must be failed by the caller.
type MixedBatchError struct {
	Items []*models.QueueItem
	Err   error
}

func (e *MixedBatchError) Error() string { return e.Err.Error() }

func (e *MixedBatchError) Unwrap() error { return e.Err }
