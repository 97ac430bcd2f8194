package tracking

import (
	"errors"
	"fmt"
)

// Sentinel errors
var (
	// ErrDetectionTimeout is reported when a detection job exceeds Config.DetectionTimeout.
	ErrDetectionTimeout = errors.New("tracking: detection timed out")

	// ErrIndeterminateDistance marks geometry computed from a zero-width box.
	ErrIndeterminateDistance = errors.New("tracking: indeterminate distance")

	// ErrLoopStopped is returned by loop requests after Run has returned.
	ErrLoopStopped = errors.New("tracking: loop stopped")

	// ErrVirtualStickDisabled rejects manual flight while the aircraft ignores virtual-stick input.
	ErrVirtualStickDisabled = errors.New("tracking: virtual stick disabled")

	errStale = errors.New("tracking: generation ended")
)

// InferenceError wraps a detector failure, panic or timeout for one frame.
type InferenceError struct {
	// Seq is the frame sequence the job was submitted for.
	Seq uint64

	// Panic holds the recovered value when the engine panicked.
	Panic any

	Err error
}

// Error implements the error interface.
func (e *InferenceError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("inference [frame %d]: engine panic: %v", e.Seq, e.Panic)
	}
	return fmt.Sprintf("inference [frame %d]: %v", e.Seq, e.Err)
}

// Unwrap returns the underlying error.
func (e *InferenceError) Unwrap() error {
	return e.Err
}

// IsTimeout reports whether the job hit its deadline.
func (e *InferenceError) IsTimeout() bool {
	return errors.Is(e.Err, ErrDetectionTimeout)
}
