package actuator

import (
	"errors"
	"fmt"
)

// Sentinel errors for skipped dispatches.
var (
	// ErrNotConnected is returned when the actuator handle is absent or disconnected.
	ErrNotConnected = errors.New("actuator: not connected")

	// ErrAxisBusy is returned when a command is already outstanding on the axis.
	ErrAxisBusy = errors.New("actuator: axis busy")

	// ErrUnknownCommand is returned for commands the dispatcher cannot route.
	ErrUnknownCommand = errors.New("actuator: unknown command")
)

// ActuationError reports a failed completion from an actuator handle.
type ActuationError struct {
	// Op names the call, e.g. "rotate", "takeoff".
	Op string

	// Axis is the channel the command was issued on.
	Axis Axis

	// Description is the text surfaced to the operator.
	Description string

	// Attempts is how many sends were made before giving up.
	Attempts int

	Err error
}

// Error implements the error interface.
func (e *ActuationError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("actuator [%s] %s failed after %d attempts: %s", e.Axis, e.Op, e.Attempts, e.Description)
	}
	return fmt.Sprintf("actuator [%s] %s failed: %s", e.Axis, e.Op, e.Description)
}

// Unwrap returns the underlying error.
func (e *ActuationError) Unwrap() error {
	return e.Err
}

// IsSkip reports whether err means the command was never sent.
func IsSkip(err error) bool {
	return errors.Is(err, ErrNotConnected) || errors.Is(err, ErrAxisBusy)
}
