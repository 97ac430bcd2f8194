package actuator

import "context"

// Gimbal provides camera mount control.
// Rotate blocks until the aircraft acknowledges the command and returns the
// failure description as an error, or nil on success.
type Gimbal interface {
	Connected() bool
	Rotate(ctx context.Context, r GimbalRotation) error
}

// FlightController provides virtual-stick movement and one-shot flight commands.
// All calls block until the aircraft completes or rejects them.
type FlightController interface {
	Connected() bool
	SendVirtualStick(ctx context.Context, fc FlightControl) error
	StartTakeoff(ctx context.Context) error
	StartLanding(ctx context.Context) error
	ConfirmLanding(ctx context.Context) error
	SetVirtualStickModeEnabled(ctx context.Context, enabled bool) error
}
