// Package actuator sends movement commands to the drone's gimbal and
// flight controller.
//
// Commands are a closed set: continuous GimbalRotation and FlightControl
// samples plus one-shot system commands. Every send is asynchronous and
// returns a *Future; the Dispatcher guarantees at most one outstanding
// command per Axis.
package actuator

import "fmt"

// Axis identifies an independently-actuated channel.
type Axis int

const (
	// AxisGimbal is the camera mount.
	AxisGimbal Axis = iota
	// AxisFlight is the virtual-stick channel of the flight controller.
	AxisFlight
	// AxisSystem carries one-shot commands (takeoff, landing, mode toggles).
	AxisSystem
)

func (a Axis) String() string {
	switch a {
	case AxisGimbal:
		return "gimbal"
	case AxisFlight:
		return "flight"
	case AxisSystem:
		return "system"
	default:
		return fmt.Sprintf("axis(%d)", int(a))
	}
}

// RotationMode selects how gimbal values are interpreted.
type RotationMode string

const (
	// ModeSpeed treats pitch/yaw/roll as angular velocities (deg/s).
	ModeSpeed RotationMode = "speed"
	// ModeAngle treats pitch/yaw/roll as relative angles (deg).
	ModeAngle RotationMode = "angle"
)

// Command is a tagged union of actuation commands.
type Command interface {
	Axis() Axis
	String() string
	isCommand()
}

// GimbalRotation rotates the camera mount.
type GimbalRotation struct {
	Pitch float64      `json:"pitch"`
	Yaw   float64      `json:"yaw"`
	Roll  float64      `json:"roll"`
	Mode  RotationMode `json:"mode"`
}

// Axis implements Command.
func (GimbalRotation) Axis() Axis { return AxisGimbal }

func (g GimbalRotation) String() string {
	return fmt.Sprintf("gimbal{mode=%s pitch=%.1f yaw=%.1f roll=%.1f}", g.Mode, g.Pitch, g.Yaw, g.Roll)
}

func (GimbalRotation) isCommand() {}

// FlightControl is one virtual-stick sample.
type FlightControl struct {
	Pitch    float64 `json:"pitch"`
	Roll     float64 `json:"roll"`
	Yaw      float64 `json:"yaw"`
	Throttle float64 `json:"throttle"`
}

// Axis implements Command.
func (FlightControl) Axis() Axis { return AxisFlight }

func (f FlightControl) String() string {
	return fmt.Sprintf("flight{pitch=%.2f roll=%.2f yaw=%.2f throttle=%.2f}", f.Pitch, f.Roll, f.Yaw, f.Throttle)
}

func (FlightControl) isCommand() {}

// IsZero reports whether the sample would not move the aircraft.
func (f FlightControl) IsZero() bool {
	return f == FlightControl{}
}

// Takeoff starts an automatic takeoff.
type Takeoff struct{}

// Land starts an automatic landing.
type Land struct{}

// ConfirmLanding forces the landing to complete when the aircraft is
// holding above unsafe ground.
type ConfirmLanding struct{}

// SetVirtualStick enables or disables virtual-stick mode.
type SetVirtualStick struct {
	Enabled bool `json:"enabled"`
}

func (Takeoff) Axis() Axis         { return AxisSystem }
func (Land) Axis() Axis            { return AxisSystem }
func (ConfirmLanding) Axis() Axis  { return AxisSystem }
func (SetVirtualStick) Axis() Axis { return AxisSystem }

func (Takeoff) String() string        { return "takeoff" }
func (Land) String() string           { return "land" }
func (ConfirmLanding) String() string { return "confirm-landing" }
func (s SetVirtualStick) String() string {
	return fmt.Sprintf("virtual-stick{enabled=%t}", s.Enabled)
}

func (Takeoff) isCommand()         {}
func (Land) isCommand()            {}
func (ConfirmLanding) isCommand()  {}
func (SetVirtualStick) isCommand() {}

// ParseOneShot maps an operator command name to its Command.
func ParseOneShot(name string) (Command, bool) {
	switch name {
	case "takeoff":
		return Takeoff{}, true
	case "land":
		return Land{}, true
	case "confirm-landing", "confirm_landing":
		return ConfirmLanding{}, true
	case "virtual-stick-on", "virtual_stick_on":
		return SetVirtualStick{Enabled: true}, true
	case "virtual-stick-off", "virtual_stick_off":
		return SetVirtualStick{Enabled: false}, true
	default:
		return nil, false
	}
}
