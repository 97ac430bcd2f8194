package actuator

import "math"

// Full-deflection values for manual stick input.
const (
	// StickPitchRollScale is the horizontal speed (m/s) at full left-stick deflection.
	StickPitchRollScale = 10.0
	// StickYawScale is the yaw rate (deg/s) at full right-stick deflection.
	StickYawScale = 30.0
	// StickThrottleScale is the vertical speed (m/s) at full right-stick deflection.
	StickThrottleScale = 2.0

	// StickDeadzone is the deflection below which an axis reads as centered.
	StickDeadzone = 0.02

	// MaxHorizontalSpeed is the fastest pitch/roll the virtual-stick channel accepts (m/s).
	MaxHorizontalSpeed = 15.0
)

// Stick is one joystick position. X and Y are in [-1, 1]; positive Y is
// forward on the left stick and up on the right stick.
type Stick struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Sticks is a manual control sample from a two-stick pad. The left stick
// translates the aircraft, the right stick turns and climbs.
type Sticks struct {
	Left  Stick `json:"left"`
	Right Stick `json:"right"`
}

// FlightControl scales the sample to a virtual-stick command. Deflections
// are clamped to [-1, 1] and anything inside the deadzone is zeroed.
func (s Sticks) FlightControl() FlightControl {
	return FlightControl{
		Pitch:    deflection(s.Left.Y) * StickPitchRollScale,
		Roll:     deflection(s.Left.X) * StickPitchRollScale,
		Yaw:      deflection(s.Right.X) * StickYawScale,
		Throttle: deflection(s.Right.Y) * StickThrottleScale,
	}
}

func deflection(v float64) float64 {
	if math.IsNaN(v) || math.Abs(v) < StickDeadzone {
		return 0
	}
	return math.Max(-1, math.Min(1, v))
}
