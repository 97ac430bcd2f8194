package tracking

import "math"

// Mechanical limits of the DJI gimbal and virtual-stick channel.
const (
	// MaxGimbalSpeed is the fastest speed-mode rotation the gimbal accepts (deg/s).
	MaxGimbalSpeed = 180.0

	// MaxPixelThreshold bounds the step deadband to something smaller than any frame.
	MaxPixelThreshold = 500.0

	// MaxAngleThreshold bounds the proportional deadbands (degrees).
	MaxAngleThreshold = 45.0
)

// Degrees converts radians to degrees for logging/display.
func Degrees(radians float64) float64 {
	return radians * 180.0 / math.Pi
}

// Radians converts degrees to radians.
func Radians(degrees float64) float64 {
	return degrees * math.Pi / 180.0
}

// clamp limits a value to a range
func clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

// sign returns -1, 0 or +1
func sign(v float64) float64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}
