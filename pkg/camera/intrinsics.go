// Package camera describes the optical properties of the drone camera.
// Intrinsics are immutable values: build one from a preset or a config file
// and pass it by value to the geometry estimator.
package camera

import "fmt"

// Intrinsics holds the static optical parameters used for offset and
// distance estimation.
type Intrinsics struct {
	FocalLength    float64 `yaml:"focal_length" json:"focal_length"`       // meters
	SensorWidth    float64 `yaml:"sensor_width" json:"sensor_width"`       // meters
	HorizontalFOV  float64 `yaml:"horizontal_fov" json:"horizontal_fov"`   // degrees
	VerticalFOV    float64 `yaml:"vertical_fov" json:"vertical_fov"`       // degrees
	ReferenceWidth float64 `yaml:"reference_width" json:"reference_width"` // real-world target width, meters
}

// Sensor sanity limits
const (
	MaxFocalLength = 0.2  // 200mm
	MaxSensorWidth = 0.05 // 50mm, full frame and below
	MaxFOV         = 180.0
)

// DefaultIntrinsics returns the 1/2.3" sensor profile the tracker was tuned
// with, and a 0.5m reference width (shoulder width of a person).
func DefaultIntrinsics() Intrinsics {
	return Intrinsics{
		FocalLength:    0.004,
		SensorWidth:    0.00617,
		HorizontalFOV:  82.1,
		VerticalFOV:    52.3,
		ReferenceWidth: 0.5,
	}
}

// WithReferenceWidth returns a copy using a different real-world target width.
func (in Intrinsics) WithReferenceWidth(w float64) Intrinsics {
	in.ReferenceWidth = w
	return in
}

// Validate checks if the intrinsics are within valid ranges.
// Returns a list of validation errors, or nil if valid.
func (in Intrinsics) Validate() []string {
	var errors []string

	if in.FocalLength <= 0 || in.FocalLength > MaxFocalLength {
		errors = append(errors, fmt.Sprintf("focal_length must be between 0 and %.3f m", MaxFocalLength))
	}
	if in.SensorWidth <= 0 || in.SensorWidth > MaxSensorWidth {
		errors = append(errors, fmt.Sprintf("sensor_width must be between 0 and %.3f m", MaxSensorWidth))
	}
	if in.HorizontalFOV <= 0 || in.HorizontalFOV >= MaxFOV {
		errors = append(errors, "horizontal_fov must be between 0 and 180 degrees")
	}
	if in.VerticalFOV <= 0 || in.VerticalFOV >= MaxFOV {
		errors = append(errors, "vertical_fov must be between 0 and 180 degrees")
	}
	if in.ReferenceWidth <= 0 {
		errors = append(errors, "reference_width must be positive")
	}

	return errors
}

// String renders the intrinsics for startup logs.
func (in Intrinsics) String() string {
	return fmt.Sprintf("f=%.2fmm sensor=%.2fmm fov=%.1fx%.1fdeg ref=%.2fm",
		in.FocalLength*1000, in.SensorWidth*1000, in.HorizontalFOV, in.VerticalFOV, in.ReferenceWidth)
}
