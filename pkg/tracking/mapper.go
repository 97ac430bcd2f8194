package tracking

import (
	"math"

	"github.com/teslashibe/go-skytrack/pkg/actuator"
)

// Mapper turns geometry into an actuation command. The bool is false when
// nothing should be sent.
type Mapper interface {
	Map(g Geometry) (actuator.Command, bool)
}

// StepMapper applies a fixed-speed gimbal step on each axis outside the
// pixel deadband. Pitch is inverted: a target below center tilts down.
type StepMapper struct {
	PixelThreshold float64
	Step           float64
}

// Map implements Mapper
func (m StepMapper) Map(g Geometry) (actuator.Command, bool) {
	if g.Indeterminate {
		return nil, false
	}

	var yaw, pitch float64
	if math.Abs(g.OffsetX) > m.PixelThreshold {
		yaw = sign(g.OffsetX) * m.Step
	}
	if math.Abs(g.OffsetY) > m.PixelThreshold {
		pitch = -sign(g.OffsetY) * m.Step
	}
	if yaw == 0 && pitch == 0 {
		return nil, false
	}

	return actuator.GimbalRotation{
		Pitch: pitch,
		Yaw:   yaw,
		Mode:  actuator.ModeSpeed,
	}, true
}

// ProportionalMapper flies toward the target: roll and pitch are the
// lateral and vertical displacement in meters, yaw and throttle follow the
// angular offsets outside their deadbands.
type ProportionalMapper struct {
	YawThreshold      float64 // deg
	ThrottleThreshold float64 // deg
}

// Map implements Mapper
func (m ProportionalMapper) Map(g Geometry) (actuator.Command, bool) {
	if g.Indeterminate {
		return nil, false
	}

	pos := g.Position()
	fc := actuator.FlightControl{
		Roll:  pos.X,
		Pitch: pos.Y,
	}
	if math.Abs(g.AngleX) > m.YawThreshold {
		fc.Yaw = g.AngleX
	}
	if math.Abs(g.AngleY) > m.ThrottleThreshold {
		fc.Throttle = -g.AngleY
	}
	return fc, true
}

// NewMapper builds the mapper selected by cfg.Mode
func NewMapper(cfg Config) Mapper {
	if cfg.Mode == ModeProportional {
		return ProportionalMapper{
			YawThreshold:      cfg.YawThreshold,
			ThrottleThreshold: cfg.ThrottleThreshold,
		}
	}
	return StepMapper{
		PixelThreshold: cfg.PixelThreshold,
		Step:           cfg.GimbalStep,
	}
}
