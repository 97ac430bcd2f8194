package tracking

import (
	"math"

	"github.com/golang/geo/r3"

	"github.com/teslashibe/go-skytrack/pkg/camera"
	"github.com/teslashibe/go-skytrack/pkg/tracking/detection"
)

// Geometry is the target's position relative to the frame center.
// Offsets are in pixels (positive = right / below), angles in degrees,
// distance in meters.
type Geometry struct {
	CenterX float64 `json:"center_x"`
	CenterY float64 `json:"center_y"`
	OffsetX float64 `json:"dx"`
	OffsetY float64 `json:"dy"`
	AngleX  float64 `json:"angle_x"`
	AngleY  float64 `json:"angle_y"`

	Distance float64 `json:"distance"`

	// Indeterminate is set when the box has no width; Distance is 0 and
	// nothing downstream may actuate on it.
	Indeterminate bool `json:"indeterminate"`
}

// Estimate converts a bounding box into offsets, angles and a pinhole
// distance estimate. It is pure.
func Estimate(box detection.Box, frameW, frameH int, in camera.Intrinsics) Geometry {
	var g Geometry

	g.CenterX, g.CenterY = box.Center()
	g.OffsetX = g.CenterX - float64(frameW)/2
	g.OffsetY = g.CenterY - float64(frameH)/2

	if frameW > 0 {
		g.AngleX = g.OffsetX * in.HorizontalFOV / float64(frameW)
	}
	if frameH > 0 {
		g.AngleY = g.OffsetY * in.VerticalFOV / float64(frameH)
	}

	bw := box.Width()
	if bw <= 0 || frameW <= 0 || frameH <= 0 || in.SensorWidth <= 0 {
		g.Indeterminate = true
		return g
	}

	// Pinhole: real width / distance == image width / focal length
	imageWidth := (bw / float64(frameW)) * in.SensorWidth
	g.Distance = (in.FocalLength * in.ReferenceWidth) / imageWidth
	return g
}

// Err returns ErrIndeterminateDistance when the geometry must not be acted on
func (g Geometry) Err() error {
	if g.Indeterminate {
		return ErrIndeterminateDistance
	}
	return nil
}

// Position returns the target in the camera frame (X right, Y down, Z forward), meters
func (g Geometry) Position() r3.Vector {
	if g.Indeterminate {
		return r3.Vector{}
	}
	return r3.Vector{
		X: g.Distance * math.Tan(Radians(g.AngleX)),
		Y: g.Distance * math.Tan(Radians(g.AngleY)),
		Z: g.Distance,
	}
}

// Direction is the on-screen bearing of the offset in degrees (0 = right, 90 = down)
func (g Geometry) Direction() float64 {
	return Degrees(math.Atan2(g.OffsetY, g.OffsetX))
}

// PixelDistance is the on-screen offset magnitude
func (g Geometry) PixelDistance() float64 {
	return math.Hypot(g.OffsetX, g.OffsetY)
}
