// Package detection provides object detection and target selection
package detection

import (
	"context"
	"math"
)

// Image formats accepted by engines
const (
	FormatJPEG  = "jpeg"
	FormatBGR24 = "bgr24"
)

// Box is an axis-aligned bounding box in pixel coordinates
type Box struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Right  float64 `json:"right"`
	Bottom float64 `json:"bottom"`
}

// Width returns the box width (may be zero for degenerate boxes)
func (b Box) Width() float64 {
	return b.Right - b.Left
}

// Height returns the box height
func (b Box) Height() float64 {
	return b.Bottom - b.Top
}

// Center returns the midpoint of the box
func (b Box) Center() (x, y float64) {
	return (b.Left + b.Right) / 2, (b.Top + b.Bottom) / 2
}

// Area returns the area of the bounding box
func (b Box) Area() float64 {
	return math.Max(b.Width(), 0) * math.Max(b.Height(), 0)
}

// Category is one classification result for a detection
type Category struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// Detection is a detected object. Categories are ranked by the detector,
// highest score first.
type Detection struct {
	Box        Box        `json:"box"`
	Categories []Category `json:"categories"`
}

// Top returns the top-ranked category
func (d Detection) Top() (Category, bool) {
	if len(d.Categories) == 0 {
		return Category{}, false
	}
	return d.Categories[0], true
}

// Label returns the top-ranked label, or "" when there is none
func (d Detection) Label() string {
	c, _ := d.Top()
	return c.Label
}

// Score returns the top-ranked score
func (d Detection) Score() float64 {
	c, _ := d.Top()
	return c.Score
}

// Image is the input to an Engine
type Image struct {
	Data   []byte
	Width  int
	Height int
	Format string // FormatJPEG or FormatBGR24
}

// Options tunes a detection call
type Options struct {
	MaxResults     int     // 0 = unlimited
	ScoreThreshold float64 // Minimum top score
	NumThreads     int     // Hint for engines with a thread pool
}

// DefaultOptions returns the field defaults: one result, score >= 0.5, two threads
func DefaultOptions() Options {
	return Options{
		MaxResults:     1,
		ScoreThreshold: 0.5,
		NumThreads:     2,
	}
}

// Engine is the interface for detection backends
type Engine interface {
	// Detect finds objects in img, ordered by descending score
	Detect(ctx context.Context, img Image, opts Options) ([]Detection, error)

	// Close releases resources
	Close() error
}

// limit applies the score threshold and result cap to ordered detections
func limit(dets []Detection, opts Options) []Detection {
	out := dets[:0]
	for _, d := range dets {
		if d.Score() < opts.ScoreThreshold {
			continue
		}
		out = append(out, d)
		if opts.MaxResults > 0 && len(out) == opts.MaxResults {
			break
		}
	}
	return out
}
