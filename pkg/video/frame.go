// Package video delivers camera frames to the tracker.
//
// A Source pushes frames to a FrameHandler on its own delivery goroutine.
// Handlers must return quickly: anything expensive (inference) belongs on
// another goroutine.
package video

import "context"

// Pixel formats carried by Frame.Format
const (
	FormatJPEG  = "jpeg"
	FormatBGR24 = "bgr24" // packed 8-bit BGR, row-major, Width*Height*3 bytes
)

// Frame is one decoded camera frame. It is not retained past one
// detection cycle, so sources may reuse the backing buffer after the
// handler returns only if they copied it first.
type Frame struct {
	Data   []byte
	Width  int
	Height int
	Format string
	Seq    uint64 // source-assigned, monotonically increasing
}

// Empty reports whether the frame carries no pixels.
func (f Frame) Empty() bool {
	return len(f.Data) == 0 || f.Width <= 0 || f.Height <= 0
}

// FrameHandler receives frames from a Source.
type FrameHandler func(Frame)

// Source is a producer of camera frames.
type Source interface {
	// Run delivers frames to handler until ctx is cancelled or the
	// stream ends.
	Run(ctx context.Context, handler FrameHandler) error

	// Dimensions returns the current frame size, or zeros before the
	// first frame.
	Dimensions() (width, height int)

	// Close releases resources
	Close() error
}
