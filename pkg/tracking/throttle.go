package tracking

// DefaultDetectionInterval is used when a throttle is built with n <= 0
const DefaultDetectionInterval = 5

// Throttle decimates the frame stream by position: every Nth frame is
// eligible for detection. It does not queue or compensate for time.
type Throttle struct {
	n uint64
}

// NewThrottle creates a throttle that passes one frame in n
func NewThrottle(n int) Throttle {
	if n <= 0 {
		n = DefaultDetectionInterval
	}
	return Throttle{n: uint64(n)}
}

// ShouldDetect reports whether the frame at position seq is eligible
func (t Throttle) ShouldDetect(seq uint64) bool {
	return seq%t.interval() == 0
}

// Next advances a wrapping frame counter
func (t Throttle) Next(counter uint64) uint64 {
	return (counter + 1) % t.interval()
}

// Interval returns N
func (t Throttle) Interval() int {
	return int(t.interval())
}

func (t Throttle) interval() uint64 {
	if t.n == 0 {
		return DefaultDetectionInterval
	}
	return t.n
}
