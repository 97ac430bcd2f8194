package tracking

import (
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-skytrack/pkg/actuator"
	"github.com/teslashibe/go-skytrack/pkg/tracking/detection"
)

// Phase is the loop's tracking phase
type Phase string

const (
	// PhaseIdle has no target
	PhaseIdle Phase = "idle"
	// PhaseTracking has a target and nothing outstanding
	PhaseTracking Phase = "tracking"
	// PhaseCorrecting has a command in flight
	PhaseCorrecting Phase = "correcting"
)

// TrackedTarget is the target chosen from one detection result
type TrackedTarget struct {
	Seq         uint64              `json:"seq"`
	Generation  uint64              `json:"generation"`
	Detection   detection.Detection `json:"detection"`
	Geometry    Geometry            `json:"geometry"`
	FrameWidth  int                 `json:"frame_width"`
	FrameHeight int                 `json:"frame_height"`
	Time        time.Time           `json:"time"`
}

// ControlLoopState is the mutable tracker state. Only the loop goroutine
// touches the live copy; everyone else sees snapshots.
type ControlLoopState struct {
	FrameCounter        uint64                             `json:"frame_counter"`
	VirtualStickEnabled bool                               `json:"virtual_stick_enabled"`
	Airborne            bool                               `json:"airborne"`
	Generation          uint64                             `json:"generation"`
	Active              bool                               `json:"active"`
	Phase               Phase                              `json:"phase"`
	Mode                Mode                               `json:"mode"`
	Target              *TrackedTarget                     `json:"target,omitempty"`
	LastCommand         map[actuator.Axis]actuator.Command `json:"-"`
}

func newState(mode Mode) ControlLoopState {
	return ControlLoopState{
		Phase:       PhaseIdle,
		Mode:        mode,
		LastCommand: make(map[actuator.Axis]actuator.Command),
	}
}

// clone returns a deep-enough copy for handing to other goroutines
func (s ControlLoopState) clone() ControlLoopState {
	out := s
	out.LastCommand = make(map[actuator.Axis]actuator.Command, len(s.LastCommand))
	for k, v := range s.LastCommand {
		out.LastCommand[k] = v
	}
	if s.Target != nil {
		t := *s.Target
		out.Target = &t
	}
	return out
}

// resetCycle clears per-generation state. Flags that mirror the aircraft
// (virtual stick, airborne) survive.
func (s *ControlLoopState) resetCycle() {
	s.FrameCounter = 0
	s.Phase = PhaseIdle
	s.Target = nil
	for k := range s.LastCommand {
		delete(s.LastCommand, k)
	}
}

// LastCommandStrings renders LastCommand for display
func (s ControlLoopState) LastCommandStrings() map[string]string {
	out := make(map[string]string, len(s.LastCommand))
	for axis, cmd := range s.LastCommand {
		out[axis.String()] = cmd.String()
	}
	return out
}

// Generation is a monotonic token. Work stamped with an older value is stale.
type Generation struct {
	v atomic.Uint64
}

// Current returns the live generation
func (g *Generation) Current() uint64 {
	return g.v.Load()
}

// Advance invalidates all outstanding work and returns the new generation
func (g *Generation) Advance() uint64 {
	return g.v.Add(1)
}

// IsCurrent reports whether gen is still live
func (g *Generation) IsCurrent(gen uint64) bool {
	return g.v.Load() == gen
}
