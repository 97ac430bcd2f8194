package tracking

import (
	"fmt"
	"time"

	"github.com/teslashibe/go-skytrack/pkg/actuator"
	"github.com/teslashibe/go-skytrack/pkg/tracking/detection"
)

// Mode selects which command mapper drives actuation
type Mode string

const (
	// ModeStep rotates the gimbal by a fixed speed step
	ModeStep Mode = "step"
	// ModeProportional flies the aircraft with virtual-stick samples
	ModeProportional Mode = "proportional"
)

// ParseMode accepts "step" or "proportional"
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeStep, ModeProportional:
		return Mode(s), nil
	case "":
		return ModeStep, nil
	}
	return "", fmt.Errorf("unknown tracking mode %q", s)
}

// Config holds all tunable parameters for visual tracking
type Config struct {
	// Mapping
	Mode        Mode   `yaml:"mode" json:"mode"`
	TargetLabel string `yaml:"target_label" json:"target_label"`
	Policy      string `yaml:"policy" json:"policy"` // "first" or "highest"

	// Detection cadence
	DetectionInterval int           `yaml:"detection_interval" json:"detection_interval"` // Every Nth frame
	DetectionTimeout  time.Duration `yaml:"detection_timeout" json:"detection_timeout"`

	// Detector options
	MaxResults     int     `yaml:"max_results" json:"max_results"`
	ScoreThreshold float64 `yaml:"score_threshold" json:"score_threshold"`
	NumThreads     int     `yaml:"num_threads" json:"num_threads"`

	// Step mode
	PixelThreshold float64 `yaml:"pixel_threshold" json:"pixel_threshold"` // Deadband (px)
	GimbalStep     float64 `yaml:"gimbal_step" json:"gimbal_step"`         // deg/s

	// Proportional mode
	YawThreshold        float64 `yaml:"yaw_threshold" json:"yaw_threshold"`           // deg
	ThrottleThreshold   float64 `yaml:"throttle_threshold" json:"throttle_threshold"` // deg
	RequireVirtualStick bool    `yaml:"require_virtual_stick" json:"require_virtual_stick"`

	// Manual forward maneuver
	ForwardPitch    float64       `yaml:"forward_pitch" json:"forward_pitch"` // m/s
	ForwardDuration time.Duration `yaml:"forward_duration" json:"forward_duration"`

	// Frames buffered between the video source and the loop
	FrameBuffer int `yaml:"frame_buffer" json:"frame_buffer"`
}

// DefaultConfig returns the field-tested configuration: gimbal step
// tracking of people, every 5th frame.
func DefaultConfig() Config {
	return Config{
		Mode:        ModeStep,
		TargetLabel: "person",
		Policy:      detection.FirstMatch.String(),

		DetectionInterval: 5,
		DetectionTimeout:  2 * time.Second,

		MaxResults:     1,
		ScoreThreshold: 0.5,
		NumThreads:     2,

		PixelThreshold: 20,
		GimbalStep:     10,

		YawThreshold:        1,
		ThrottleThreshold:   1,
		RequireVirtualStick: true,

		ForwardPitch:    15,
		ForwardDuration: 2 * time.Second,

		FrameBuffer: 2,
	}
}

// GimbalConfig tracks with the gimbal only
func GimbalConfig() Config {
	return DefaultConfig()
}

// FlightConfig follows the target with the aircraft
func FlightConfig() Config {
	cfg := DefaultConfig()
	cfg.Mode = ModeProportional
	cfg.DetectionInterval = 3
	return cfg
}

// DetectOptions returns the per-call detector options
func (c Config) DetectOptions() detection.Options {
	return detection.Options{
		MaxResults:     c.MaxResults,
		ScoreThreshold: c.ScoreThreshold,
		NumThreads:     c.NumThreads,
	}
}

// SelectionPolicy parses Policy, falling back to FirstMatch
func (c Config) SelectionPolicy() detection.Policy {
	p, err := detection.ParsePolicy(c.Policy)
	if err != nil {
		return detection.FirstMatch
	}
	return p
}

// Validate checks the configuration and returns a list of problems
func (c Config) Validate() []string {
	var errs []string

	if _, err := ParseMode(string(c.Mode)); err != nil {
		errs = append(errs, err.Error())
	}
	if c.TargetLabel == "" {
		errs = append(errs, "target_label must not be empty")
	}
	if _, err := detection.ParsePolicy(c.Policy); err != nil {
		errs = append(errs, err.Error())
	}
	if c.DetectionInterval < 1 {
		errs = append(errs, fmt.Sprintf("detection_interval must be >= 1, got %d", c.DetectionInterval))
	}
	if c.DetectionTimeout <= 0 {
		errs = append(errs, "detection_timeout must be positive")
	}
	if c.MaxResults < 0 {
		errs = append(errs, "max_results must not be negative")
	}
	if c.ScoreThreshold < 0 || c.ScoreThreshold > 1 {
		errs = append(errs, fmt.Sprintf("score_threshold must be in [0,1], got %.2f", c.ScoreThreshold))
	}
	if c.PixelThreshold < 0 || c.PixelThreshold > MaxPixelThreshold {
		errs = append(errs, fmt.Sprintf("pixel_threshold must be in [0,%.0f], got %.1f", MaxPixelThreshold, c.PixelThreshold))
	}
	if c.GimbalStep <= 0 || c.GimbalStep > MaxGimbalSpeed {
		errs = append(errs, fmt.Sprintf("gimbal_step must be in (0,%.0f], got %.1f", MaxGimbalSpeed, c.GimbalStep))
	}
	if c.YawThreshold < 0 || c.YawThreshold > MaxAngleThreshold {
		errs = append(errs, fmt.Sprintf("yaw_threshold must be in [0,%.0f], got %.1f", MaxAngleThreshold, c.YawThreshold))
	}
	if c.ThrottleThreshold < 0 || c.ThrottleThreshold > MaxAngleThreshold {
		errs = append(errs, fmt.Sprintf("throttle_threshold must be in [0,%.0f], got %.1f", MaxAngleThreshold, c.ThrottleThreshold))
	}
	if c.ForwardPitch <= 0 || c.ForwardPitch > actuator.MaxHorizontalSpeed {
		errs = append(errs, fmt.Sprintf("forward_pitch must be in (0,%.0f], got %.1f", actuator.MaxHorizontalSpeed, c.ForwardPitch))
	}
	if c.ForwardDuration <= 0 {
		errs = append(errs, "forward_duration must be positive")
	}
	if c.FrameBuffer < 1 {
		errs = append(errs, "frame_buffer must be >= 1")
	}

	return errs
}
