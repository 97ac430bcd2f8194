package tracking

import (
	"context"

	"github.com/teslashibe/go-skytrack/pkg/tracking/detection"
)

// TuningParams holds the tracking parameters adjustable at runtime.
// These can be modified via the dashboard without restarting.
type TuningParams struct {
	Mode        Mode   `json:"mode,omitempty"`
	TargetLabel string `json:"target_label,omitempty"`
	Policy      string `json:"policy,omitempty"`

	DetectionInterval int `json:"detection_interval,omitempty"` // Every Nth frame (1-60)

	PixelThreshold    float64 `json:"pixel_threshold,omitempty"`
	GimbalStep        float64 `json:"gimbal_step,omitempty"`
	YawThreshold      float64 `json:"yaw_threshold,omitempty"`
	ThrottleThreshold float64 `json:"throttle_threshold,omitempty"`
}

// Tuning returns the current tuning parameters
func (l *Loop) Tuning(ctx context.Context) (TuningParams, error) {
	var p TuningParams
	err := l.do(ctx, func() {
		p = TuningParams{
			Mode:              l.cfg.Mode,
			TargetLabel:       l.cfg.TargetLabel,
			Policy:            l.policy.String(),
			DetectionInterval: l.throttle.Interval(),
			PixelThreshold:    l.cfg.PixelThreshold,
			GimbalStep:        l.cfg.GimbalStep,
			YawThreshold:      l.cfg.YawThreshold,
			ThrottleThreshold: l.cfg.ThrottleThreshold,
		}
	})
	return p, err
}

// SetTuning updates tuning parameters at runtime. Only non-zero values
// are applied. Invalid values are rejected before anything changes.
func (l *Loop) SetTuning(ctx context.Context, p TuningParams) error {
	var mode Mode
	if p.Mode != "" {
		m, err := ParseMode(string(p.Mode))
		if err != nil {
			return err
		}
		mode = m
	}
	var policy *detection.Policy
	if p.Policy != "" {
		pol, err := detection.ParsePolicy(p.Policy)
		if err != nil {
			return err
		}
		policy = &pol
	}

	return l.do(ctx, func() {
		next := l.cfg
		if mode != "" {
			next.Mode = mode
		}
		if p.TargetLabel != "" {
			next.TargetLabel = p.TargetLabel
		}
		if policy != nil {
			next.Policy = policy.String()
			l.policy = *policy
		}
		if p.DetectionInterval > 0 {
			next.DetectionInterval = int(clamp(float64(p.DetectionInterval), 1, 60))
		}
		if p.PixelThreshold > 0 {
			next.PixelThreshold = clamp(p.PixelThreshold, 0, MaxPixelThreshold)
		}
		if p.GimbalStep > 0 {
			next.GimbalStep = clamp(p.GimbalStep, 0, MaxGimbalSpeed)
		}
		if p.YawThreshold > 0 {
			next.YawThreshold = clamp(p.YawThreshold, 0, MaxAngleThreshold)
		}
		if p.ThrottleThreshold > 0 {
			next.ThrottleThreshold = clamp(p.ThrottleThreshold, 0, MaxAngleThreshold)
		}

		if next.DetectionInterval != l.throttle.Interval() {
			l.throttle = NewThrottle(next.DetectionInterval)
			l.state.FrameCounter = 0
		}
		l.cfg = next
		l.mapper = NewMapper(next)
		l.state.Mode = next.Mode
		l.logger.Info("tuning updated",
			"mode", next.Mode,
			"label", next.TargetLabel,
			"policy", l.policy.String(),
			"interval", l.throttle.Interval(),
		)
	})
}
