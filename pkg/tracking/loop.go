// Package tracking turns a camera frame stream into gimbal and flight
// commands that keep a detected target centered.
//
// A Loop owns all mutable tracking state on one goroutine. Frames,
// detection outcomes, actuator completions and operator requests reach it
// as messages. Every deferred result carries the generation it was started
// under and is discarded when the loop has since been torn down.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-skytrack/pkg/actuator"
	"github.com/teslashibe/go-skytrack/pkg/camera"
	"github.com/teslashibe/go-skytrack/pkg/telemetry"
	"github.com/teslashibe/go-skytrack/pkg/tracking/detection"
	"github.com/teslashibe/go-skytrack/pkg/video"
)

// Surface presents tracker output to the operator. Calls are made from the
// loop goroutine and must not block.
type Surface interface {
	// ShowDetections renders boxes whose top label matches the target label
	ShowDetections(frameW, frameH int, dets []detection.Detection)
	// ShowStatus shows the selected target and its geometry
	ShowStatus(t TrackedTarget)
	// ShowMessage shows a transient notice (errors, mode changes)
	ShowMessage(msg string)
}

// NopSurface discards all output
type NopSurface struct{}

func (NopSurface) ShowDetections(int, int, []detection.Detection) {}
func (NopSurface) ShowStatus(TrackedTarget)                       {}
func (NopSurface) ShowMessage(string)                             {}

// LoopStats combines loop and pipeline counters
type LoopStats struct {
	Pipeline      PipelineStats `json:"pipeline"`
	FramesIn      uint64        `json:"frames_in"`
	FramesDropped uint64        `json:"frames_dropped"`
	Stale         uint64        `json:"stale"`
	Commands      uint64        `json:"commands"`
	Skipped       uint64        `json:"skipped"`
}

type completion struct {
	gen uint64
	cmd actuator.Command
	err error
}

// queuedFrame carries the producer-side position of a frame, so dropped
// frames still count toward decimation
type queuedFrame struct {
	frame    video.Frame
	position uint64
}

// centerRetryInterval spaces attempts to center the sticks while the flight axis is busy
const centerRetryInterval = 50 * time.Millisecond

// Loop is the tracking control loop
type Loop struct {
	cfg        Config
	intrinsics camera.Intrinsics
	throttle   Throttle
	mapper     Mapper
	policy     detection.Policy

	pipeline   *Pipeline
	dispatcher *actuator.Dispatcher
	surface    Surface
	sink       telemetry.Sink
	logger     *slog.Logger

	gen    *Generation
	active atomic.Bool

	mu        sync.Mutex
	genCtx    context.Context
	genCancel context.CancelFunc

	// One-shot commands outlive Teardown; they are bound to the loop itself
	lifeCtx    context.Context
	lifeCancel context.CancelFunc

	// Frames offered to OnFrame since start or the last Teardown
	position atomic.Uint64

	frames      chan queuedFrame
	completions chan completion
	control     chan func()
	stopped     chan struct{}

	framesIn      atomic.Uint64
	framesDropped atomic.Uint64
	stale         atomic.Uint64
	commands      atomic.Uint64
	skipped       atomic.Uint64

	// owned by the Run goroutine
	state ControlLoopState
}

// LoopOption configures a Loop
type LoopOption func(*Loop)

// WithSurface sets the presentation surface
func WithSurface(s Surface) LoopOption {
	return func(l *Loop) {
		if s != nil {
			l.surface = s
		}
	}
}

// WithSink sets the telemetry sink
func WithSink(s telemetry.Sink) LoopOption {
	return func(l *Loop) {
		if s != nil {
			l.sink = s
		}
	}
}

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) LoopOption {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLoop wires a control loop. The loop starts active; call Run to process.
func NewLoop(cfg Config, intrinsics camera.Intrinsics, engine detection.Engine, dispatcher *actuator.Dispatcher, opts ...LoopOption) *Loop {
	if cfg.FrameBuffer < 1 {
		cfg.FrameBuffer = 1
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeStep
	}
	if cfg.ForwardPitch <= 0 || cfg.ForwardDuration <= 0 {
		def := DefaultConfig()
		cfg.ForwardPitch, cfg.ForwardDuration = def.ForwardPitch, def.ForwardDuration
	}

	l := &Loop{
		cfg:         cfg,
		intrinsics:  intrinsics,
		throttle:    NewThrottle(cfg.DetectionInterval),
		mapper:      NewMapper(cfg),
		policy:      cfg.SelectionPolicy(),
		dispatcher:  dispatcher,
		surface:     NopSurface{},
		sink:        telemetry.Nop{},
		logger:      slog.Default(),
		gen:         &Generation{},
		frames:      make(chan queuedFrame, cfg.FrameBuffer),
		completions: make(chan completion, 8),
		control:     make(chan func(), 8),
		stopped:     make(chan struct{}),
		state:       newState(cfg.Mode),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.pipeline = NewPipeline(engine, cfg.DetectOptions(), cfg.DetectionTimeout, l.gen, l.logger)
	l.logger = l.logger.With("component", "tracking.loop")
	l.genCtx, l.genCancel = context.WithCancel(context.Background())
	l.lifeCtx, l.lifeCancel = context.WithCancel(context.Background())
	l.active.Store(true)
	l.state.Active = true
	return l
}

// Pipeline exposes the detection pipeline
func (l *Loop) Pipeline() *Pipeline {
	return l.pipeline
}

// Generation returns the live generation token
func (l *Loop) Generation() uint64 {
	return l.gen.Current()
}

// Active reports whether frames are being accepted
func (l *Loop) Active() bool {
	return l.active.Load()
}

// Run owns the loop state until ctx is cancelled. It must be called once.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.stopped)
	defer l.lifeCancel()

	go l.pipeline.Run(ctx)

	l.logger.Info("tracking loop started",
		"mode", l.cfg.Mode,
		"label", l.cfg.TargetLabel,
		"policy", l.policy.String(),
		"interval", l.throttle.Interval(),
		"timeout", l.cfg.DetectionTimeout,
	)
	l.emit(telemetry.EventLifecycle, 0, "started", nil)

	for {
		select {
		case <-ctx.Done():
			l.invalidate()
			l.logger.Info("tracking loop stopped")
			return ctx.Err()

		case q := <-l.frames:
			if l.active.Load() {
				l.onFrame(q)
			}

		case out := <-l.pipeline.Results():
			l.onOutcome(out)

		case c := <-l.completions:
			l.onCompletion(c)

		case fn := <-l.control:
			fn()
		}
	}
}

// OnFrame hands a frame to the loop. It never blocks: frames arriving
// while the loop is inactive or behind are dropped.
func (l *Loop) OnFrame(f video.Frame) {
	if !l.active.Load() {
		return
	}
	l.framesIn.Add(1)
	pos := l.position.Add(1) - 1
	select {
	case l.frames <- queuedFrame{frame: f, position: pos}:
	default:
		l.framesDropped.Add(1)
	}
}

// Teardown stops tracking. The generation advances before Teardown
// returns, so no detection outcome or actuator completion started earlier
// can act afterwards. In-flight inference and commands are cancelled.
func (l *Loop) Teardown() {
	l.active.Store(false)
	l.position.Store(0)
	gen := l.invalidate()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := l.do(ctx, func() {
		l.state.resetCycle()
		l.state.Active = false
		l.state.Generation = gen
	})
	if err != nil && !errors.Is(err, ErrLoopStopped) {
		l.logger.Warn("teardown did not reach loop", "error", err)
	}

	l.logger.Info("tracking torn down", "generation", gen)
	l.emit(telemetry.EventLifecycle, 0, "teardown", nil)
}

// Resume restarts frame intake after Teardown
func (l *Loop) Resume(ctx context.Context) error {
	err := l.do(ctx, func() {
		l.state.Active = true
		l.state.Generation = l.gen.Current()
		l.active.Store(true)
	})
	if err != nil {
		return err
	}
	l.logger.Info("tracking resumed", "generation", l.gen.Current())
	l.emit(telemetry.EventLifecycle, 0, "resumed", nil)
	return nil
}

// Snapshot returns a copy of the loop state
func (l *Loop) Snapshot(ctx context.Context) (ControlLoopState, error) {
	var s ControlLoopState
	err := l.do(ctx, func() {
		s = l.state.clone()
		s.Generation = l.gen.Current()
	})
	return s, err
}

// Stats returns loop counters
func (l *Loop) Stats() LoopStats {
	return LoopStats{
		Pipeline:      l.pipeline.Stats(),
		FramesIn:      l.framesIn.Load(),
		FramesDropped: l.framesDropped.Load(),
		Stale:         l.stale.Load(),
		Commands:      l.commands.Load(),
		Skipped:       l.skipped.Load(),
	}
}

// Command issues an operator command through the loop. The future resolves
// with the aircraft's answer. One-shot commands (takeoff, landing,
// virtual-stick toggle) are not cancelled by Teardown.
func (l *Loop) Command(ctx context.Context, cmd actuator.Command) (*actuator.Future, error) {
	var (
		f   *actuator.Future
		err error
	)
	if doErr := l.do(ctx, func() {
		f, err = l.dispatch(cmd, l.gen.Current())
	}); doErr != nil {
		return nil, doErr
	}
	return f, err
}

// ToggleVirtualStick requests the opposite of the current virtual-stick
// mode. The enabled flag flips only when the aircraft confirms.
func (l *Loop) ToggleVirtualStick(ctx context.Context) (*actuator.Future, error) {
	var (
		f   *actuator.Future
		err error
	)
	if doErr := l.do(ctx, func() {
		f, err = l.dispatch(actuator.SetVirtualStick{Enabled: !l.state.VirtualStickEnabled}, l.gen.Current())
	}); doErr != nil {
		return nil, doErr
	}
	return f, err
}

// TakeoffOrLand takes off when on the ground and lands when airborne
func (l *Loop) TakeoffOrLand(ctx context.Context) (*actuator.Future, error) {
	var (
		f   *actuator.Future
		err error
	)
	if doErr := l.do(ctx, func() {
		var cmd actuator.Command = actuator.Takeoff{}
		if l.state.Airborne {
			cmd = actuator.Land{}
		}
		f, err = l.dispatch(cmd, l.gen.Current())
	}); doErr != nil {
		return nil, doErr
	}
	return f, err
}

// Stick flies the aircraft from a manual stick sample. Manual flight is
// rejected with ErrVirtualStickDisabled until virtual-stick mode is on.
func (l *Loop) Stick(ctx context.Context, s actuator.Sticks) (*actuator.Future, error) {
	var (
		f   *actuator.Future
		err error
	)
	if doErr := l.do(ctx, func() {
		if !l.state.VirtualStickEnabled {
			err = ErrVirtualStickDisabled
			return
		}
		f, err = l.dispatch(s.FlightControl(), l.gen.Current())
	}); doErr != nil {
		return nil, doErr
	}
	return f, err
}

// MoveForward pitches forward at ForwardPitch for ForwardDuration and then
// centers the sticks. The future resolves with the forward sample.
func (l *Loop) MoveForward(ctx context.Context) (*actuator.Future, error) {
	var (
		f   *actuator.Future
		err error
	)
	if doErr := l.do(ctx, func() {
		if !l.state.VirtualStickEnabled {
			err = ErrVirtualStickDisabled
			return
		}
		f, err = l.dispatch(actuator.FlightControl{Pitch: l.cfg.ForwardPitch}, l.gen.Current())
		if err != nil {
			return
		}
		l.surface.ShowMessage("Moving forward")
		go l.centerSticks(l.cfg.ForwardDuration)
	}); doErr != nil {
		return nil, doErr
	}
	return f, err
}

// centerSticks sends a zero flight sample after d. It survives Teardown and
// waits out any flight command still outstanding.
func (l *Loop) centerSticks(d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-l.lifeCtx.Done():
		return
	}

	for {
		var err error
		if doErr := l.do(l.lifeCtx, func() {
			_, err = l.dispatch(actuator.FlightControl{}, l.gen.Current())
		}); doErr != nil {
			return
		}
		if !errors.Is(err, actuator.ErrAxisBusy) {
			if err != nil {
				l.logger.Warn("sticks not centered", "error", err)
			}
			return
		}
		select {
		case <-time.After(centerRetryInterval):
		case <-l.lifeCtx.Done():
			return
		}
	}
}

// do runs fn on the loop goroutine and waits for it
func (l *Loop) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	msg := func() {
		fn()
		close(done)
	}
	select {
	case l.control <- msg:
	case <-l.stopped:
		return ErrLoopStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-l.stopped:
		return ErrLoopStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// invalidate advances the generation and cancels work bound to the old one
func (l *Loop) invalidate() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	gen := l.gen.Advance()
	l.genCancel()
	l.genCtx, l.genCancel = context.WithCancel(context.Background())
	return gen
}

// current returns the live generation and its context
func (l *Loop) current() (context.Context, uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.genCtx, l.gen.Current()
}

func (l *Loop) onFrame(q queuedFrame) {
	eligible := l.throttle.ShouldDetect(q.position)
	l.state.FrameCounter = l.throttle.Next(q.position)
	if !eligible || q.frame.Empty() {
		return
	}
	ctx, _ := l.current()
	l.pipeline.Submit(ctx, q.frame)
}

func (l *Loop) onOutcome(out Outcome) {
	if !l.gen.IsCurrent(out.Generation) || !l.active.Load() {
		l.stale.Add(1)
		l.logger.Debug("discarding stale detection", "seq", out.Seq, "generation", out.Generation)
		return
	}

	if out.Err != nil {
		l.surface.ShowMessage(fmt.Sprintf("Detection error: %v", out.Err))
		l.emit(telemetry.EventError, out.Seq, out.Err.Error(), nil)
		return
	}

	matches := detection.Filter(out.Detections, l.cfg.TargetLabel)
	l.emit(telemetry.EventDetection, out.Seq, "", map[string]any{
		"count":      len(out.Detections),
		"matches":    len(matches),
		"latency_ms": out.Latency.Milliseconds(),
	})
	if len(matches) > 0 {
		l.surface.ShowDetections(out.FrameWidth, out.FrameHeight, matches)
	}

	target, ok := detection.Select(out.Detections, l.cfg.TargetLabel, l.policy)
	if !ok {
		if l.state.Target != nil {
			l.logger.Debug("target lost", "seq", out.Seq)
		}
		l.state.Target = nil
		if l.state.Phase == PhaseTracking {
			l.state.Phase = PhaseIdle
		}
		return
	}

	geo := Estimate(target.Box, out.FrameWidth, out.FrameHeight, l.intrinsics)
	tracked := TrackedTarget{
		Seq:         out.Seq,
		Generation:  out.Generation,
		Detection:   target,
		Geometry:    geo,
		FrameWidth:  out.FrameWidth,
		FrameHeight: out.FrameHeight,
		Time:        time.Now(),
	}
	l.state.Target = &tracked
	if l.state.Phase == PhaseIdle {
		l.state.Phase = PhaseTracking
	}
	l.surface.ShowStatus(tracked)
	l.emit(telemetry.EventTarget, out.Seq, "", map[string]any{
		"label":    target.Label(),
		"score":    target.Score(),
		"dx":       geo.OffsetX,
		"dy":       geo.OffsetY,
		"distance": geo.Distance,
	})

	if err := geo.Err(); err != nil {
		l.logger.Debug("skipping actuation", "seq", out.Seq, "reason", err)
		l.skip(out.Seq, err.Error())
		return
	}

	cmd, ok := l.mapper.Map(geo)
	if !ok {
		return
	}
	if cmd.Axis() == actuator.AxisFlight && l.cfg.RequireVirtualStick && !l.state.VirtualStickEnabled {
		l.skip(out.Seq, "virtual stick disabled")
		return
	}

	if _, err := l.dispatch(cmd, out.Generation); err != nil {
		l.skip(out.Seq, err.Error())
	}
}

// dispatch sends cmd on behalf of generation gen. Loop goroutine only.
func (l *Loop) dispatch(cmd actuator.Command, gen uint64) (*actuator.Future, error) {
	ctx, cur := l.current()
	if cmd.Axis() == actuator.AxisSystem {
		ctx = l.lifeCtx
	} else if cur != gen {
		return nil, errStale
	}
	f, err := l.dispatcher.Dispatch(ctx, cmd)
	if err != nil {
		return nil, err
	}

	l.commands.Add(1)
	l.state.LastCommand[cmd.Axis()] = cmd
	if cmd.Axis() != actuator.AxisSystem {
		l.state.Phase = PhaseCorrecting
	}
	l.emit(telemetry.EventCommand, 0, cmd.String(), map[string]any{"axis": cmd.Axis().String()})

	go func() {
		<-f.Done()
		select {
		case l.completions <- completion{gen: gen, cmd: cmd, err: f.Err()}:
		case <-l.stopped:
		}
	}()
	return f, nil
}

func (l *Loop) onCompletion(c completion) {
	// One-shot results mirror aircraft state and apply in any generation
	if c.cmd.Axis() != actuator.AxisSystem && !l.gen.IsCurrent(c.gen) {
		l.stale.Add(1)
		l.logger.Debug("discarding stale completion", "command", c.cmd.String(), "generation", c.gen)
		return
	}

	if c.err != nil {
		l.logger.Warn("command failed", "command", c.cmd.String(), "error", c.err)
		l.surface.ShowMessage(c.err.Error())
		l.emit(telemetry.EventError, 0, c.err.Error(), map[string]any{"command": c.cmd.String()})
	} else {
		l.emit(telemetry.EventCompletion, 0, c.cmd.String(), nil)
		l.applyOneShot(c.cmd)
	}

	if l.state.Phase == PhaseCorrecting &&
		!l.dispatcher.Busy(actuator.AxisGimbal) && !l.dispatcher.Busy(actuator.AxisFlight) {
		if l.state.Target != nil {
			l.state.Phase = PhaseTracking
		} else {
			l.state.Phase = PhaseIdle
		}
	}
}

// applyOneShot records the aircraft state a successful one-shot implies
func (l *Loop) applyOneShot(cmd actuator.Command) {
	switch c := cmd.(type) {
	case actuator.SetVirtualStick:
		l.state.VirtualStickEnabled = c.Enabled
		if c.Enabled {
			l.surface.ShowMessage("Virtual stick enabled")
		} else {
			l.surface.ShowMessage("Virtual stick disabled")
		}
	case actuator.Takeoff:
		l.state.Airborne = true
		l.surface.ShowMessage("Takeoff started")
	case actuator.Land:
		l.state.Airborne = false
		l.surface.ShowMessage("Landing started")
	case actuator.ConfirmLanding:
		l.state.Airborne = false
		l.surface.ShowMessage("Landing confirmed")
	}
}

func (l *Loop) skip(seq uint64, reason string) {
	l.skipped.Add(1)
	l.emit(telemetry.EventSkip, seq, reason, nil)
}

func (l *Loop) emit(t telemetry.EventType, seq uint64, msg string, fields map[string]any) {
	l.sink.Emit(telemetry.Event{
		Time:       time.Now(),
		Type:       t,
		Generation: l.gen.Current(),
		Seq:        seq,
		Message:    msg,
		Fields:     fields,
	})
}
