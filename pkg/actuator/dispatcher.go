package actuator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// RetryPolicy bounds resends of a failed command.
// The default is a single attempt.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
}

// DefaultRetryPolicy sends once and gives up.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1, Backoff: 100 * time.Millisecond, MaxBackoff: time.Second}
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.Backoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d > p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return d
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRetry sets the retry policy.
func WithRetry(p RetryPolicy) Option {
	return func(d *Dispatcher) {
		if p.MaxAttempts < 1 {
			p.MaxAttempts = 1
		}
		d.retry = p
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l.With("component", "actuator") }
}

// Dispatcher routes commands to the gimbal or flight controller with at
// most one outstanding command per axis. Commands issued on a busy axis
// are dropped, never queued.
type Dispatcher struct {
	mu       sync.Mutex
	gimbal   Gimbal
	flight   FlightController
	inflight map[Axis]bool

	retry  RetryPolicy
	logger *slog.Logger
}

// NewDispatcher creates a dispatcher. Either handle may be nil; commands
// for a nil or disconnected handle are skipped with ErrNotConnected.
func NewDispatcher(g Gimbal, fc FlightController, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		gimbal:   g,
		flight:   fc,
		inflight: make(map[Axis]bool),
		retry:    DefaultRetryPolicy(),
		logger:   slog.Default().With("component", "actuator"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SetGimbal replaces the gimbal handle.
func (d *Dispatcher) SetGimbal(g Gimbal) {
	d.mu.Lock()
	d.gimbal = g
	d.mu.Unlock()
}

// SetFlightController replaces the flight controller handle.
func (d *Dispatcher) SetFlightController(fc FlightController) {
	d.mu.Lock()
	d.flight = fc
	d.mu.Unlock()
}

// Connected reports whether the handle serving axis is present and connected.
func (d *Dispatcher) Connected(axis Axis) bool {
	d.mu.Lock()
	g, fc := d.gimbal, d.flight
	d.mu.Unlock()
	switch axis {
	case AxisGimbal:
		return g != nil && g.Connected()
	case AxisFlight, AxisSystem:
		return fc != nil && fc.Connected()
	}
	return false
}

// Busy reports whether a command is outstanding on axis.
func (d *Dispatcher) Busy(axis Axis) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inflight[axis]
}

// Dispatch issues cmd asynchronously. A nil error means the command was
// sent and the returned Future resolves with its completion. ErrNotConnected
// and ErrAxisBusy mean nothing was sent.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command) (*Future, error) {
	if cmd == nil {
		return nil, ErrUnknownCommand
	}
	axis := cmd.Axis()

	d.mu.Lock()
	call, op, err := d.bind(cmd)
	if err != nil {
		d.mu.Unlock()
		d.logger.Warn("command skipped", "axis", axis.String(), "command", cmd.String(), "reason", err)
		return nil, err
	}
	if d.inflight[axis] {
		d.mu.Unlock()
		d.logger.Debug("command dropped, axis busy", "axis", axis.String(), "command", cmd.String())
		return nil, ErrAxisBusy
	}
	d.inflight[axis] = true
	d.mu.Unlock()

	f := newFuture()
	go func() {
		err := d.send(ctx, axis, op, call)
		d.mu.Lock()
		delete(d.inflight, axis)
		d.mu.Unlock()
		f.resolve(err)
	}()
	return f, nil
}

// bind resolves cmd to a handle call. Caller holds d.mu.
func (d *Dispatcher) bind(cmd Command) (func(context.Context) error, string, error) {
	switch c := cmd.(type) {
	case GimbalRotation:
		g := d.gimbal
		if g == nil || !g.Connected() {
			return nil, "", ErrNotConnected
		}
		return func(ctx context.Context) error { return g.Rotate(ctx, c) }, "rotate", nil
	}

	fc := d.flight
	var call func(context.Context) error
	var op string
	switch c := cmd.(type) {
	case FlightControl:
		op = "virtual-stick"
		call = func(ctx context.Context) error { return fc.SendVirtualStick(ctx, c) }
	case Takeoff:
		op = "takeoff"
		call = func(ctx context.Context) error { return fc.StartTakeoff(ctx) }
	case Land:
		op = "land"
		call = func(ctx context.Context) error { return fc.StartLanding(ctx) }
	case ConfirmLanding:
		op = "confirm-landing"
		call = func(ctx context.Context) error { return fc.ConfirmLanding(ctx) }
	case SetVirtualStick:
		op = "set-virtual-stick"
		call = func(ctx context.Context) error { return fc.SetVirtualStickModeEnabled(ctx, c.Enabled) }
	default:
		return nil, "", fmt.Errorf("%w: %T", ErrUnknownCommand, cmd)
	}
	if fc == nil || !fc.Connected() {
		return nil, "", ErrNotConnected
	}
	return call, op, nil
}

func (d *Dispatcher) send(ctx context.Context, axis Axis, op string, call func(context.Context) error) error {
	var err error
	attempts := 0
retry:
	for attempts < d.retry.MaxAttempts {
		attempts++
		if err = call(ctx); err == nil {
			return nil
		}
		if ctx.Err() != nil || attempts == d.retry.MaxAttempts {
			break
		}
		d.logger.Debug("retrying command", "axis", axis.String(), "op", op, "attempt", attempts, "error", err)
		select {
		case <-time.After(d.retry.delay(attempts)):
		case <-ctx.Done():
			break retry
		}
	}
	return &ActuationError{
		Op:          op,
		Axis:        axis,
		Description: err.Error(),
		Attempts:    attempts,
		Err:         err,
	}
}
