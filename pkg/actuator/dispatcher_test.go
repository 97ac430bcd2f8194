package actuator

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFuture(t *testing.T, f *Future) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := f.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("future did not resolve")
	}
	return err
}

func TestDispatchNilHandles(t *testing.T) {
	var buf bytes.Buffer
	d := NewDispatcher(nil, nil, WithLogger(slog.New(slog.NewTextHandler(&buf, nil))))

	cmds := []Command{
		GimbalRotation{Pitch: 10, Mode: ModeSpeed},
		FlightControl{Yaw: 2},
		Takeoff{},
		Land{},
		ConfirmLanding{},
		SetVirtualStick{Enabled: true},
	}
	for _, cmd := range cmds {
		f, err := d.Dispatch(context.Background(), cmd)
		if !errors.Is(err, ErrNotConnected) {
			t.Errorf("Dispatch(%s) error = %v, want ErrNotConnected", cmd, err)
		}
		if f != nil {
			t.Errorf("Dispatch(%s) returned a future for a skipped command", cmd)
		}
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != len(cmds) {
		t.Fatalf("logged %d lines, want one per command:\n%s", len(lines), buf.String())
	}
	for i, line := range lines {
		if !strings.Contains(line, "level=WARN") || !strings.Contains(line, `msg="command skipped"`) {
			t.Errorf("line %d = %q, want a WARN command skipped entry", i, line)
		}
		if !strings.Contains(line, "component=actuator") {
			t.Errorf("line %d missing component: %q", i, line)
		}
	}
}

func TestDispatchDisconnected(t *testing.T) {
	m := NewMock()
	m.SetConnected(false)
	d := NewDispatcher(m, m, WithLogger(quietLogger()))

	_, err := d.Dispatch(context.Background(), GimbalRotation{Yaw: 10})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("error = %v, want ErrNotConnected", err)
	}
	if got := len(m.Calls()); got != 0 {
		t.Errorf("mock received %d calls, want 0", got)
	}
}

func TestDispatchRoutesCommands(t *testing.T) {
	tests := []struct {
		cmd    Command
		method string
	}{
		{GimbalRotation{Pitch: -10, Mode: ModeSpeed}, "Rotate"},
		{FlightControl{Yaw: 1.5, Throttle: -0.5}, "SendVirtualStick"},
		{Takeoff{}, "StartTakeoff"},
		{Land{}, "StartLanding"},
		{ConfirmLanding{}, "ConfirmLanding"},
		{SetVirtualStick{Enabled: true}, "SetVirtualStickModeEnabled"},
	}

	for _, tt := range tests {
		t.Run(tt.cmd.String(), func(t *testing.T) {
			m := NewMock()
			d := NewDispatcher(m, m, WithLogger(quietLogger()))

			f, err := d.Dispatch(context.Background(), tt.cmd)
			if err != nil {
				t.Fatalf("Dispatch error: %v", err)
			}
			if err := waitFuture(t, f); err != nil {
				t.Fatalf("completion error: %v", err)
			}
			calls := m.Calls()
			if len(calls) != 1 {
				t.Fatalf("got %d calls, want 1", len(calls))
			}
			if calls[0].Method != tt.method {
				t.Errorf("method = %s, want %s", calls[0].Method, tt.method)
			}
			if calls[0].Command != tt.cmd {
				t.Errorf("command = %v, want %v", calls[0].Command, tt.cmd)
			}
		})
	}
}

func TestDispatchAxisBusy(t *testing.T) {
	release := make(chan struct{})
	m := NewMock()
	m.RotateFunc = func(ctx context.Context, r GimbalRotation) error {
		<-release
		return nil
	}
	d := NewDispatcher(m, m, WithLogger(quietLogger()))
	ctx := context.Background()

	first, err := d.Dispatch(ctx, GimbalRotation{Yaw: 10})
	if err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	if !d.Busy(AxisGimbal) {
		t.Fatal("gimbal axis should be busy")
	}

	if _, err := d.Dispatch(ctx, GimbalRotation{Yaw: -10}); !errors.Is(err, ErrAxisBusy) {
		t.Fatalf("second dispatch error = %v, want ErrAxisBusy", err)
	}

	// The flight axis is independent.
	other, err := d.Dispatch(ctx, FlightControl{Yaw: 1})
	if err != nil {
		t.Fatalf("flight dispatch while gimbal busy: %v", err)
	}
	if err := waitFuture(t, other); err != nil {
		t.Fatalf("flight completion: %v", err)
	}

	close(release)
	if err := waitFuture(t, first); err != nil {
		t.Fatalf("first completion: %v", err)
	}
	if d.Busy(AxisGimbal) {
		t.Error("gimbal axis should be free after completion")
	}
	if got := m.CallCount("Rotate"); got != 1 {
		t.Errorf("Rotate called %d times, want 1", got)
	}

	// Free again once the first call resolved.
	f, err := d.Dispatch(ctx, GimbalRotation{Yaw: 10})
	if err != nil {
		t.Fatalf("dispatch after release: %v", err)
	}
	if err := waitFuture(t, f); err != nil {
		t.Fatal(err)
	}
}

func TestDispatchFailure(t *testing.T) {
	m := NewMock()
	m.RotateFunc = func(ctx context.Context, r GimbalRotation) error {
		return errors.New("gimbal is not ready")
	}
	d := NewDispatcher(m, m, WithLogger(quietLogger()))

	f, err := d.Dispatch(context.Background(), GimbalRotation{Yaw: 10})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	err = waitFuture(t, f)

	var ae *ActuationError
	if !errors.As(err, &ae) {
		t.Fatalf("error = %T %v, want *ActuationError", err, err)
	}
	if ae.Description != "gimbal is not ready" {
		t.Errorf("description = %q", ae.Description)
	}
	if ae.Axis != AxisGimbal || ae.Op != "rotate" {
		t.Errorf("axis/op = %s/%s", ae.Axis, ae.Op)
	}
	if ae.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", ae.Attempts)
	}
	if IsSkip(err) {
		t.Error("completion failure must not be reported as a skip")
	}
}

func TestDispatchRetry(t *testing.T) {
	m := NewMock()
	n := 0
	m.SendVirtualStickFunc = func(ctx context.Context, fc FlightControl) error {
		n++
		if n < 3 {
			return errors.New("link busy")
		}
		return nil
	}
	d := NewDispatcher(m, m,
		WithLogger(quietLogger()),
		WithRetry(RetryPolicy{MaxAttempts: 3, Backoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}),
	)

	f, err := d.Dispatch(context.Background(), FlightControl{Throttle: 1})
	if err != nil {
		t.Fatal(err)
	}
	if err := waitFuture(t, f); err != nil {
		t.Fatalf("completion error = %v, want nil after retries", err)
	}
	if got := m.CallCount("SendVirtualStick"); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestDispatchRetryExhausted(t *testing.T) {
	m := NewMock()
	m.TakeoffFunc = func(ctx context.Context) error { return errors.New("motors locked") }
	d := NewDispatcher(m, m,
		WithLogger(quietLogger()),
		WithRetry(RetryPolicy{MaxAttempts: 2, Backoff: time.Millisecond}),
	)

	f, err := d.Dispatch(context.Background(), Takeoff{})
	if err != nil {
		t.Fatal(err)
	}
	var ae *ActuationError
	if err := waitFuture(t, f); !errors.As(err, &ae) || ae.Attempts != 2 {
		t.Fatalf("error = %v, want ActuationError after 2 attempts", err)
	}
}

func TestSetHandles(t *testing.T) {
	d := NewDispatcher(nil, nil, WithLogger(quietLogger()))
	if d.Connected(AxisGimbal) || d.Connected(AxisFlight) {
		t.Fatal("nil handles should not be connected")
	}

	m := NewMock()
	d.SetGimbal(m)
	d.SetFlightController(m)
	if !d.Connected(AxisGimbal) || !d.Connected(AxisFlight) || !d.Connected(AxisSystem) {
		t.Fatal("handles should be connected after Set")
	}
}

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, Backoff: 10 * time.Millisecond, MaxBackoff: 30 * time.Millisecond}
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond, 30 * time.Millisecond}
	for i, w := range want {
		if got := p.delay(i + 1); got != w {
			t.Errorf("delay(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestParseOneShot(t *testing.T) {
	tests := []struct {
		name string
		want Command
		ok   bool
	}{
		{"takeoff", Takeoff{}, true},
		{"land", Land{}, true},
		{"confirm-landing", ConfirmLanding{}, true},
		{"virtual-stick-on", SetVirtualStick{Enabled: true}, true},
		{"virtual-stick-off", SetVirtualStick{Enabled: false}, true},
		{"barrel-roll", nil, false},
	}
	for _, tt := range tests {
		got, ok := ParseOneShot(tt.name)
		if ok != tt.ok || got != tt.want {
			t.Errorf("ParseOneShot(%q) = %v, %v; want %v, %v", tt.name, got, ok, tt.want, tt.ok)
		}
	}
}

func TestFuture(t *testing.T) {
	f := newFuture()
	if f.Err() != nil {
		t.Error("unresolved future should report nil error")
	}
	select {
	case <-f.Done():
		t.Fatal("future resolved early")
	default:
	}

	want := errors.New("boom")
	f.resolve(want)
	f.resolve(nil) // second resolve is ignored
	if !errors.Is(f.Err(), want) {
		t.Errorf("Err() = %v, want %v", f.Err(), want)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pending := newFuture()
	if err := pending.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait on cancelled ctx = %v", err)
	}
	if err := Resolved(nil).Wait(context.Background()); err != nil {
		t.Errorf("Resolved(nil).Wait = %v", err)
	}
}
