package actuator

import (
	"context"
	"sync"
	"time"
)

// MockCall records a method invocation.
type MockCall struct {
	Method  string
	Command Command
	Time    time.Time
}

// Mock implements Gimbal and FlightController for testing.
// Each call is recorded and then delegated to the matching Func field,
// or succeeds immediately when the field is nil.
type Mock struct {
	// ConnectedValue is returned by Connected.
	ConnectedValue bool

	RotateFunc           func(ctx context.Context, r GimbalRotation) error
	SendVirtualStickFunc func(ctx context.Context, fc FlightControl) error
	TakeoffFunc          func(ctx context.Context) error
	LandingFunc          func(ctx context.Context) error
	ConfirmLandingFunc   func(ctx context.Context) error
	SetVirtualStickFunc  func(ctx context.Context, enabled bool) error

	mu    sync.Mutex
	calls []MockCall
}

// NewMock creates a connected mock.
func NewMock() *Mock {
	return &Mock{ConnectedValue: true}
}

// Connected returns ConnectedValue.
func (m *Mock) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ConnectedValue
}

// SetConnected changes the value returned by Connected.
func (m *Mock) SetConnected(v bool) {
	m.mu.Lock()
	m.ConnectedValue = v
	m.mu.Unlock()
}

// Rotate records the call and delegates to RotateFunc.
func (m *Mock) Rotate(ctx context.Context, r GimbalRotation) error {
	m.record("Rotate", r)
	if m.RotateFunc != nil {
		return m.RotateFunc(ctx, r)
	}
	return nil
}

// SendVirtualStick records the call and delegates to SendVirtualStickFunc.
func (m *Mock) SendVirtualStick(ctx context.Context, fc FlightControl) error {
	m.record("SendVirtualStick", fc)
	if m.SendVirtualStickFunc != nil {
		return m.SendVirtualStickFunc(ctx, fc)
	}
	return nil
}

// StartTakeoff records the call and delegates to TakeoffFunc.
func (m *Mock) StartTakeoff(ctx context.Context) error {
	m.record("StartTakeoff", Takeoff{})
	if m.TakeoffFunc != nil {
		return m.TakeoffFunc(ctx)
	}
	return nil
}

// StartLanding records the call and delegates to LandingFunc.
func (m *Mock) StartLanding(ctx context.Context) error {
	m.record("StartLanding", Land{})
	if m.LandingFunc != nil {
		return m.LandingFunc(ctx)
	}
	return nil
}

// ConfirmLanding records the call and delegates to ConfirmLandingFunc.
func (m *Mock) ConfirmLanding(ctx context.Context) error {
	m.record("ConfirmLanding", ConfirmLanding{})
	if m.ConfirmLandingFunc != nil {
		return m.ConfirmLandingFunc(ctx)
	}
	return nil
}

// SetVirtualStickModeEnabled records the call and delegates to SetVirtualStickFunc.
func (m *Mock) SetVirtualStickModeEnabled(ctx context.Context, enabled bool) error {
	m.record("SetVirtualStickModeEnabled", SetVirtualStick{Enabled: enabled})
	if m.SetVirtualStickFunc != nil {
		return m.SetVirtualStickFunc(ctx, enabled)
	}
	return nil
}

func (m *Mock) record(method string, cmd Command) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, MockCall{Method: method, Command: cmd, Time: time.Now()})
}

// Calls returns a copy of all recorded calls.
func (m *Mock) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns the number of calls to method.
func (m *Mock) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears recorded calls.
func (m *Mock) Reset() {
	m.mu.Lock()
	m.calls = nil
	m.mu.Unlock()
}

var (
	_ Gimbal           = (*Mock)(nil)
	_ FlightController = (*Mock)(nil)
)
