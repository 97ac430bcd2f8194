package detection

import (
	"context"
	"sync"
)

// MockEngine implements Engine for testing and simulation
type MockEngine struct {
	// DetectFunc is called when Detect is invoked. When nil, Results is returned.
	DetectFunc func(ctx context.Context, img Image, opts Options) ([]Detection, error)

	// Results is returned by Detect when DetectFunc is nil
	Results []Detection

	mu     sync.Mutex
	calls  int
	closed bool
}

// Detect implements Engine
func (m *MockEngine) Detect(ctx context.Context, img Image, opts Options) ([]Detection, error) {
	m.mu.Lock()
	m.calls++
	fn := m.DetectFunc
	res := m.Results
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, img, opts)
	}
	out := make([]Detection, len(res))
	copy(out, res)
	return out, nil
}

// Close implements Engine
func (m *MockEngine) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Calls returns how many times Detect was invoked
func (m *MockEngine) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Closed reports whether Close was called
func (m *MockEngine) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

var _ Engine = (*MockEngine)(nil)
