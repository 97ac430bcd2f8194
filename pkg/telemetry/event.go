// Package telemetry records tracker events to external sinks.
//
// The control loop emits events synchronously through a Sink. Slow
// backends (MQTT, SQLite) implement Writer and are wrapped in a Buffered
// sink so the loop never blocks on I/O.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// EventType classifies an event
type EventType string

const (
	EventDetection  EventType = "detection"
	EventTarget     EventType = "target"
	EventCommand    EventType = "command"
	EventCompletion EventType = "completion"
	EventSkip       EventType = "skip"
	EventError      EventType = "error"
	EventLifecycle  EventType = "lifecycle"
)

// Event is one tracker occurrence
type Event struct {
	Time       time.Time      `json:"time"`
	Type       EventType      `json:"type"`
	Generation uint64         `json:"generation"`
	Seq        uint64         `json:"seq,omitempty"`
	Message    string         `json:"message,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
}

// Sink receives events. Emit must not block.
type Sink interface {
	Emit(e Event)
}

// Writer is a synchronous event backend
type Writer interface {
	Write(ctx context.Context, e Event) error
}

// Nop discards events
type Nop struct{}

// Emit implements Sink
func (Nop) Emit(Event) {}

// Multi fans an event out to several sinks
type Multi []Sink

// Emit implements Sink
func (m Multi) Emit(e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(e)
		}
	}
}

// Buffered queues events for a Writer and drains them on Run's goroutine.
// Events emitted while the queue is full are dropped and counted.
type Buffered struct {
	name    string
	w       Writer
	ch      chan Event
	dropped atomic.Uint64
	written atomic.Uint64
	failed  atomic.Uint64
	logger  *slog.Logger
}

// NewBuffered wraps w with a queue of size events
func NewBuffered(name string, w Writer, size int, logger *slog.Logger) *Buffered {
	if size <= 0 {
		size = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Buffered{
		name:   name,
		w:      w,
		ch:     make(chan Event, size),
		logger: logger.With("component", "telemetry."+name),
	}
}

// Emit implements Sink
func (b *Buffered) Emit(e Event) {
	select {
	case b.ch <- e:
	default:
		if b.dropped.Add(1)%100 == 1 {
			b.logger.Warn("telemetry queue full, dropping events", "dropped", b.dropped.Load())
		}
	}
}

// Run writes queued events until ctx is cancelled
func (b *Buffered) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-b.ch:
			if err := b.w.Write(ctx, e); err != nil {
				b.failed.Add(1)
				b.logger.Debug("telemetry write failed", "type", e.Type, "error", err)
				continue
			}
			b.written.Add(1)
		}
	}
}

// BufferedStats reports queue counters
type BufferedStats struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
}

// Stats returns queue counters
func (b *Buffered) Stats() BufferedStats {
	return BufferedStats{
		Written: b.written.Load(),
		Failed:  b.failed.Load(),
		Dropped: b.dropped.Load(),
	}
}

// Recorder keeps every event in memory
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements Sink
func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of recorded events
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns recorded events of type t
func (r *Recorder) OfType(t EventType) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
