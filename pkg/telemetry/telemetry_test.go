package telemetry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memWriter struct {
	mu     sync.Mutex
	events []Event
	fail   bool
	block  chan struct{}
}

func (w *memWriter) Write(ctx context.Context, e Event) error {
	if w.block != nil {
		<-w.block
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail {
		return errors.New("backend down")
	}
	w.events = append(w.events, e)
	return nil
}

func (w *memWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.events)
}

func TestMulti(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	m := Multi{a, nil, b}

	m.Emit(Event{Type: EventTarget, Seq: 5})

	if len(a.Events()) != 1 || len(b.Events()) != 1 {
		t.Fatalf("got %d/%d events, want 1/1", len(a.Events()), len(b.Events()))
	}
	if a.Events()[0].Seq != 5 {
		t.Errorf("seq = %d, want 5", a.Events()[0].Seq)
	}
}

func TestRecorderOfType(t *testing.T) {
	r := &Recorder{}
	r.Emit(Event{Type: EventCommand})
	r.Emit(Event{Type: EventSkip})
	r.Emit(Event{Type: EventCommand})

	if got := len(r.OfType(EventCommand)); got != 2 {
		t.Errorf("OfType(command) = %d, want 2", got)
	}
	if got := len(r.OfType(EventError)); got != 0 {
		t.Errorf("OfType(error) = %d, want 0", got)
	}
}

func TestBuffered_Drains(t *testing.T) {
	w := &memWriter{}
	b := NewBuffered("mem", w, 8, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	for i := 0; i < 5; i++ {
		b.Emit(Event{Type: EventDetection, Seq: uint64(i)})
	}

	deadline := time.Now().Add(2 * time.Second)
	for w.count() < 5 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if w.count() != 5 {
		t.Fatalf("written = %d, want 5", w.count())
	}
	if s := b.Stats(); s.Written != 5 || s.Dropped != 0 {
		t.Errorf("stats = %+v", s)
	}
}

func TestBuffered_DropsWhenFull(t *testing.T) {
	w := &memWriter{}
	b := NewBuffered("mem", w, 2, quietLogger())

	// Not running: queue fills and the rest are dropped without blocking.
	for i := 0; i < 5; i++ {
		b.Emit(Event{Type: EventDetection})
	}
	if got := b.Stats().Dropped; got != 3 {
		t.Errorf("dropped = %d, want 3", got)
	}
}

func TestBuffered_CountsFailures(t *testing.T) {
	w := &memWriter{fail: true}
	b := NewBuffered("mem", w, 4, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	b.Emit(Event{Type: EventError})

	deadline := time.Now().Add(2 * time.Second)
	for b.Stats().Failed == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if b.Stats().Failed != 1 {
		t.Errorf("failed = %d, want 1", b.Stats().Failed)
	}
}

func TestMQTTWriter_NotConnected(t *testing.T) {
	w := NewMQTTWriter(DefaultMQTTConfig(), quietLogger())

	if err := w.Write(context.Background(), Event{Type: EventCommand}); err == nil {
		t.Error("Write before Connect should fail")
	}
	if got := w.Topic(EventCommand); got != "skytrack/events/command" {
		t.Errorf("Topic = %q", got)
	}
	w.Disconnect()
}
