package hub

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

func quietHub(name string) *Hub {
	return New(name, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestHub_RunStops(t *testing.T) {
	h := quietHub("status")
	if h.IsRunning() {
		t.Fatal("hub running before Run")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for !h.IsRunning() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !h.IsRunning() {
		t.Fatal("hub not running")
	}

	// No clients: broadcast must not block or panic
	h.BroadcastBinary([]byte{1, 2, 3})
	if err := h.BroadcastJSON(map[string]int{"n": 1}); err != nil {
		t.Errorf("BroadcastJSON error: %v", err)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	if h.IsRunning() {
		t.Error("hub still running after cancel")
	}
	if c := NewClient(h, nil); c != nil {
		t.Error("NewClient should return nil on a stopped hub")
	}
}

func runHub(t *testing.T, h *Hub) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(cancel)
	deadline := time.Now().Add(time.Second)
	for !h.IsRunning() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
}

// attach registers a connectionless client with a small queue
func attach(h *Hub, queue int) *Client {
	c := &Client{id: "test", hub: h, send: make(chan Message, queue)}
	h.register <- c
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestHub_Replay(t *testing.T) {
	h := New("status", slog.New(slog.NewTextHandler(io.Discard, nil)), WithReplay())
	runHub(t, h)

	first := attach(h, 4)
	h.BroadcastJSON(map[string]int{"n": 1})
	h.BroadcastJSON(map[string]int{"n": 2})
	waitFor(t, "two messages", func() bool { return len(first.send) == 2 })

	late := attach(h, 4)
	select {
	case msg := <-late.send:
		if string(msg.Data) != `{"n":2}` {
			t.Errorf("replayed %s, want latest", msg.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("late client got no replay")
	}
}

func TestHub_SlowPolicies(t *testing.T) {
	t.Run("skip", func(t *testing.T) {
		h := New("camera", nil, WithSlowPolicy(SkipMessage))
		runHub(t, h)
		c := attach(h, 1)
		h.BroadcastBinary([]byte{1})
		h.BroadcastBinary([]byte{2})
		waitFor(t, "skip", func() bool { return h.Stats().Skipped == 1 })
		if h.ClientCount() != 1 {
			t.Error("skipping client should stay connected")
		}
		if msg := <-c.send; msg.Data[0] != 1 {
			t.Errorf("got %v, want first frame", msg.Data)
		}
	})

	t.Run("disconnect", func(t *testing.T) {
		h := New("logs", nil)
		runHub(t, h)
		c := attach(h, 1)
		h.BroadcastJSON("a")
		h.BroadcastJSON("b")
		waitFor(t, "eviction", func() bool { return h.Stats().Evicted == 1 })
		if h.ClientCount() != 0 {
			t.Error("slow client should be removed")
		}
		<-c.send
		if _, ok := <-c.send; ok {
			t.Error("send channel should be closed after eviction")
		}
	})
}

func TestHub_DropsWhenFull(t *testing.T) {
	h := quietHub("logs")
	for i := 0; i < 300; i++ {
		h.Broadcast(NewJSONMessage([]byte(`{}`)))
	}
	if h.Dropped() != 300-256 {
		t.Errorf("Dropped = %d, want %d", h.Dropped(), 300-256)
	}
}

func TestHub_BroadcastJSONError(t *testing.T) {
	h := quietHub("detections")
	if err := h.BroadcastJSON(make(chan int)); err == nil {
		t.Error("expected marshal error")
	}
	if h.ClientCount() != 0 {
		t.Error("ClientCount should be 0")
	}
}

func TestMessageConstructors(t *testing.T) {
	if m := NewJSONMessage([]byte("{}")); m.Type != JSONMessage {
		t.Errorf("type = %v, want JSONMessage", m.Type)
	}
	if m := NewBinaryMessage([]byte{0xff}); m.Type != BinaryMessage || len(m.Data) != 1 {
		t.Errorf("binary message = %+v", m)
	}
}

func TestMessage_WSType(t *testing.T) {
	if NewJSONMessage(nil).wsType() != 1 {
		t.Error("JSON messages should be text frames")
	}
	if NewBinaryMessage(nil).wsType() != 2 {
		t.Error("binary messages should be binary frames")
	}
}
