package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
)

// SlowPolicy decides what happens to a client whose queue is full
type SlowPolicy int

const (
	// Disconnect closes the client. Use for feeds where a gap is a lie
	// (logs, status transitions).
	Disconnect SlowPolicy = iota
	// SkipMessage drops the message for that client only. Use for feeds
	// where only the newest value matters (camera, detections).
	SkipMessage
)

// Option configures a Hub
type Option func(*Hub)

// WithReplay sends the most recent broadcast to every new client
func WithReplay() Option {
	return func(h *Hub) { h.replay = true }
}

// WithSlowPolicy sets how slow clients are handled
func WithSlowPolicy(p SlowPolicy) Option {
	return func(h *Hub) { h.slow = p }
}

// Stats reports hub counters
type Stats struct {
	Name    string `json:"name"`
	Clients int    `json:"clients"`
	Sent    uint64 `json:"sent"`
	Skipped uint64 `json:"skipped"` // per-client skips under SkipMessage
	Evicted uint64 `json:"evicted"` // clients closed under Disconnect
	Dropped uint64 `json:"dropped"` // broadcasts lost before fan-out
}

// Hub owns one dashboard channel. All client bookkeeping happens on the
// Run goroutine; producers only touch the broadcast queue.
type Hub struct {
	name   string
	logger *slog.Logger
	replay bool
	slow   SlowPolicy

	clients    map[*Client]struct{}
	last       *Message
	broadcast  chan Message
	register   chan *Client
	unregister chan *Client

	// Guards clients for ClientCount
	mu sync.RWMutex

	running atomic.Bool
	done    chan struct{}

	sent    atomic.Uint64
	skipped atomic.Uint64
	evicted atomic.Uint64
	dropped atomic.Uint64
}

// New creates a hub. name tags its log lines and stats.
func New(name string, logger *slog.Logger, opts ...Option) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		name:       name,
		logger:     logger.With("component", "hub", "hub", name),
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run fans messages out until ctx is cancelled. Call once.
func (h *Hub) Run(ctx context.Context) {
	h.running.Store(true)
	defer h.shutdown()

	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.register:
			h.add(c)
		case c := <-h.unregister:
			h.remove(c, "disconnected")
		case msg := <-h.broadcast:
			h.fanOut(msg)
		}
	}
}

func (h *Hub) shutdown() {
	h.running.Store(false)
	close(h.done)
	h.mu.Lock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
	h.mu.Unlock()
}

func (h *Hub) add(c *Client) {
	if h.replay && h.last != nil {
		c.send <- *h.last
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("client connected", "client", c.id, "addr", c.addr, "total", n)
}

func (h *Hub) remove(c *Client, reason string) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		h.logger.Debug("client removed", "client", c.id, "reason", reason, "remaining", n)
	}
}

func (h *Hub) fanOut(msg Message) {
	if h.replay {
		m := msg
		h.last = &m
	}

	h.mu.RLock()
	var slow []*Client
	for c := range h.clients {
		select {
		case c.send <- msg:
			h.sent.Add(1)
		default:
			if h.slow == SkipMessage {
				h.skipped.Add(1)
				continue
			}
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.evicted.Add(1)
		h.remove(c, "too slow")
		h.logger.Warn("evicted slow client", "client", c.id)
	}
}

// Broadcast queues msg for every client. It never blocks: when the queue
// is full the message is dropped.
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	default:
		if h.dropped.Add(1)%100 == 1 {
			h.logger.Warn("broadcast queue full, dropping messages", "dropped", h.dropped.Load())
		}
	}
}

// BroadcastJSON encodes v and broadcasts it as a text frame
func (h *Hub) BroadcastJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.Broadcast(NewJSONMessage(data))
	return nil
}

// BroadcastBinary broadcasts raw bytes (camera JPEGs)
func (h *Hub) BroadcastBinary(data []byte) {
	h.Broadcast(NewBinaryMessage(data))
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// IsRunning reports whether Run is active
func (h *Hub) IsRunning() bool {
	return h.running.Load()
}

// Dropped returns how many broadcasts were discarded before fan-out
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Stats returns the hub counters
func (h *Hub) Stats() Stats {
	return Stats{
		Name:    h.name,
		Clients: h.ClientCount(),
		Sent:    h.sent.Load(),
		Skipped: h.skipped.Load(),
		Evicted: h.evicted.Load(),
		Dropped: h.dropped.Load(),
	}
}
