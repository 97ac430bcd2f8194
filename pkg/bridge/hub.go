// Package bridge connects the tracker to the drone-side SDK app over
// WebSocket.
//
// The drone app dials the Hub, streams frames and aircraft state, and
// executes gimbal, virtual-stick and one-shot commands. Each command
// carries a uuid and completes when the app sends an ack with the same id.
// The Hub exposes the aircraft as actuator.Gimbal and
// actuator.FlightController handles and as a video.Source.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/teslashibe/go-skytrack/pkg/actuator"
	"github.com/teslashibe/go-skytrack/pkg/protocol"
	"github.com/teslashibe/go-skytrack/pkg/video"
)

// DefaultAckTimeout bounds a command when the caller's context has no deadline
const DefaultAckTimeout = 5 * time.Second

var (
	// ErrNoDrone is returned when no drone app is connected
	ErrNoDrone = errors.New("bridge: no drone connected")

	// ErrDisconnected fails commands outstanding when the drone drops
	ErrDisconnected = errors.New("bridge: drone disconnected")
)

// DroneConnection represents a connected drone app
type DroneConnection struct {
	ID        string
	Conn      *websocket.Conn
	Connected time.Time
	LastSeen  time.Time
	State     protocol.StateData

	mu sync.Mutex
}

// Send sends a message to the drone
func (d *DroneConnection) Send(msg *protocol.Message) error {
	data, err := msg.Marshal()
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Conn.WriteMessage(websocket.TextMessage, data)
}

// Config configures the hub
type Config struct {
	AckTimeout time.Duration `yaml:"ack_timeout"`
}

// DefaultConfig returns the default hub configuration
func DefaultConfig() Config {
	return Config{AckTimeout: DefaultAckTimeout}
}

// Hub manages the WebSocket connection from drone apps. The most recently
// connected drone receives commands.
type Hub struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.RWMutex
	drones  map[string]*DroneConnection
	active  string
	pending map[string]pendingCmd

	// Frames
	frameMu   sync.RWMutex
	onFrame   video.FrameHandler
	width     int
	height    int
	frameSeq  atomic.Uint64
	closed    chan struct{}
	closeOnce sync.Once

	// Stats
	messagesReceived atomic.Uint64
	messagesSent     atomic.Uint64
	framesReceived   atomic.Uint64
	acksReceived     atomic.Uint64
}

type pendingCmd struct {
	drone *DroneConnection
	done  chan error
}

// NewHub creates a new drone hub
func NewHub(cfg Config, logger *slog.Logger) *Hub {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		cfg:     cfg,
		logger:  logger.With("component", "bridge"),
		drones:  make(map[string]*DroneConnection),
		pending: make(map[string]pendingCmd),
		closed:  make(chan struct{}),
	}
}

// RegisterRoutes registers WebSocket routes on a Fiber app
func (h *Hub) RegisterRoutes(app *fiber.App) {
	// WebSocket upgrade middleware
	app.Use("/ws/drone", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	// Drone connection endpoint
	app.Get("/ws/drone", websocket.New(h.handleDrone))
	app.Get("/ws/drone/:id", websocket.New(h.handleDrone))
}

// handleDrone handles a drone WebSocket connection
func (h *Hub) handleDrone(c *websocket.Conn) {
	droneID := c.Params("id")
	if droneID == "" {
		droneID = uuid.NewString()
	}

	drone := &DroneConnection{
		ID:        droneID,
		Conn:      c,
		Connected: time.Now(),
		LastSeen:  time.Now(),
		// Until the app reports otherwise both handles are assumed present
		State: protocol.StateData{GimbalConnected: true, FlightConnected: true},
	}

	h.mu.Lock()
	_, replaced := h.drones[droneID]
	h.drones[droneID] = drone
	h.active = droneID
	droneCount := len(h.drones)
	h.mu.Unlock()

	h.logger.Info("drone connected", "drone", droneID, "total", droneCount, "replaced", replaced)

	defer func() {
		h.mu.Lock()
		// A reconnect under the same id owns the entry now
		current := h.drones[droneID] == drone
		if current {
			delete(h.drones, droneID)
			if h.active == droneID {
				h.active = ""
				for id := range h.drones {
					h.active = id
					break
				}
			}
		}
		droneCount := len(h.drones)
		h.mu.Unlock()

		h.failPending(drone, ErrDisconnected)
		h.logger.Info("drone disconnected", "drone", droneID, "total", droneCount, "superseded", !current)
	}()

	// Read loop
	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			h.logger.Debug("drone read error", "drone", droneID, "error", err)
			return
		}

		drone.mu.Lock()
		drone.LastSeen = time.Now()
		drone.mu.Unlock()

		h.messagesReceived.Add(1)
		h.handleMessage(drone, data)
	}
}

// handleMessage processes an incoming message from a drone
func (h *Hub) handleMessage(drone *DroneConnection, data []byte) {
	msg, err := protocol.Parse(data)
	if err != nil {
		h.logger.Warn("parse error", "drone", drone.ID, "error", err)
		return
	}

	switch msg.Type {
	case protocol.TypeFrame:
		h.framesReceived.Add(1)
		frame, err := protocol.Decode[protocol.FrameData](msg)
		if err != nil {
			h.logger.Debug("bad frame", "drone", drone.ID, "error", err)
			return
		}
		if age := msg.Age(time.Now()); age > time.Second {
			h.logger.Debug("stale frame", "drone", drone.ID, "frame", frame.FrameID, "age", age)
		}
		h.deliverFrame(frame)

	case protocol.TypeAck:
		h.acksReceived.Add(1)
		ack, err := protocol.Decode[protocol.AckData](msg)
		if err != nil {
			h.logger.Warn("bad ack", "drone", drone.ID, "id", msg.ID, "error", err)
			return
		}
		h.complete(msg.ID, ack.Err())

	case protocol.TypeState:
		state, err := protocol.Decode[protocol.StateData](msg)
		if err != nil {
			return
		}
		drone.mu.Lock()
		drone.State = state
		drone.mu.Unlock()
		h.logger.Debug("drone state", "drone", drone.ID,
			"gimbal", state.GimbalConnected,
			"flight", state.FlightConnected,
			"virtual_stick", state.VirtualStickEnabled,
			"altitude", state.Altitude,
		)

	case protocol.TypePing:
		pong, err := protocol.Encode("", protocol.PongFor(msg, time.Now().UnixMilli()))
		if err == nil {
			h.messagesSent.Add(1)
			drone.Send(pong)
		}
	}
}

func (h *Hub) deliverFrame(fd protocol.FrameData) {
	data, err := fd.Image()
	if err != nil {
		h.logger.Debug("frame decode failed", "error", err)
		return
	}

	seq := fd.FrameID
	if seq == 0 {
		seq = h.frameSeq.Add(1)
	}

	h.frameMu.Lock()
	h.width, h.height = fd.Width, fd.Height
	handler := h.onFrame
	h.frameMu.Unlock()

	if handler != nil {
		handler(video.Frame{
			Data:   data,
			Width:  fd.Width,
			Height: fd.Height,
			Format: fd.Format,
			Seq:    seq,
		})
	}
}

// request sends msg to the active drone and waits for its ack
func (h *Hub) request(ctx context.Context, msg *protocol.Message) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cfg.AckTimeout)
		defer cancel()
	}

	id := uuid.NewString()
	msg.ID = id
	done := make(chan error, 1)

	h.mu.Lock()
	drone, ok := h.drones[h.active]
	if !ok {
		h.mu.Unlock()
		return ErrNoDrone
	}
	h.pending[id] = pendingCmd{drone: drone, done: done}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.pending, id)
		h.mu.Unlock()
	}()

	h.messagesSent.Add(1)
	if err := drone.Send(msg); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// complete resolves the command with id
func (h *Hub) complete(id string, err error) {
	h.mu.Lock()
	p, ok := h.pending[id]
	delete(h.pending, id)
	h.mu.Unlock()

	if !ok {
		h.logger.Debug("ack for unknown command", "id", id)
		return
	}
	p.done <- err
}

// failPending fails every command outstanding on the drone connection
func (h *Hub) failPending(drone *DroneConnection, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, p := range h.pending {
		if p.drone == drone {
			p.done <- err
			delete(h.pending, id)
		}
	}
}

// activeState returns the reported state of the active drone
func (h *Hub) activeState() (protocol.StateData, bool) {
	h.mu.RLock()
	drone, ok := h.drones[h.active]
	h.mu.RUnlock()
	if !ok {
		return protocol.StateData{}, false
	}
	drone.mu.Lock()
	defer drone.mu.Unlock()
	return drone.State, true
}

// Altitude returns the active drone's reported altitude in meters
func (h *Hub) Altitude() (float64, bool) {
	s, ok := h.activeState()
	return s.Altitude, ok
}

// Connected reports whether a drone app is connected
func (h *Hub) Connected() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.drones[h.active]
	return ok
}

// GetDrone returns a drone connection by ID
func (h *Hub) GetDrone(droneID string) *DroneConnection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.drones[droneID]
}

// DroneCount returns the number of connected drones
func (h *Hub) DroneCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.drones)
}

// Stats contains hub statistics
type Stats struct {
	DroneCount       int    `json:"drone_count"`
	Pending          int    `json:"pending"`
	MessagesReceived uint64 `json:"messages_received"`
	MessagesSent     uint64 `json:"messages_sent"`
	FramesReceived   uint64 `json:"frames_received"`
	AcksReceived     uint64 `json:"acks_received"`
}

// GetStats returns hub statistics
func (h *Hub) GetStats() Stats {
	h.mu.RLock()
	pending := len(h.pending)
	drones := len(h.drones)
	h.mu.RUnlock()
	return Stats{
		DroneCount:       drones,
		Pending:          pending,
		MessagesReceived: h.messagesReceived.Load(),
		MessagesSent:     h.messagesSent.Load(),
		FramesReceived:   h.framesReceived.Load(),
		AcksReceived:     h.acksReceived.Load(),
	}
}

// DroneInfo contains info about a connected drone
type DroneInfo struct {
	ID        string             `json:"id"`
	Active    bool               `json:"active"`
	Connected time.Time          `json:"connected"`
	LastSeen  time.Time          `json:"last_seen"`
	State     protocol.StateData `json:"state"`
}

// GetDroneInfos returns info about all connected drones
func (h *Hub) GetDroneInfos() []DroneInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	infos := make([]DroneInfo, 0, len(h.drones))
	for _, d := range h.drones {
		d.mu.Lock()
		infos = append(infos, DroneInfo{
			ID:        d.ID,
			Active:    d.ID == h.active,
			Connected: d.Connected,
			LastSeen:  d.LastSeen,
			State:     d.State,
		})
		d.mu.Unlock()
	}
	return infos
}

// RegisterAPIRoutes registers API routes for drone management
func (h *Hub) RegisterAPIRoutes(api fiber.Router) {
	drones := api.Group("/drones")

	// List connected drones
	drones.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"drones": h.GetDroneInfos(),
			"count":  h.DroneCount(),
		})
	})

	// Get hub stats
	drones.Get("/stats", func(c *fiber.Ctx) error {
		return c.JSON(h.GetStats())
	})
}

// =============================================================================
// actuator handles
// =============================================================================

// Gimbal returns the active drone's gimbal handle
func (h *Hub) Gimbal() actuator.Gimbal {
	return gimbalHandle{h}
}

// FlightController returns the active drone's flight controller handle
func (h *Hub) FlightController() actuator.FlightController {
	return flightHandle{h}
}

type gimbalHandle struct{ h *Hub }

func (g gimbalHandle) Connected() bool {
	s, ok := g.h.activeState()
	return ok && s.GimbalConnected
}

func (g gimbalHandle) Rotate(ctx context.Context, r actuator.GimbalRotation) error {
	msg, err := protocol.Encode("", encodeGimbal(r))
	if err != nil {
		return err
	}
	return g.h.request(ctx, msg)
}

type flightHandle struct{ h *Hub }

func (f flightHandle) Connected() bool {
	s, ok := f.h.activeState()
	return ok && s.FlightConnected
}

func (f flightHandle) SendVirtualStick(ctx context.Context, fc actuator.FlightControl) error {
	msg, err := protocol.Encode("", encodeFlight(fc))
	if err != nil {
		return err
	}
	return f.h.request(ctx, msg)
}

func (f flightHandle) StartTakeoff(ctx context.Context) error {
	return f.command(ctx, protocol.CommandTakeoff)
}

func (f flightHandle) StartLanding(ctx context.Context) error {
	return f.command(ctx, protocol.CommandLand)
}

func (f flightHandle) ConfirmLanding(ctx context.Context) error {
	return f.command(ctx, protocol.CommandConfirmLanding)
}

func (f flightHandle) SetVirtualStickModeEnabled(ctx context.Context, enabled bool) error {
	if enabled {
		return f.command(ctx, protocol.CommandVirtualStickOn)
	}
	return f.command(ctx, protocol.CommandVirtualStickOff)
}

func (f flightHandle) command(ctx context.Context, name string) error {
	msg, err := protocol.Encode("", protocol.CommandData{Name: name})
	if err != nil {
		return err
	}
	return f.h.request(ctx, msg)
}

// =============================================================================
// video.Source
// =============================================================================

// Run delivers frames received from the drone until ctx is cancelled
func (h *Hub) Run(ctx context.Context, handler video.FrameHandler) error {
	h.frameMu.Lock()
	h.onFrame = handler
	h.frameMu.Unlock()

	defer func() {
		h.frameMu.Lock()
		h.onFrame = nil
		h.frameMu.Unlock()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.closed:
		return nil
	}
}

// Dimensions returns the size of the last received frame
func (h *Hub) Dimensions() (int, int) {
	h.frameMu.RLock()
	defer h.frameMu.RUnlock()
	return h.width, h.height
}

// Close stops frame delivery
func (h *Hub) Close() error {
	h.closeOnce.Do(func() { close(h.closed) })
	return nil
}

var (
	_ actuator.Gimbal           = gimbalHandle{}
	_ actuator.FlightController = flightHandle{}
	_ video.Source              = (*Hub)(nil)
)
