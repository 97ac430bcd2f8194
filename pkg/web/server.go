// Package web provides the operator dashboard for the tracker.
//
// The Server is the loop's presentation surface: detections, target status
// and messages are pushed to browsers over WebSocket. REST endpoints issue
// one-shot commands and adjust tuning through a Controller.
package web

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlog "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-skytrack/pkg/actuator"
	"github.com/teslashibe/go-skytrack/pkg/hub"
	"github.com/teslashibe/go-skytrack/pkg/telemetry"
	"github.com/teslashibe/go-skytrack/pkg/tracking"
	"github.com/teslashibe/go-skytrack/pkg/tracking/detection"
)

// Controller is the part of the control loop the dashboard drives
type Controller interface {
	Snapshot(ctx context.Context) (tracking.ControlLoopState, error)
	Stats() tracking.LoopStats
	Tuning(ctx context.Context) (tracking.TuningParams, error)
	SetTuning(ctx context.Context, p tracking.TuningParams) error
	Command(ctx context.Context, cmd actuator.Command) (*actuator.Future, error)
	ToggleVirtualStick(ctx context.Context) (*actuator.Future, error)
	TakeoffOrLand(ctx context.Context) (*actuator.Future, error)
	Stick(ctx context.Context, s actuator.Sticks) (*actuator.Future, error)
	MoveForward(ctx context.Context) (*actuator.Future, error)
	Teardown()
	Resume(ctx context.Context) error
}

// Aircraft reports live aircraft telemetry
type Aircraft interface {
	Altitude() (float64, bool)
}

// EventStore serves recorded events
type EventStore interface {
	Query(ctx context.Context, f telemetry.JournalFilter) ([]telemetry.Event, error)
}

// Config configures the dashboard
type Config struct {
	Port      string        `yaml:"port"`
	StaticDir string        `yaml:"static_dir"`
	Timeout   time.Duration `yaml:"command_timeout"` // how long a REST command waits for the aircraft

	// RequestLog prints one line per HTTP request
	RequestLog bool `yaml:"request_log"`
}

// DefaultConfig returns the default dashboard configuration
func DefaultConfig() Config {
	return Config{
		Port:      "8080",
		StaticDir: "./web",
		Timeout:   5 * time.Second,
	}
}

// DashboardState is what the status channel shows
type DashboardState struct {
	Target      *tracking.TrackedTarget `json:"target,omitempty"`
	Matches     int                     `json:"matches"`
	LastMessage string                  `json:"last_message,omitempty"`
	UpdatedAt   time.Time               `json:"updated_at"`
}

// DetectionsUpdate is pushed on the detections channel
type DetectionsUpdate struct {
	FrameWidth  int                   `json:"frame_width"`
	FrameHeight int                   `json:"frame_height"`
	Detections  []detection.Detection `json:"detections"`
}

// LogEntry represents a log line for the dashboard
type LogEntry struct {
	Time    string `json:"time"`
	Type    string `json:"type"` // message, error, command, skip, lifecycle
	Message string `json:"message"`
}

// Server is the web dashboard server
type Server struct {
	app    *fiber.App
	cfg    Config
	logger *slog.Logger

	// State
	state   DashboardState
	stateMu sync.RWMutex

	// Log buffer (last 500 entries)
	logs   []LogEntry
	logsMu sync.RWMutex

	// Hubs for websocket broadcast
	statusHub     *hub.Hub
	logHub        *hub.Hub
	detectionsHub *hub.Hub
	cameraHub     *hub.Hub

	ctrlMu     sync.RWMutex
	controller Controller
	events     EventStore
	aircraft   Aircraft
}

// NewServer creates a new web dashboard server. Extra route groups (e.g.
// the drone bridge) can be mounted on App() before Start.
func NewServer(cfg Config, logger *slog.Logger) *Server {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:           cfg,
		logger:        logger.With("component", "web"),
		logs:          make([]LogEntry, 0, 500),
		statusHub:     hub.New("status", logger, hub.WithReplay()),
		logHub:        hub.New("logs", logger),
		detectionsHub: hub.New("detections", logger, hub.WithSlowPolicy(hub.SkipMessage)),
		cameraHub:     hub.New("camera", logger, hub.WithSlowPolicy(hub.SkipMessage), hub.WithReplay()),
	}

	app := fiber.New(fiber.Config{
		AppName:               "Skytrack Dashboard",
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	// CORS for local development
	app.Use(cors.New())
	if cfg.RequestLog {
		app.Use(fiberlog.New())
	}

	// Static files
	if cfg.StaticDir != "" {
		app.Static("/", cfg.StaticDir)
	}

	// API routes
	api := app.Group("/api")
	api.Get("/status", s.handleStatus)
	api.Get("/tuning", s.handleGetTuning)
	api.Post("/tuning", s.handleSetTuning)
	api.Post("/commands/:name", s.handleCommand)
	api.Post("/stick", s.handleStick)
	api.Post("/tracking/stop", s.handleStop)
	api.Post("/tracking/start", s.handleStart)
	api.Get("/logs", s.handleGetLogs)
	api.Get("/events", s.handleGetEvents)

	// WebSocket upgrade middleware
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	// WebSocket routes
	app.Get("/ws/logs", websocket.New(s.handleLogsWS))
	app.Get("/ws/status", websocket.New(s.handleStatusWS))
	app.Get("/ws/detections", websocket.New(s.handleHubWS(s.detectionsHub)))
	app.Get("/ws/camera", websocket.New(s.handleHubWS(s.cameraHub)))

	s.app = app
	return s
}

// App exposes the fiber app for mounting additional routes
func (s *Server) App() *fiber.App {
	return s.app
}

// Attach connects the dashboard to the control loop and an optional event store
func (s *Server) Attach(c Controller, events EventStore) {
	s.ctrlMu.Lock()
	s.controller = c
	s.events = events
	s.ctrlMu.Unlock()
}

// SetAircraft sets the telemetry source shown in status
func (s *Server) SetAircraft(a Aircraft) {
	s.ctrlMu.Lock()
	s.aircraft = a
	s.ctrlMu.Unlock()
}

func (s *Server) attached() (Controller, EventStore) {
	s.ctrlMu.RLock()
	defer s.ctrlMu.RUnlock()
	return s.controller, s.events
}

// Start runs the hubs and serves until ctx is cancelled
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("web dashboard", "url", fmt.Sprintf("http://localhost:%s", s.cfg.Port))

	// Start all hubs
	go s.statusHub.Run(ctx)
	go s.logHub.Run(ctx)
	go s.detectionsHub.Run(ctx)
	go s.cameraHub.Run(ctx)

	go func() {
		<-ctx.Done()
		s.app.ShutdownWithTimeout(5 * time.Second)
	}()

	return s.app.Listen(":" + s.cfg.Port)
}

// =============================================================================
// tracking.Surface
// =============================================================================

// ShowDetections pushes matching boxes to the detections channel
func (s *Server) ShowDetections(frameW, frameH int, dets []detection.Detection) {
	s.stateMu.Lock()
	s.state.Matches = len(dets)
	s.stateMu.Unlock()

	s.detectionsHub.BroadcastJSON(DetectionsUpdate{
		FrameWidth:  frameW,
		FrameHeight: frameH,
		Detections:  dets,
	})
}

// ShowStatus updates the target panel
func (s *Server) ShowStatus(t tracking.TrackedTarget) {
	s.UpdateState(func(st *DashboardState) {
		st.Target = &t
	})
}

// ShowMessage shows a transient notice
func (s *Server) ShowMessage(msg string) {
	s.UpdateState(func(st *DashboardState) {
		st.LastMessage = msg
	})
	s.AddLog("message", msg)
}

// =============================================================================
// telemetry.Sink
// =============================================================================

// Emit mirrors operator-relevant events into the log feed
func (s *Server) Emit(e telemetry.Event) {
	switch e.Type {
	case telemetry.EventCommand, telemetry.EventSkip, telemetry.EventError, telemetry.EventLifecycle:
		s.AddLog(string(e.Type), e.Message)
	}
}

// UpdateState updates the dashboard state and broadcasts to clients
func (s *Server) UpdateState(update func(*DashboardState)) {
	s.stateMu.Lock()
	update(&s.state)
	s.state.UpdatedAt = time.Now()
	state := s.state // Copy for broadcast
	s.stateMu.Unlock()

	s.statusHub.BroadcastJSON(state)
}

func (s *Server) hubStats() []hub.Stats {
	return []hub.Stats{
		s.statusHub.Stats(),
		s.logHub.Stats(),
		s.detectionsHub.Stats(),
		s.cameraHub.Stats(),
	}
}

// State returns a copy of the dashboard state
func (s *Server) State() DashboardState {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// AddLog adds a log entry and broadcasts to clients
func (s *Server) AddLog(logType, message string) {
	entry := LogEntry{
		Time:    time.Now().Format("15:04:05"),
		Type:    logType,
		Message: message,
	}

	s.logsMu.Lock()
	s.logs = append(s.logs, entry)
	if len(s.logs) > 500 {
		s.logs = s.logs[1:]
	}
	s.logsMu.Unlock()

	s.logHub.BroadcastJSON(entry)
}

// SendCameraFrame sends a camera frame to all connected clients
func (s *Server) SendCameraFrame(jpegData []byte) {
	s.cameraHub.BroadcastBinary(jpegData)
}

var (
	_ tracking.Surface = (*Server)(nil)
	_ telemetry.Sink   = (*Server)(nil)
	_ Controller       = (*tracking.Loop)(nil)
	_ EventStore       = (*telemetry.Journal)(nil)
)
