package web

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-skytrack/pkg/actuator"
	"github.com/teslashibe/go-skytrack/pkg/hub"
	"github.com/teslashibe/go-skytrack/pkg/telemetry"
	"github.com/teslashibe/go-skytrack/pkg/tracking"
)

// Extra command names beyond actuator.ParseOneShot
const (
	commandToggleVirtualStick = "toggle-virtual-stick"
	commandTakeoffOrLand      = "takeoff-or-land"
	commandForward            = "forward"
)

var errNotAttached = fiber.NewError(fiber.StatusServiceUnavailable, "tracker not attached")

func (s *Server) requireController() (Controller, error) {
	c, _ := s.attached()
	if c == nil {
		return nil, errNotAttached
	}
	return c, nil
}

// handleStatus returns loop state, counters and the dashboard panel
func (s *Server) handleStatus(c *fiber.Ctx) error {
	ctrl, err := s.requireController()
	if err != nil {
		return err
	}
	snap, err := ctrl.Snapshot(c.UserContext())
	if err != nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
	}
	status := fiber.Map{
		"state":        snap,
		"last_command": snap.LastCommandStrings(),
		"stats":        ctrl.Stats(),
		"dashboard":    s.State(),
		"hubs":         s.hubStats(),
	}
	s.ctrlMu.RLock()
	aircraft := s.aircraft
	s.ctrlMu.RUnlock()
	if aircraft != nil {
		if alt, ok := aircraft.Altitude(); ok {
			status["altitude"] = alt
		}
	}
	return c.JSON(status)
}

// handleGetTuning returns the live tuning parameters
func (s *Server) handleGetTuning(c *fiber.Ctx) error {
	ctrl, err := s.requireController()
	if err != nil {
		return err
	}
	p, err := ctrl.Tuning(c.UserContext())
	if err != nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
	}
	return c.JSON(p)
}

// handleSetTuning applies non-zero tuning fields
func (s *Server) handleSetTuning(c *fiber.Ctx) error {
	ctrl, err := s.requireController()
	if err != nil {
		return err
	}
	var p tracking.TuningParams
	if err := c.BodyParser(&p); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	if err := ctrl.SetTuning(c.UserContext(), p); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	s.AddLog("tuning", "Tuning updated")

	updated, err := ctrl.Tuning(c.UserContext())
	if err != nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
	}
	return c.JSON(updated)
}

// handleCommand issues a one-shot command and waits for the aircraft
func (s *Server) handleCommand(c *fiber.Ctx) error {
	ctrl, err := s.requireController()
	if err != nil {
		return err
	}
	name := c.Params("name")

	ctx, cancel := context.WithTimeout(c.UserContext(), s.cfg.Timeout)
	defer cancel()

	var f *actuator.Future
	switch name {
	case commandToggleVirtualStick:
		f, err = ctrl.ToggleVirtualStick(ctx)
	case commandTakeoffOrLand:
		f, err = ctrl.TakeoffOrLand(ctx)
	case commandForward:
		f, err = ctrl.MoveForward(ctx)
	default:
		cmd, ok := actuator.ParseOneShot(name)
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown command: " + name})
		}
		f, err = ctrl.Command(ctx, cmd)
	}
	if err := awaitCommand(ctx, f, err); err != nil {
		return c.Status(commandStatus(err)).JSON(fiber.Map{"command": name, "error": err.Error()})
	}

	s.AddLog("command", "Manual: "+name)
	return c.JSON(fiber.Map{"command": name, "status": "ok"})
}

// handleStick sends one manual stick sample
// Body: {"left":{"x":0,"y":1},"right":{"x":0,"y":0}}, deflections in [-1,1]
func (s *Server) handleStick(c *fiber.Ctx) error {
	ctrl, err := s.requireController()
	if err != nil {
		return err
	}
	var sticks actuator.Sticks
	if err := c.BodyParser(&sticks); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), s.cfg.Timeout)
	defer cancel()

	fc := sticks.FlightControl()
	f, err := ctrl.Stick(ctx, sticks)
	if err := awaitCommand(ctx, f, err); err != nil {
		return c.Status(commandStatus(err)).JSON(fiber.Map{"command": "stick", "error": err.Error()})
	}
	return c.JSON(fiber.Map{"command": "stick", "status": "ok", "flight": fc})
}

// awaitCommand waits for a dispatched command, passing dispatch errors through
func awaitCommand(ctx context.Context, f *actuator.Future, err error) error {
	if err != nil {
		return err
	}
	return f.Wait(ctx)
}

// commandStatus maps a command error to an HTTP status
func commandStatus(err error) int {
	switch {
	case actuator.IsSkip(err), errors.Is(err, tracking.ErrVirtualStickDisabled):
		return fiber.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusGatewayTimeout
	case errors.Is(err, tracking.ErrLoopStopped), errors.Is(err, actuator.ErrUnknownCommand):
		return fiber.StatusInternalServerError
	default:
		return fiber.StatusBadGateway
	}
}

// handleStop tears tracking down
func (s *Server) handleStop(c *fiber.Ctx) error {
	ctrl, err := s.requireController()
	if err != nil {
		return err
	}
	ctrl.Teardown()
	return c.JSON(fiber.Map{"tracking": false})
}

// handleStart resumes tracking
func (s *Server) handleStart(c *fiber.Ctx) error {
	ctrl, err := s.requireController()
	if err != nil {
		return err
	}
	if err := ctrl.Resume(c.UserContext()); err != nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
	}
	return c.JSON(fiber.Map{"tracking": true})
}

// handleGetLogs returns recent log entries
func (s *Server) handleGetLogs(c *fiber.Ctx) error {
	s.logsMu.RLock()
	defer s.logsMu.RUnlock()
	return c.JSON(s.logs)
}

// handleGetEvents queries the event journal
// Query: type, generation, since (RFC3339), limit
func (s *Server) handleGetEvents(c *fiber.Ctx) error {
	_, store := s.attached()
	if store == nil {
		return fiber.NewError(fiber.StatusNotFound, "event journal disabled")
	}

	f := telemetry.JournalFilter{
		Type:  telemetry.EventType(c.Query("type")),
		Limit: c.QueryInt("limit", 100),
	}
	if g := c.Query("generation"); g != "" {
		gen, err := strconv.ParseUint(g, 10, 64)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid generation"})
		}
		f.Generation = gen
	}
	if since := c.Query("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid since"})
		}
		f.Since = t
	}

	events, err := store.Query(c.UserContext(), f)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"events": events, "count": len(events)})
}

// handleLogsWS sends recent logs then streams new ones
func (s *Server) handleLogsWS(c *websocket.Conn) {
	s.logsMu.RLock()
	for _, entry := range s.logs {
		c.WriteJSON(entry)
	}
	s.logsMu.RUnlock()

	if client := hub.NewClient(s.logHub, c); client != nil {
		client.Run()
	}
}

// handleStatusWS sends the current status then streams updates
func (s *Server) handleStatusWS(c *websocket.Conn) {
	c.WriteJSON(s.State())

	if client := hub.NewClient(s.statusHub, c); client != nil {
		client.Run()
	}
}

// handleHubWS streams a hub's broadcasts
func (s *Server) handleHubWS(h *hub.Hub) func(*websocket.Conn) {
	return func(c *websocket.Conn) {
		if client := hub.NewClient(h, c); client != nil {
			client.Run()
		}
	}
}
