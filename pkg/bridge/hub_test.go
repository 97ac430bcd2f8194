package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-skytrack/pkg/actuator"
	"github.com/teslashibe/go-skytrack/pkg/protocol"
	"github.com/teslashibe/go-skytrack/pkg/video"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startHub serves a hub on port and returns its drone URL
func startHub(t *testing.T, port int) (*Hub, string) {
	t.Helper()
	hub := NewHub(Config{AckTimeout: 2 * time.Second}, quietLogger())
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})
	hub.RegisterRoutes(app)

	go app.Listen(fmt.Sprintf(":%d", port))
	t.Cleanup(func() { app.Shutdown() })
	time.Sleep(100 * time.Millisecond)

	return hub, fmt.Sprintf("ws://localhost:%d/ws/drone", port)
}

// connectDrone dials the hub with a mock aircraft and runs the client
func connectDrone(t *testing.T, url string, aircraft *actuator.Mock) *Client {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	client, err := Dial(ctx, url, aircraft, quietLogger())
	if err != nil {
		cancel()
		t.Fatalf("Dial error: %v", err)
	}
	done := make(chan struct{})
	go func() {
		client.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return client
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNewHub(t *testing.T) {
	hub := NewHub(Config{}, nil)

	if hub.DroneCount() != 0 {
		t.Error("DroneCount should be 0 initially")
	}
	if hub.cfg.AckTimeout != DefaultAckTimeout {
		t.Errorf("AckTimeout = %v, want default", hub.cfg.AckTimeout)
	}
	if hub.Connected() || hub.Gimbal().Connected() || hub.FlightController().Connected() {
		t.Error("nothing should be connected")
	}
	if w, h := hub.Dimensions(); w != 0 || h != 0 {
		t.Errorf("Dimensions = %dx%d before any frame", w, h)
	}
}

func TestNoDrone(t *testing.T) {
	hub := NewHub(DefaultConfig(), quietLogger())

	err := hub.Gimbal().Rotate(context.Background(), actuator.GimbalRotation{Yaw: 10})
	if !errors.Is(err, ErrNoDrone) {
		t.Errorf("Rotate err = %v, want ErrNoDrone", err)
	}
	if hub.GetStats().Pending != 0 {
		t.Error("pending command leaked")
	}
	if _, ok := hub.Altitude(); ok {
		t.Error("Altitude should be unavailable without a drone")
	}
}

func TestCommandRoundTrip(t *testing.T) {
	hub, url := startHub(t, 18180)
	aircraft := actuator.NewMock()
	connectDrone(t, url, aircraft)
	waitFor(t, "drone registration", hub.Connected)

	ctx := context.Background()
	if err := hub.Gimbal().Rotate(ctx, actuator.GimbalRotation{Pitch: -10, Yaw: 10, Mode: actuator.ModeSpeed}); err != nil {
		t.Fatalf("Rotate error: %v", err)
	}
	if err := hub.FlightController().SendVirtualStick(ctx, actuator.FlightControl{Roll: 0.5, Yaw: 2, Throttle: -1}); err != nil {
		t.Fatalf("SendVirtualStick error: %v", err)
	}
	if err := hub.FlightController().SetVirtualStickModeEnabled(ctx, true); err != nil {
		t.Fatalf("SetVirtualStickModeEnabled error: %v", err)
	}
	if err := hub.FlightController().StartTakeoff(ctx); err != nil {
		t.Fatalf("StartTakeoff error: %v", err)
	}
	if err := hub.FlightController().ConfirmLanding(ctx); err != nil {
		t.Fatalf("ConfirmLanding error: %v", err)
	}

	calls := aircraft.Calls()
	if len(calls) != 5 {
		t.Fatalf("aircraft calls = %d, want 5", len(calls))
	}
	rot, ok := calls[0].Command.(actuator.GimbalRotation)
	if !ok || rot.Pitch != -10 || rot.Yaw != 10 || rot.Mode != actuator.ModeSpeed {
		t.Errorf("rotation = %+v", calls[0].Command)
	}
	fc, ok := calls[1].Command.(actuator.FlightControl)
	if !ok || fc.Roll != 0.5 || fc.Yaw != 2 || fc.Throttle != -1 {
		t.Errorf("flight control = %+v", calls[1].Command)
	}
	if vs, ok := calls[2].Command.(actuator.SetVirtualStick); !ok || !vs.Enabled {
		t.Errorf("virtual stick = %+v", calls[2].Command)
	}
	if calls[3].Method != "StartTakeoff" || calls[4].Method != "ConfirmLanding" {
		t.Errorf("one-shot calls = %s, %s", calls[3].Method, calls[4].Method)
	}

	stats := hub.GetStats()
	if stats.AcksReceived != 5 || stats.Pending != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestCommandFailure(t *testing.T) {
	hub, url := startHub(t, 18181)
	aircraft := actuator.NewMock()
	aircraft.LandingFunc = func(ctx context.Context) error {
		return errors.New("motors not running")
	}
	connectDrone(t, url, aircraft)
	waitFor(t, "drone registration", hub.Connected)

	err := hub.FlightController().StartLanding(context.Background())
	if err == nil || err.Error() != "motors not running" {
		t.Errorf("StartLanding err = %v, want remote failure", err)
	}
}

func TestDisconnectFailsPending(t *testing.T) {
	hub, url := startHub(t, 18182)
	rotating := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	aircraft := actuator.NewMock()
	aircraft.RotateFunc = func(ctx context.Context, r actuator.GimbalRotation) error {
		close(rotating)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}
	client := connectDrone(t, url, aircraft)
	waitFor(t, "drone registration", hub.Connected)

	errc := make(chan error, 1)
	go func() {
		errc <- hub.Gimbal().Rotate(context.Background(), actuator.GimbalRotation{Yaw: 10})
	}()
	<-rotating
	client.Close()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrDisconnected) {
			t.Errorf("err = %v, want ErrDisconnected", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending command not failed on disconnect")
	}
	waitFor(t, "drone removal", func() bool { return hub.DroneCount() == 0 })
}

func TestAckTimeout(t *testing.T) {
	hub, url := startHub(t, 18183)
	aircraft := actuator.NewMock()
	aircraft.RotateFunc = func(ctx context.Context, r actuator.GimbalRotation) error {
		<-ctx.Done()
		return ctx.Err()
	}
	connectDrone(t, url, aircraft)
	waitFor(t, "drone registration", hub.Connected)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := hub.Gimbal().Rotate(ctx, actuator.GimbalRotation{Yaw: 10})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
}

func TestFrames(t *testing.T) {
	hub, url := startHub(t, 18184)
	client := connectDrone(t, url, actuator.NewMock())
	waitFor(t, "drone registration", hub.Connected)

	var mu sync.Mutex
	var frames []video.Frame

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx, func(f video.Frame) {
		mu.Lock()
		frames = append(frames, f)
		mu.Unlock()
	})
	time.Sleep(20 * time.Millisecond)

	jpeg := []byte{0xFF, 0xD8, 0xFF, 0xE0}
	if err := client.SendFrame(video.Frame{Data: jpeg, Width: 1280, Height: 720, Format: video.FormatJPEG, Seq: 42}); err != nil {
		t.Fatalf("SendFrame error: %v", err)
	}

	waitFor(t, "frame delivery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(frames) == 1
	})
	mu.Lock()
	f := frames[0]
	mu.Unlock()
	if string(f.Data) != string(jpeg) || f.Width != 1280 || f.Height != 720 || f.Seq != 42 {
		t.Errorf("frame = %+v", f)
	}
	if w, h := hub.Dimensions(); w != 1280 || h != 720 {
		t.Errorf("Dimensions = %dx%d", w, h)
	}
	if hub.GetStats().FramesReceived != 1 {
		t.Errorf("FramesReceived = %d", hub.GetStats().FramesReceived)
	}
}

func TestStateUpdatesHandles(t *testing.T) {
	hub, url := startHub(t, 18185)
	client := connectDrone(t, url, actuator.NewMock())
	waitFor(t, "drone registration", hub.Connected)

	if !hub.Gimbal().Connected() || !hub.FlightController().Connected() {
		t.Fatal("handles should default to connected")
	}

	if alt, ok := hub.Altitude(); !ok || alt != 0 {
		t.Errorf("Altitude = %v, %v before any report", alt, ok)
	}

	if err := client.SendState(protocol.StateData{GimbalConnected: false, FlightConnected: true, Altitude: 1.2}); err != nil {
		t.Fatalf("SendState error: %v", err)
	}
	waitFor(t, "gimbal disconnected", func() bool { return !hub.Gimbal().Connected() })
	if !hub.FlightController().Connected() {
		t.Error("flight controller should stay connected")
	}
	if alt, ok := hub.Altitude(); !ok || alt != 1.2 {
		t.Errorf("Altitude = %v, %v, want 1.2", alt, ok)
	}

	// The dispatcher sees the same handles
	d := actuator.NewDispatcher(hub.Gimbal(), hub.FlightController(), actuator.WithLogger(quietLogger()))
	if _, err := d.Dispatch(context.Background(), actuator.GimbalRotation{Yaw: 10}); !errors.Is(err, actuator.ErrNotConnected) {
		t.Errorf("Dispatch err = %v, want ErrNotConnected", err)
	}
	f, err := d.Dispatch(context.Background(), actuator.Takeoff{})
	if err != nil {
		t.Fatalf("Dispatch takeoff: %v", err)
	}
	if err := f.Wait(context.Background()); err != nil {
		t.Errorf("takeoff: %v", err)
	}
}

func TestPingPong(t *testing.T) {
	hub, url := startHub(t, 18186)
	_ = hub

	ws, _, err := websocket.DefaultDialer.Dial(url+"/ping-test", nil)
	if err != nil {
		t.Fatalf("WebSocket dial error: %v", err)
	}
	defer ws.Close()

	msg, _ := protocol.Encode("", protocol.PingData{ID: "p-1"})
	data, _ := msg.Marshal()
	ws.WriteMessage(websocket.TextMessage, data)

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, respData, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("Read error: %v", err)
	}
	resp, err := protocol.Parse(respData)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if resp.Type != protocol.TypePong {
		t.Errorf("Type = %s, want pong", resp.Type)
	}
	pong, err := protocol.Decode[protocol.PongData](resp)
	if err != nil || pong.ID != "p-1" {
		t.Errorf("pong = %+v", pong)
	}
	if hub.GetDrone("ping-test") == nil {
		t.Error("drone id should come from the path")
	}
}

func TestReconnectSameID(t *testing.T) {
	hub, url := startHub(t, 18187)

	stale, _, err := websocket.DefaultDialer.Dial(url+"/d1", nil)
	if err != nil {
		t.Fatalf("WebSocket dial error: %v", err)
	}
	waitFor(t, "first connection", hub.Connected)
	first := hub.GetDrone("d1")

	rotating := make(chan struct{})
	release := make(chan struct{})
	aircraft := actuator.NewMock()
	aircraft.RotateFunc = func(ctx context.Context, r actuator.GimbalRotation) error {
		close(rotating)
		<-release
		return nil
	}
	connectDrone(t, url+"/d1", aircraft)
	waitFor(t, "reconnect", func() bool { return hub.GetDrone("d1") != first })

	errc := make(chan error, 1)
	go func() {
		errc <- hub.Gimbal().Rotate(context.Background(), actuator.GimbalRotation{Yaw: 10})
	}()
	<-rotating

	// The superseded socket going away must not touch the live entry
	stale.Close()
	time.Sleep(100 * time.Millisecond)
	close(release)

	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Rotate err = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("command on live connection never completed")
	}
	if !hub.Connected() || hub.DroneCount() != 1 {
		t.Errorf("Connected = %v, DroneCount = %d", hub.Connected(), hub.DroneCount())
	}
	if !hub.Gimbal().Connected() {
		t.Error("gimbal should stay connected")
	}
}

func TestAPIRoutes(t *testing.T) {
	hub := NewHub(DefaultConfig(), quietLogger())
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})
	hub.RegisterRoutes(app)
	hub.RegisterAPIRoutes(app.Group("/api"))

	req := httptest.NewRequest("GET", "/api/drones/", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Request error: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("Status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "drones") {
		t.Error("Response should contain 'drones' field")
	}

	req = httptest.NewRequest("GET", "/api/drones/stats", nil)
	resp, err = app.Test(req)
	if err != nil {
		t.Fatalf("Request error: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("Status = %d, want 200", resp.StatusCode)
	}

	// Plain HTTP on the drone socket needs an upgrade
	req = httptest.NewRequest("GET", "/ws/drone", nil)
	resp, err = app.Test(req)
	if err != nil {
		t.Fatalf("Request error: %v", err)
	}
	if resp.StatusCode != fiber.StatusUpgradeRequired {
		t.Errorf("Status = %d, want 426", resp.StatusCode)
	}
}

func TestDecodeCommand(t *testing.T) {
	tests := []struct {
		name    string
		payload protocol.Payload
		want    actuator.Command
		wantErr bool
	}{
		{
			name: "gimbal defaults to speed",
			payload: protocol.GimbalData{Yaw: -10},
			want: actuator.GimbalRotation{Yaw: -10, Mode: actuator.ModeSpeed},
		},
		{
			name: "flight",
			payload: protocol.FlightData{Pitch: 1, Throttle: -2},
			want: actuator.FlightControl{Pitch: 1, Throttle: -2},
		},
		{
			name: "virtual stick off",
			payload: protocol.CommandData{Name: protocol.CommandVirtualStickOff},
			want: actuator.SetVirtualStick{Enabled: false},
		},
		{
			name: "unknown one-shot",
			payload: protocol.CommandData{Name: "barrel_roll"},
			wantErr: true,
		},
		{
			name: "not a command",
			payload: protocol.StateData{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := protocol.Encode("cmd-1", tt.payload)
			if err != nil {
				t.Fatalf("build: %v", err)
			}
			got, err := DecodeCommand(msg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeCommand() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, actuator.ErrUnknownCommand) {
					t.Errorf("err = %v, want ErrUnknownCommand", err)
				}
				return
			}
			if got != tt.want {
				t.Errorf("DecodeCommand() = %+v, want %+v", got, tt.want)
			}
		})
	}
}
