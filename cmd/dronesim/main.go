// dronesim: stands in for the drone-side SDK app.
// Connects to the skytrack bridge, acknowledges gimbal, virtual-stick and
// one-shot commands after a simulated latency, and streams camera frames
// from a local capture device.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/teslashibe/go-skytrack/internal/config"
	"github.com/teslashibe/go-skytrack/internal/log"
	"github.com/teslashibe/go-skytrack/pkg/actuator"
	"github.com/teslashibe/go-skytrack/pkg/bridge"
	"github.com/teslashibe/go-skytrack/pkg/protocol"
	"github.com/teslashibe/go-skytrack/pkg/video"
)

var (
	hubURL   = flag.String("url", "ws://localhost:8080/ws/drone/sim", "Bridge WebSocket URL")
	device   = flag.String("device", "0", "Camera index, video file or stream URL")
	fps      = flag.Int("fps", 15, "Frames per second to stream")
	latency  = flag.Duration("latency", 150*time.Millisecond, "Simulated command latency")
	failRate = flag.Float64("fail-rate", 0, "Fraction of commands that fail (0-1)")
	noVideo  = flag.Bool("no-video", false, "Do not stream frames")
	debug    = flag.Bool("debug", false, "Enable verbose debug logging")
)

// aircraft is the simulated drone state
type aircraft struct {
	*actuator.Mock
	virtualStick atomic.Bool
	airborne     atomic.Bool

	mu       sync.Mutex
	altitude float64
}

// Auto-takeoff hover height and the time one virtual-stick sample is held
const (
	takeoffAltitude = 1.2
	stickPeriod     = 100 * time.Millisecond
)

// climb integrates one throttle sample; the ground is a floor
func (a *aircraft) climb(throttle float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.altitude = math.Max(0, a.altitude+throttle*stickPeriod.Seconds())
}

func (a *aircraft) setAltitude(m float64) {
	a.mu.Lock()
	a.altitude = m
	a.mu.Unlock()
}

func newAircraft(latency time.Duration, failRate float64) *aircraft {
	a := &aircraft{Mock: actuator.NewMock()}

	act := func(ctx context.Context, what string) error {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return ctx.Err()
		}
		if failRate > 0 && rand.Float64() < failRate {
			return fmt.Errorf("simulated %s failure", what)
		}
		return nil
	}

	a.RotateFunc = func(ctx context.Context, r actuator.GimbalRotation) error {
		return act(ctx, "gimbal")
	}
	a.SendVirtualStickFunc = func(ctx context.Context, fc actuator.FlightControl) error {
		if !a.virtualStick.Load() {
			return errors.New("virtual stick disabled")
		}
		if err := act(ctx, "virtual stick"); err != nil {
			return err
		}
		if a.airborne.Load() {
			a.climb(fc.Throttle)
		}
		return nil
	}
	a.TakeoffFunc = func(ctx context.Context) error {
		if err := act(ctx, "takeoff"); err != nil {
			return err
		}
		a.airborne.Store(true)
		a.setAltitude(takeoffAltitude)
		return nil
	}
	a.LandingFunc = func(ctx context.Context) error {
		return act(ctx, "landing")
	}
	a.ConfirmLandingFunc = func(ctx context.Context) error {
		if err := act(ctx, "confirm landing"); err != nil {
			return err
		}
		a.airborne.Store(false)
		a.setAltitude(0)
		return nil
	}
	a.SetVirtualStickFunc = func(ctx context.Context, enabled bool) error {
		if err := act(ctx, "virtual stick mode"); err != nil {
			return err
		}
		a.virtualStick.Store(enabled)
		return nil
	}
	return a
}

func (a *aircraft) state() protocol.StateData {
	a.mu.Lock()
	alt := a.altitude
	a.mu.Unlock()
	return protocol.StateData{
		GimbalConnected:     true,
		FlightConnected:     true,
		VirtualStickEnabled: a.virtualStick.Load(),
		Airborne:            a.airborne.Load(),
		Altitude:            alt,
	}
}

func main() {
	flag.Parse()
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "❌ .env: %v\n", err)
		os.Exit(1)
	}

	level := "info"
	if *debug {
		level = "debug"
	}
	log.Init(level)
	logger := log.Component("dronesim")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	ac := newAircraft(*latency, *failRate)

	client, err := bridge.Dial(ctx, config.Env("BRIDGE_URL", *hubURL), ac, log.L())
	if err != nil {
		return err
	}
	defer client.Close()
	logger.Info("connected to bridge", "url", *hubURL)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := client.SendState(ac.state()); err != nil {
		return fmt.Errorf("send state: %w", err)
	}
	go reportState(ctx, client, ac, logger)

	if !*noVideo {
		capture := video.DefaultCaptureConfig()
		capture.Device = *device
		capture.FPS = *fps
		src, err := video.OpenCapture(capture, log.L())
		if err != nil {
			return err
		}
		defer src.Close()

		go func() {
			err := src.Run(ctx, func(f video.Frame) {
				if err := client.SendFrame(f); err != nil {
					logger.Debug("frame send failed", "seq", f.Seq, "error", err)
				}
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("video stopped", "error", err)
			}
		}()
	}

	return client.Run(ctx)
}

// reportState sends the aircraft state and a ping every second
func reportState(ctx context.Context, client *bridge.Client, ac *aircraft, logger *slog.Logger) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var n int
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n++
			if err := client.SendState(ac.state()); err != nil {
				logger.Debug("state send failed", "error", err)
			}
			if err := client.Ping(fmt.Sprintf("ping-%d", n)); err != nil {
				logger.Debug("ping failed", "error", err)
			}
		}
	}
}
