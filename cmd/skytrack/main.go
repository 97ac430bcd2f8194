// skytrack: visual target tracking for camera drones.
// Detects the configured object class in the live feed and steers the
// gimbal (step mode) or the aircraft (proportional mode) to keep it centred.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/teslashibe/go-skytrack/internal/config"
	"github.com/teslashibe/go-skytrack/internal/log"
	"github.com/teslashibe/go-skytrack/pkg/actuator"
	"github.com/teslashibe/go-skytrack/pkg/bridge"
	"github.com/teslashibe/go-skytrack/pkg/telemetry"
	"github.com/teslashibe/go-skytrack/pkg/tracking"
	"github.com/teslashibe/go-skytrack/pkg/tracking/detection"
	"github.com/teslashibe/go-skytrack/pkg/video"
	"github.com/teslashibe/go-skytrack/pkg/web"
)

var version = "0.3.0"

// flags override the config file
type flags struct {
	configPath string
	mode       string
	label      string
	policy     string
	source     string
	port       string
	debug      bool
}

func main() {
	f := parseFlags()

	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "❌ .env: %v\n", err)
		os.Exit(1)
	}

	cfg, err := loadConfig(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration error: %v\n", err)
		os.Exit(1)
	}

	log.Init(cfg.LogLevel)
	logger := log.Component("skytrack")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func parseFlags() flags {
	var f flags
	flag.StringVar(&f.configPath, "config", "", "Path to YAML config file")
	flag.StringVar(&f.mode, "mode", "", "Tracking mode: step or proportional")
	flag.StringVar(&f.label, "label", "", "Object class to track (e.g. person, car)")
	flag.StringVar(&f.policy, "policy", "", "Target selection: first or highest")
	flag.StringVar(&f.source, "source", "", "Video source: bridge, capture or webrtc")
	flag.StringVar(&f.port, "port", "", "Dashboard port")
	flag.BoolVar(&f.debug, "debug", false, "Enable verbose debug logging")
	flag.Parse()
	return f
}

func loadConfig(f flags) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if f.mode != "" {
		cfg.Tracking.Mode = tracking.Mode(f.mode)
	}
	if f.label != "" {
		cfg.Tracking.TargetLabel = f.label
	}
	if f.policy != "" {
		cfg.Tracking.Policy = f.policy
	}
	if f.source != "" {
		cfg.Video.Source = f.source
	}
	if f.port != "" {
		cfg.Web.Port = f.port
	}
	if f.debug {
		cfg.LogLevel = "debug"
		cfg.Web.RequestLog = true
	}
	// Flags may have broken what the file got right
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	intrinsics, err := cfg.Camera.Intrinsics()
	if err != nil {
		return err
	}

	// Workers stop before the resources they use are released
	ctx, cancel := context.WithCancel(ctx)
	var (
		wg      sync.WaitGroup
		closers []func()
	)
	defer func() {
		cancel()
		wg.Wait()
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	engine, err := newEngine(cfg.Detector, logger)
	if err != nil {
		return fmt.Errorf("detector: %w", err)
	}
	closers = append(closers, func() { engine.Close() })

	// Dashboard and drone bridge share one HTTP server
	server := web.NewServer(cfg.Web, log.L())
	droneHub := bridge.NewHub(cfg.Bridge, log.L())
	droneHub.RegisterRoutes(server.App())
	droneHub.RegisterAPIRoutes(server.App().Group("/api/bridge"))
	server.SetAircraft(droneHub)
	server.App().Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"version": version,
			"drone":   droneHub.Connected(),
		})
	})

	source, err := newSource(ctx, cfg.Video, droneHub, logger)
	if err != nil {
		return fmt.Errorf("video: %w", err)
	}
	closers = append(closers, func() { source.Close() })

	sinks := telemetry.Multi{server}
	journal, err := openJournal(ctx, cfg.Telemetry, logger)
	if err != nil {
		return err
	}
	if journal != nil {
		closers = append(closers, func() { journal.Close() })
		buf := telemetry.NewBuffered("journal", journal, cfg.Telemetry.BufferSize, log.L())
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf.Run(ctx)
		}()
		sinks = append(sinks, buf)
	}
	if cfg.Telemetry.MQTTEnabled {
		mq := telemetry.NewMQTTWriter(cfg.Telemetry.MQTT, log.L())
		if err := mq.Connect(ctx); err != nil {
			// Telemetry is optional; tracking keeps going without it
			logger.Warn("mqtt unavailable", "broker", cfg.Telemetry.MQTT.Broker, "error", err)
		} else {
			closers = append(closers, mq.Disconnect)
			buf := telemetry.NewBuffered("mqtt", mq, cfg.Telemetry.BufferSize, log.L())
			wg.Add(1)
			go func() {
				defer wg.Done()
				buf.Run(ctx)
			}()
			sinks = append(sinks, buf)
		}
	}

	dispatcher := actuator.NewDispatcher(droneHub.Gimbal(), droneHub.FlightController(),
		actuator.WithLogger(log.L()),
	)
	loop := tracking.NewLoop(cfg.Tracking, intrinsics, engine, dispatcher,
		tracking.WithSurface(server),
		tracking.WithSink(sinks),
		tracking.WithLogger(log.L()),
	)
	if journal != nil {
		server.Attach(loop, journal)
	} else {
		server.Attach(loop, nil)
	}

	errCh := make(chan error, 3)
	wg.Add(3)
	go func() {
		defer wg.Done()
		errCh <- loop.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		errCh <- server.Start(ctx)
	}()
	go func() {
		defer wg.Done()
		errCh <- source.Run(ctx, frameHandler(loop, server))
	}()

	logger.Info("skytrack running",
		"version", version,
		"mode", cfg.Tracking.Mode,
		"label", cfg.Tracking.TargetLabel,
		"source", cfg.Video.Source,
		"dashboard", fmt.Sprintf("http://localhost:%s", cfg.Web.Port),
	)

	// First exit wins; the rest follow ctx
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}
}

// frameHandler feeds the loop and mirrors JPEG frames to the dashboard at
// a reduced rate
func frameHandler(loop *tracking.Loop, server *web.Server) video.FrameHandler {
	const previewInterval = 100 * time.Millisecond
	var last time.Time
	return func(f video.Frame) {
		loop.OnFrame(f)
		if f.Format == video.FormatJPEG && time.Since(last) >= previewInterval {
			last = time.Now()
			server.SendCameraFrame(f.Data)
		}
	}
}

func newEngine(cfg config.DetectorConfig, logger *slog.Logger) (detection.Engine, error) {
	switch cfg.Engine {
	case config.EngineYuNet:
		logger.Info("loading face detector", "model", cfg.YuNet.ModelPath)
		return detection.NewYuNet(cfg.YuNet, log.L())
	default:
		logger.Info("loading object detector", "model", cfg.YOLO.ModelPath)
		return detection.NewYOLO(cfg.YOLO, log.L())
	}
}

func newSource(ctx context.Context, cfg config.VideoConfig, droneHub *bridge.Hub, logger *slog.Logger) (video.Source, error) {
	switch cfg.Source {
	case config.SourceCapture:
		return video.OpenCapture(cfg.Capture, log.L())
	case config.SourceWebRTC:
		src := video.NewWebRTCSource(cfg.WebRTC, log.L())
		logger.Info("connecting to drone video", "signalling", cfg.WebRTC.SignallingURL)
		if err := src.Connect(ctx); err != nil {
			src.Close()
			return nil, err
		}
		return src, nil
	default:
		return droneHub, nil
	}
}

func openJournal(ctx context.Context, cfg config.TelemetryConfig, logger *slog.Logger) (*telemetry.Journal, error) {
	if cfg.JournalPath == "" {
		return nil, nil
	}
	j, err := telemetry.OpenJournal(cfg.JournalPath)
	if err != nil {
		return nil, fmt.Errorf("journal: %w", err)
	}
	if cfg.JournalRetention > 0 {
		n, err := j.Prune(ctx, time.Now().Add(-cfg.JournalRetention))
		if err != nil {
			logger.Warn("journal prune failed", "error", err)
		} else if n > 0 {
			logger.Info("journal pruned", "events", n)
		}
	}
	return j, nil
}
