// Package config loads the tracker configuration from YAML, .env files and
// SKYTRACK_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/teslashibe/go-skytrack/internal/log"
	"github.com/teslashibe/go-skytrack/pkg/bridge"
	"github.com/teslashibe/go-skytrack/pkg/camera"
	"github.com/teslashibe/go-skytrack/pkg/telemetry"
	"github.com/teslashibe/go-skytrack/pkg/tracking"
	"github.com/teslashibe/go-skytrack/pkg/tracking/detection"
	"github.com/teslashibe/go-skytrack/pkg/video"
	"github.com/teslashibe/go-skytrack/pkg/web"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "SKYTRACK_"

// Detector engines
const (
	EngineYOLO  = "yolo"
	EngineYuNet = "yunet"
)

// Video sources
const (
	SourceBridge  = "bridge"  // frames arrive with the drone bridge
	SourceCapture = "capture" // local camera, file or RTSP via OpenCV
	SourceWebRTC  = "webrtc"  // drone H264 stream over WebRTC
)

// Config is the complete tracker configuration
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	Tracking  tracking.Config `yaml:"tracking"`
	Camera    CameraConfig    `yaml:"camera"`
	Detector  DetectorConfig  `yaml:"detector"`
	Video     VideoConfig     `yaml:"video"`
	Bridge    bridge.Config   `yaml:"bridge"`
	Web       web.Config      `yaml:"web"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// CameraConfig selects the camera intrinsics
type CameraConfig struct {
	Preset string `yaml:"preset"`

	// ReferenceWidth overrides the preset's real-world target width (meters)
	ReferenceWidth float64 `yaml:"reference_width"`

	// Custom replaces the preset entirely when set
	Custom *camera.Intrinsics `yaml:"custom,omitempty"`
}

// Intrinsics resolves the configured camera profile
func (c CameraConfig) Intrinsics() (camera.Intrinsics, error) {
	var in camera.Intrinsics
	if c.Custom != nil {
		in = *c.Custom
	} else {
		p := camera.GetPreset(c.Preset)
		if p == nil {
			return camera.Intrinsics{}, fmt.Errorf("unknown camera preset %q (have %s)", c.Preset, strings.Join(camera.PresetNames(), ", "))
		}
		in = *p
	}
	if c.ReferenceWidth > 0 {
		in = in.WithReferenceWidth(c.ReferenceWidth)
	}
	return in, nil
}

// DetectorConfig selects and configures the inference engine
type DetectorConfig struct {
	Engine string                `yaml:"engine"`
	YOLO   detection.YOLOConfig  `yaml:"yolo"`
	YuNet  detection.YuNetConfig `yaml:"yunet"`
}

// VideoConfig selects the frame source
type VideoConfig struct {
	Source  string             `yaml:"source"`
	Capture video.CaptureConfig `yaml:"capture"`
	WebRTC  video.WebRTCConfig  `yaml:"webrtc"`
}

// TelemetryConfig configures event sinks
type TelemetryConfig struct {
	MQTTEnabled bool                 `yaml:"mqtt_enabled"`
	MQTT        telemetry.MQTTConfig `yaml:"mqtt"`

	// JournalPath is the SQLite event journal; empty disables it
	JournalPath string `yaml:"journal_path"`

	// JournalRetention prunes older events at startup; 0 keeps everything
	JournalRetention time.Duration `yaml:"journal_retention"`

	// BufferSize is the per-sink event queue
	BufferSize int `yaml:"buffer_size"`
}

// DefaultConfig returns the configuration used when no file is given
func DefaultConfig() Config {
	return Config{
		LogLevel: "info",
		Tracking: tracking.DefaultConfig(),
		Camera: CameraConfig{
			Preset: camera.PresetDefault,
		},
		Detector: DetectorConfig{
			Engine: EngineYOLO,
			YOLO:   detection.DefaultYOLOConfig(),
			YuNet:  detection.DefaultYuNetConfig(),
		},
		Video: VideoConfig{
			Source:  SourceBridge,
			Capture: video.DefaultCaptureConfig(),
			WebRTC:  video.DefaultWebRTCConfig(),
		},
		Bridge: bridge.DefaultConfig(),
		Web:    web.DefaultConfig(),
		Telemetry: TelemetryConfig{
			MQTT:        telemetry.DefaultMQTTConfig(),
			JournalPath: "skytrack.db",
			BufferSize:  256,
		},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the
// defaults. Environment overrides are applied afterwards.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.LoadEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// LoadDotEnv loads .env files into the process environment. Missing files
// are ignored; variables already set win.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	var present []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			present = append(present, f)
		}
	}
	if len(present) == 0 {
		return nil
	}
	return godotenv.Load(present...)
}

// Env returns the SKYTRACK_-prefixed variable, or def if unset
func Env(key, def string) string {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		return v
	}
	return def
}

// LoadEnv applies SKYTRACK_* overrides
func (c *Config) LoadEnv() error {
	c.LogLevel = Env("LOG_LEVEL", c.LogLevel)

	c.Tracking.Mode = tracking.Mode(Env("MODE", string(c.Tracking.Mode)))
	c.Tracking.TargetLabel = Env("LABEL", c.Tracking.TargetLabel)
	c.Tracking.Policy = Env("POLICY", c.Tracking.Policy)
	if v := Env("INTERVAL", ""); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return &ConfigError{Field: "tracking.detection_interval", Message: EnvPrefix + "INTERVAL must be an integer"}
		}
		c.Tracking.DetectionInterval = n
	}

	c.Camera.Preset = Env("CAMERA", c.Camera.Preset)

	c.Detector.Engine = Env("ENGINE", c.Detector.Engine)
	if model := Env("MODEL", ""); model != "" {
		switch c.Detector.Engine {
		case EngineYuNet:
			c.Detector.YuNet.ModelPath = model
		default:
			c.Detector.YOLO.ModelPath = model
		}
	}

	c.Video.Source = Env("VIDEO_SOURCE", c.Video.Source)
	c.Video.Capture.Device = Env("CAPTURE_DEVICE", c.Video.Capture.Device)
	c.Video.WebRTC.SignallingURL = Env("SIGNALLING_URL", c.Video.WebRTC.SignallingURL)

	c.Web.Port = Env("PORT", c.Web.Port)

	if broker := Env("MQTT_BROKER", ""); broker != "" {
		c.Telemetry.MQTT.Broker = broker
		c.Telemetry.MQTTEnabled = true
	}
	c.Telemetry.JournalPath = Env("JOURNAL", c.Telemetry.JournalPath)
	return nil
}

// Validate checks every section and reports all problems at once
func (c *Config) Validate() error {
	var errs []error
	add := func(field string, msgs ...string) {
		for _, m := range msgs {
			errs = append(errs, &ConfigError{Field: field, Message: m})
		}
	}

	if !log.ValidLevel(c.LogLevel) {
		add("log_level", fmt.Sprintf("unknown level %q", c.LogLevel))
	}
	add("tracking", c.Tracking.Validate()...)

	if in, err := c.Camera.Intrinsics(); err != nil {
		add("camera.preset", err.Error())
	} else {
		add("camera", in.Validate()...)
	}

	switch c.Detector.Engine {
	case EngineYOLO:
		if c.Detector.YOLO.ModelPath == "" {
			add("detector.yolo.model_path", "model_path is required")
		}
	case EngineYuNet:
		if c.Detector.YuNet.ModelPath == "" {
			add("detector.yunet.model_path", "model_path is required")
		}
	default:
		add("detector.engine", fmt.Sprintf("unknown engine %q (want %s or %s)", c.Detector.Engine, EngineYOLO, EngineYuNet))
	}

	switch c.Video.Source {
	case SourceBridge:
	case SourceCapture:
		if c.Video.Capture.Device == "" {
			add("video.capture.device", "device is required")
		}
	case SourceWebRTC:
		if c.Video.WebRTC.SignallingURL == "" {
			add("video.webrtc.signalling_url", "signalling_url is required")
		}
	default:
		add("video.source", fmt.Sprintf("unknown source %q", c.Video.Source))
	}

	if c.Web.Port == "" {
		add("web.port", "port is required")
	}
	if c.Telemetry.MQTTEnabled && c.Telemetry.MQTT.Broker == "" {
		add("telemetry.mqtt.broker", "broker is required when mqtt is enabled")
	}
	if c.Telemetry.BufferSize < 0 {
		add("telemetry.buffer_size", "buffer_size must not be negative")
	}

	return errors.Join(errs...)
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return e.Field + ": " + e.Message
}
