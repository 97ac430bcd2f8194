package video

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"gocv.io/x/gocv"
)

// ErrStreamEnded is returned by Run when a file or stream runs out of frames
var ErrStreamEnded = errors.New("video: stream ended")

// CaptureConfig configures a CaptureSource
type CaptureConfig struct {
	// Device is a camera index ("0"), a file path or a stream URL (rtsp://...)
	Device string `yaml:"device"`

	// Format is the delivered pixel format: FormatJPEG or FormatBGR24
	Format string `yaml:"format"`

	// FPS caps delivery; 0 delivers as fast as the device produces
	FPS int `yaml:"fps"`

	JPEGQuality int `yaml:"jpeg_quality"`
}

// DefaultCaptureConfig returns a config for the first local camera
func DefaultCaptureConfig() CaptureConfig {
	return CaptureConfig{
		Device:      "0",
		Format:      FormatJPEG,
		FPS:         30,
		JPEGQuality: 80,
	}
}

// CaptureSource reads frames from a local camera, file or stream with OpenCV
type CaptureSource struct {
	cfg    CaptureConfig
	logger *slog.Logger

	mu  sync.Mutex
	cap *gocv.VideoCapture

	width  atomic.Int64
	height atomic.Int64
	seq    uint64
}

// OpenCapture opens the configured device
func OpenCapture(cfg CaptureConfig, logger *slog.Logger) (*CaptureSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Format == "" {
		cfg.Format = FormatJPEG
	}
	if cfg.Format != FormatJPEG && cfg.Format != FormatBGR24 {
		return nil, fmt.Errorf("video: unsupported capture format %q", cfg.Format)
	}
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = 80
	}

	var (
		vc  *gocv.VideoCapture
		err error
	)
	if id, convErr := strconv.Atoi(cfg.Device); convErr == nil {
		vc, err = gocv.VideoCaptureDevice(id)
	} else if _, statErr := os.Stat(cfg.Device); statErr == nil {
		vc, err = gocv.VideoCaptureFile(cfg.Device)
	} else {
		// Keep latency low on network streams
		vc, err = gocv.VideoCaptureFile(cfg.Device)
		if err == nil {
			vc.Set(gocv.VideoCaptureBufferSize, 1)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("open capture %q: %w", cfg.Device, err)
	}

	s := &CaptureSource{
		cfg:    cfg,
		logger: logger.With("component", "video.capture", "device", cfg.Device),
		cap:    vc,
	}
	s.width.Store(int64(vc.Get(gocv.VideoCaptureFrameWidth)))
	s.height.Store(int64(vc.Get(gocv.VideoCaptureFrameHeight)))
	s.logger.Info("capture opened", "width", s.width.Load(), "height", s.height.Load())
	return s, nil
}

// Run reads frames until ctx is cancelled or the device stops producing
func (s *CaptureSource) Run(ctx context.Context, handler FrameHandler) error {
	img := gocv.NewMat()
	defer img.Close()

	var interval time.Duration
	if s.cfg.FPS > 0 {
		interval = time.Second / time.Duration(s.cfg.FPS)
	}
	last := time.Time{}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		s.mu.Lock()
		if s.cap == nil {
			s.mu.Unlock()
			return ErrStreamEnded
		}
		ok := s.cap.Read(&img)
		s.mu.Unlock()
		if !ok {
			return ErrStreamEnded
		}
		if img.Empty() {
			continue
		}

		if interval > 0 && time.Since(last) < interval {
			continue
		}
		last = time.Now()

		frame, err := s.encode(img)
		if err != nil {
			s.logger.Warn("encode frame", "error", err)
			continue
		}
		handler(frame)
	}
}

func (s *CaptureSource) encode(img gocv.Mat) (Frame, error) {
	w, h := img.Cols(), img.Rows()
	s.width.Store(int64(w))
	s.height.Store(int64(h))
	s.seq++

	f := Frame{Width: w, Height: h, Format: s.cfg.Format, Seq: s.seq}
	switch s.cfg.Format {
	case FormatBGR24:
		if img.Type() != gocv.MatTypeCV8UC3 {
			return Frame{}, fmt.Errorf("unexpected mat type %v", img.Type())
		}
		f.Data = img.ToBytes()
	default:
		buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, img, []int{gocv.IMWriteJpegQuality, s.cfg.JPEGQuality})
		if err != nil {
			return Frame{}, err
		}
		data := buf.GetBytes()
		f.Data = make([]byte, len(data))
		copy(f.Data, data)
		buf.Close()
	}
	return f, nil
}

// Dimensions returns the last seen frame size
func (s *CaptureSource) Dimensions() (int, int) {
	return int(s.width.Load()), int(s.height.Load())
}

// Close releases the device
func (s *CaptureSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cap == nil {
		return nil
	}
	err := s.cap.Close()
	s.cap = nil
	return err
}

var _ Source = (*CaptureSource)(nil)
