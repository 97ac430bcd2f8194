package detection

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"os"
	"sort"
	"sync"

	"gocv.io/x/gocv"
)

// FaceLabel is the category label YuNet reports
const FaceLabel = "face"

// YuNetConfig holds face engine configuration
type YuNetConfig struct {
	ModelPath   string  `yaml:"model_path"`
	NMSThresh   float32 `yaml:"nms_threshold"`
	InputWidth  int     `yaml:"input_width"`
	InputHeight int     `yaml:"input_height"`
}

// DefaultYuNetConfig returns production defaults for YuNet
func DefaultYuNetConfig() YuNetConfig {
	return YuNetConfig{
		ModelPath:   "models/face_detection_yunet.onnx",
		NMSThresh:   0.3,
		InputWidth:  320,
		InputHeight: 320,
	}
}

// YuNetEngine uses OpenCV's FaceDetectorYN. Every result is labelled FaceLabel.
type YuNetEngine struct {
	detector gocv.FaceDetectorYN
	mu       sync.Mutex
	logger   *slog.Logger
}

// NewYuNet creates a face engine. The score threshold is applied per call
// from Options, so the model itself is built with a permissive threshold.
func NewYuNet(cfg YuNetConfig, logger *slog.Logger) (*YuNetEngine, error) {
	if _, err := os.Stat(cfg.ModelPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("model file not found: %s", cfg.ModelPath)
	}

	detector := gocv.NewFaceDetectorYNWithParams(
		cfg.ModelPath,
		"",
		image.Pt(cfg.InputWidth, cfg.InputHeight),
		0.1,
		cfg.NMSThresh,
		5000,
		int(gocv.NetBackendDefault),
		int(gocv.NetTargetCPU),
	)

	if logger == nil {
		logger = slog.Default()
	}
	return &YuNetEngine{
		detector: detector,
		logger:   logger.With("component", "detection.yunet"),
	}, nil
}

// Detect implements Engine
func (e *YuNetEngine) Detect(ctx context.Context, in Image, opts Options) ([]Detection, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	img, err := decode(in)
	if err != nil {
		return nil, err
	}
	defer img.Close()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.detector.SetInputSize(image.Pt(img.Cols(), img.Rows()))

	faces := gocv.NewMat()
	defer faces.Close()
	e.detector.Detect(img, &faces)

	var dets []Detection
	for r := 0; r < faces.Rows(); r++ {
		// 0-3: x, y, w, h; 4-13: landmarks; 14: score
		x := float64(faces.GetFloatAt(r, 0))
		y := float64(faces.GetFloatAt(r, 1))
		w := float64(faces.GetFloatAt(r, 2))
		h := float64(faces.GetFloatAt(r, 3))
		score := float64(faces.GetFloatAt(r, 14))

		dets = append(dets, Detection{
			Box:        Box{Left: x, Top: y, Right: x + w, Bottom: y + h},
			Categories: []Category{{Label: FaceLabel, Score: score}},
		})
	}
	sort.SliceStable(dets, func(i, j int) bool { return dets[i].Score() > dets[j].Score() })
	dets = limit(dets, opts)

	if len(dets) > 0 {
		e.logger.Debug("faces detected", "count", len(dets))
	}
	return dets, nil
}

// Close releases the engine resources
func (e *YuNetEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.detector.Close()
	return nil
}
