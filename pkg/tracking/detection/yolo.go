package detection

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"sort"
	"sync"

	"gocv.io/x/gocv"
)

// ErrEmptyImage is returned when an image decodes to nothing
var ErrEmptyImage = errors.New("detection: empty image")

// YOLOEngine runs YOLOv8 ONNX models through OpenCV DNN
type YOLOEngine struct {
	net       gocv.Net
	config    YOLOConfig
	mu        sync.Mutex
	inputSize image.Point
	logger    *slog.Logger
}

// YOLOConfig holds YOLO engine configuration
type YOLOConfig struct {
	ModelPath   string  `yaml:"model_path"`
	NMSThresh   float32 `yaml:"nms_threshold"`
	InputWidth  int     `yaml:"input_width"`
	InputHeight int     `yaml:"input_height"`
}

// DefaultYOLOConfig returns production defaults for YOLOv8n
func DefaultYOLOConfig() YOLOConfig {
	return YOLOConfig{
		ModelPath:   "models/yolov8n.onnx",
		NMSThresh:   0.45,
		InputWidth:  640,
		InputHeight: 640,
	}
}

// NewYOLO loads a YOLO model
func NewYOLO(cfg YOLOConfig, logger *slog.Logger) (*YOLOEngine, error) {
	if _, err := os.Stat(cfg.ModelPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("model file not found: %s", cfg.ModelPath)
	}

	net := gocv.ReadNetFromONNX(cfg.ModelPath)
	if net.Empty() {
		return nil, fmt.Errorf("failed to load YOLO model from %s", cfg.ModelPath)
	}

	net.SetPreferableBackend(gocv.NetBackendDefault)
	net.SetPreferableTarget(gocv.NetTargetCPU)

	if logger == nil {
		logger = slog.Default()
	}
	return &YOLOEngine{
		net:       net,
		config:    cfg,
		inputSize: image.Pt(cfg.InputWidth, cfg.InputHeight),
		logger:    logger.With("component", "detection.yolo"),
	}, nil
}

// Detect implements Engine
func (e *YOLOEngine) Detect(ctx context.Context, in Image, opts Options) ([]Detection, error) {
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

	blob := gocv.BlobFromImage(img, 1.0/255.0, e.inputSize, gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	e.net.SetInput(blob, "")
	output := e.net.Forward("")
	defer output.Close()

	// YOLOv8n at 640: [1, 84, 8400]
	dets := e.parseOutput(output, float32(img.Cols()), float32(img.Rows()), float32(opts.ScoreThreshold))
	dets = limit(dets, opts)

	if len(dets) > 0 {
		e.logger.Debug("objects detected", "count", len(dets), "top", dets[0].Label())
	}
	return dets, nil
}

// candidate is one anchor that cleared the score threshold
type candidate struct {
	box   image.Rectangle
	score float32
	class int
}

// parseOutput reads the [1, 4+classes, anchors] tensor. Rows hold cx, cy,
// w, h followed by per-class scores; columns are anchors.
func (e *YOLOEngine) parseOutput(output gocv.Mat, imgW, imgH, scoreThresh float32) []Detection {
	data, err := output.DataPtrFloat32()
	if err != nil {
		return nil
	}
	anchors, channels := output.Cols(), output.Rows()
	at := func(ch, anchor int) float32 { return data[ch*anchors+anchor] }

	sx := imgW / float32(e.config.InputWidth)
	sy := imgH / float32(e.config.InputHeight)

	var cands []candidate
	for a := 0; a < anchors; a++ {
		best := candidate{class: -1}
		for ch := 4; ch < channels; ch++ {
			if s := at(ch, a); s > best.score {
				best.score, best.class = s, ch-4
			}
		}
		if best.class < 0 || best.score < scoreThresh {
			continue
		}
		cx, cy, w, h := at(0, a), at(1, a), at(2, a), at(3, a)
		best.box = image.Rect(
			int((cx-w/2)*sx), int((cy-h/2)*sy),
			int((cx+w/2)*sx), int((cy+h/2)*sy),
		)
		cands = append(cands, best)
	}
	if len(cands) == 0 {
		return nil
	}

	boxes := make([]image.Rectangle, len(cands))
	scores := make([]float32, len(cands))
	for i, c := range cands {
		boxes[i], scores[i] = c.box, c.score
	}
	keep := gocv.NMSBoxes(boxes, scores, scoreThresh, e.config.NMSThresh)

	dets := make([]Detection, 0, len(keep))
	for _, i := range keep {
		dets = append(dets, cands[i].detection())
	}
	sort.SliceStable(dets, func(i, j int) bool { return dets[i].Score() > dets[j].Score() })
	return dets
}

func (c candidate) detection() Detection {
	return Detection{
		Box: Box{
			Left:   float64(c.box.Min.X),
			Top:    float64(c.box.Min.Y),
			Right:  float64(c.box.Max.X),
			Bottom: float64(c.box.Max.Y),
		},
		Categories: []Category{{Label: ClassName(c.class), Score: float64(c.score)}},
	}
}

// Close releases the engine resources
func (e *YOLOEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.net.Close()
	return nil
}

// decode turns an Image into a BGR Mat
func decode(in Image) (gocv.Mat, error) {
	switch in.Format {
	case FormatBGR24:
		if in.Width <= 0 || in.Height <= 0 || len(in.Data) < in.Width*in.Height*3 {
			return gocv.Mat{}, ErrEmptyImage
		}
		return gocv.NewMatFromBytes(in.Height, in.Width, gocv.MatTypeCV8UC3, in.Data)
	case FormatJPEG, "":
		if len(in.Data) == 0 {
			return gocv.Mat{}, ErrEmptyImage
		}
		img, err := gocv.IMDecode(in.Data, gocv.IMReadColor)
		if err != nil {
			return gocv.Mat{}, fmt.Errorf("decode image: %w", err)
		}
		if img.Empty() {
			img.Close()
			return gocv.Mat{}, ErrEmptyImage
		}
		return img, nil
	}
	return gocv.Mat{}, fmt.Errorf("detection: unsupported image format %q", in.Format)
}

// ClassName returns the COCO label for id, or "" when out of range
func ClassName(id int) string {
	if id < 0 || id >= len(COCOClasses) {
		return ""
	}
	return COCOClasses[id]
}

// COCOClasses contains the 80 COCO class names
var COCOClasses = []string{
	"person", "bicycle", "car", "motorcycle", "airplane", "bus", "train", "truck", "boat",
	"traffic light", "fire hydrant", "stop sign", "parking meter", "bench", "bird", "cat",
	"dog", "horse", "sheep", "cow", "elephant", "bear", "zebra", "giraffe", "backpack",
	"umbrella", "handbag", "tie", "suitcase", "frisbee", "skis", "snowboard", "sports ball",
	"kite", "baseball bat", "baseball glove", "skateboard", "surfboard", "tennis racket",
	"bottle", "wine glass", "cup", "fork", "knife", "spoon", "bowl", "banana", "apple",
	"sandwich", "orange", "broccoli", "carrot", "hot dog", "pizza", "donut", "cake", "chair",
	"couch", "potted plant", "bed", "dining table", "toilet", "tv", "laptop", "mouse",
	"remote", "keyboard", "cell phone", "microwave", "oven", "toaster", "sink", "refrigerator",
	"book", "clock", "vase", "scissors", "teddy bear", "hair drier", "toothbrush",
}

// IsKnownLabel reports whether label is a COCO class or the face label
func IsKnownLabel(label string) bool {
	if label == FaceLabel {
		return true
	}
	for _, c := range COCOClasses {
		if c == label {
			return true
		}
	}
	return false
}
