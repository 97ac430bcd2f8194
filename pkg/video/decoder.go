package video

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"os/exec"
	"sync"
	"time"
)

// H264Decoder turns accumulated H264 access units into JPEG frames with a
// short-lived ffmpeg process per decode. Decodes are rate limited.
type H264Decoder struct {
	minInterval time.Duration
	timeout     time.Duration

	mu         sync.Mutex
	lastDecode time.Time

	// Latest good frame
	latest   []byte
	latestMu sync.RWMutex
}

// NewH264Decoder creates a decoder. interval controls how often a decode is
// attempted (e.g. 50ms = 20 FPS max).
func NewH264Decoder(interval time.Duration) *H264Decoder {
	return &H264Decoder{
		minInterval: interval,
		timeout:     200 * time.Millisecond,
	}
}

// Due reports whether enough time has passed for another decode
func (d *H264Decoder) Due() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return time.Since(d.lastDecode) >= d.minInterval
}

// Decode decodes one frame from nal. It returns nil, nil when the data does
// not yet hold a complete picture.
func (d *H264Decoder) Decode(ctx context.Context, nal []byte) ([]byte, error) {
	if len(nal) < 100 {
		return nil, nil
	}

	d.mu.Lock()
	d.lastDecode = time.Now()
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-loglevel", "error",
		"-f", "h264",
		"-i", "pipe:0",
		"-vframes", "1",
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", "3",
		"pipe:1",
	)
	var stdout bytes.Buffer
	cmd.Stdin = bytes.NewReader(nal)
	cmd.Stdout = &stdout

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, nil
		}
		var execErr *exec.Error
		if errors.As(err, &execErr) {
			return nil, fmt.Errorf("ffmpeg unavailable: %w", err)
		}
		// Not enough data for a frame yet
		return nil, nil
	}

	data := stdout.Bytes()
	if isBlankJPEG(data) {
		return nil, nil
	}

	d.latestMu.Lock()
	d.latest = data
	d.latestMu.Unlock()
	return data, nil
}

// Latest returns a copy of the most recently decoded frame
func (d *H264Decoder) Latest() []byte {
	d.latestMu.RLock()
	defer d.latestMu.RUnlock()
	if d.latest == nil {
		return nil
	}
	out := make([]byte, len(d.latest))
	copy(out, d.latest)
	return out
}

// jpegSize returns the dimensions of a JPEG without decoding pixels
func jpegSize(data []byte) (int, int, error) {
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, err
	}
	return cfg.Width, cfg.Height, nil
}

// isBlankJPEG reports whether a JPEG is likely a gray or corrupt decoder
// artefact rather than a real picture
func isBlankJPEG(data []byte) bool {
	if len(data) < 1000 {
		return true
	}
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return true
	}
	b := img.Bounds()
	if b.Dx() < 100 || b.Dy() < 100 {
		return true
	}

	var rSum, gSum, bSum, samples int
	for y := b.Min.Y; y < b.Max.Y; y += b.Dy() / 10 {
		for x := b.Min.X; x < b.Max.X; x += b.Dx() / 10 {
			r, g, bl, _ := img.At(x, y).RGBA()
			rSum += int(r >> 8)
			gSum += int(g >> 8)
			bSum += int(bl >> 8)
			samples++
		}
	}
	if samples == 0 {
		return true
	}
	avgR, avgG, avgB := rSum/samples, gSum/samples, bSum/samples

	// Black
	if avgR < 30 && avgG < 30 && avgB < 30 {
		return true
	}
	// Uniform mid gray (what ffmpeg emits before a keyframe)
	diff := abs(avgR-avgG) + abs(avgG-avgB) + abs(avgR-avgB)
	return diff < 15 && avgR > 100 && avgR < 150
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
