package tracking

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/teslashibe/go-skytrack/pkg/tracking/detection"
	"github.com/teslashibe/go-skytrack/pkg/video"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testFrame(seq uint64) video.Frame {
	return video.Frame{
		Data:   []byte{0xff, 0xd8, 0xff},
		Width:  1280,
		Height: 720,
		Format: video.FormatJPEG,
		Seq:    seq,
	}
}

// waitFor polls cond until it holds or the deadline passes
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

func receive(t *testing.T, p *Pipeline) Outcome {
	t.Helper()
	select {
	case out := <-p.Results():
		return out
	case <-time.After(2 * time.Second):
		t.Fatal("no outcome")
	}
	return Outcome{}
}

func TestPipeline_SingleFlight(t *testing.T) {
	release := make(chan struct{})
	engine := &detection.MockEngine{
		DetectFunc: func(ctx context.Context, img detection.Image, opts detection.Options) ([]detection.Detection, error) {
			<-release
			return []detection.Detection{person(0, 0, 10, 10, 0.9)}, nil
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := NewPipeline(engine, detection.DefaultOptions(), time.Second, nil, quietLogger())
	go p.Run(ctx)

	if !p.Submit(ctx, testFrame(1)) {
		t.Fatal("first submission rejected")
	}
	for i := uint64(2); i < 6; i++ {
		if p.Submit(ctx, testFrame(i)) {
			t.Fatalf("submission %d accepted while busy", i)
		}
	}
	close(release)

	out := receive(t, p)
	if out.Seq != 1 {
		t.Errorf("outcome seq = %d, want 1", out.Seq)
	}
	if out.Err != nil {
		t.Errorf("unexpected error: %v", out.Err)
	}
	if len(out.Detections) != 1 {
		t.Errorf("detections = %d, want 1", len(out.Detections))
	}
	if out.FrameWidth != 1280 || out.FrameHeight != 720 {
		t.Errorf("frame dims = %dx%d", out.FrameWidth, out.FrameHeight)
	}

	waitFor(t, "slot release", func() bool { return !p.Busy() })
	if !p.Submit(ctx, testFrame(7)) {
		t.Error("submission rejected after slot released")
	}
	receive(t, p)

	stats := p.Stats()
	if stats.Submitted != 2 || stats.DroppedBusy != 4 || stats.Completed != 2 {
		t.Errorf("stats = %+v", stats)
	}
	if engine.Calls() != 2 {
		t.Errorf("engine calls = %d, want 2", engine.Calls())
	}
}

func TestPipeline_Timeout(t *testing.T) {
	tests := []struct {
		name   string
		detect func(ctx context.Context, img detection.Image, opts detection.Options) ([]detection.Detection, error)
	}{
		{
			name: "engine ignores context",
			detect: func(ctx context.Context, img detection.Image, opts detection.Options) ([]detection.Detection, error) {
				time.Sleep(300 * time.Millisecond)
				return nil, nil
			},
		},
		{
			name: "engine honors context",
			detect: func(ctx context.Context, img detection.Image, opts detection.Options) ([]detection.Detection, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			p := NewPipeline(&detection.MockEngine{DetectFunc: tc.detect}, detection.DefaultOptions(), 30*time.Millisecond, nil, quietLogger())
			go p.Run(ctx)

			p.Submit(ctx, testFrame(9))
			out := receive(t, p)
			if !errors.Is(out.Err, ErrDetectionTimeout) {
				t.Fatalf("err = %v, want ErrDetectionTimeout", out.Err)
			}
			var ie *InferenceError
			if !errors.As(out.Err, &ie) || !ie.IsTimeout() || ie.Seq != 9 {
				t.Errorf("err = %#v, want timed out InferenceError for frame 9", out.Err)
			}
			waitFor(t, "slot release", func() bool { return !p.Busy() })
			if p.Stats().TimedOut != 1 {
				t.Errorf("TimedOut = %d, want 1", p.Stats().TimedOut)
			}
		})
	}
}

func TestPipeline_EngineError(t *testing.T) {
	boom := errors.New("bad tensor")
	engine := &detection.MockEngine{
		DetectFunc: func(ctx context.Context, img detection.Image, opts detection.Options) ([]detection.Detection, error) {
			return nil, boom
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := NewPipeline(engine, detection.DefaultOptions(), time.Second, nil, quietLogger())
	go p.Run(ctx)

	p.Submit(ctx, testFrame(3))
	out := receive(t, p)
	if !errors.Is(out.Err, boom) {
		t.Errorf("err = %v, want wrapped %v", out.Err, boom)
	}
	waitFor(t, "failed counter", func() bool { return p.Stats().Failed == 1 })
}

func TestPipeline_PanicRecovered(t *testing.T) {
	engine := &detection.MockEngine{
		DetectFunc: func(ctx context.Context, img detection.Image, opts detection.Options) ([]detection.Detection, error) {
			panic("nil tensor")
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := NewPipeline(engine, detection.DefaultOptions(), time.Second, nil, quietLogger())
	go p.Run(ctx)

	p.Submit(ctx, testFrame(4))
	out := receive(t, p)
	var ie *InferenceError
	if !errors.As(out.Err, &ie) {
		t.Fatalf("err = %v, want InferenceError", out.Err)
	}
	if ie.Panic != "nil tensor" {
		t.Errorf("Panic = %v", ie.Panic)
	}

	waitFor(t, "slot release", func() bool { return !p.Busy() })
	if !p.Submit(ctx, testFrame(5)) {
		t.Error("pipeline unusable after panic")
	}
}

func TestPipeline_GenerationStamp(t *testing.T) {
	var gen Generation
	gen.Advance()
	gen.Advance()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := NewPipeline(&detection.MockEngine{}, detection.DefaultOptions(), time.Second, &gen, quietLogger())
	go p.Run(ctx)

	p.Submit(ctx, testFrame(1))
	gen.Advance()
	out := receive(t, p)
	if out.Generation != 2 {
		t.Errorf("generation = %d, want 2", out.Generation)
	}
	if gen.IsCurrent(out.Generation) {
		t.Error("outcome should be stale after Advance")
	}
}

func TestPipeline_ParentCancelled(t *testing.T) {
	started := make(chan struct{})
	engine := &detection.MockEngine{
		DetectFunc: func(ctx context.Context, img detection.Image, opts detection.Options) ([]detection.Detection, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	runCtx, stop := context.WithCancel(context.Background())
	defer stop()

	p := NewPipeline(engine, detection.DefaultOptions(), time.Second, nil, quietLogger())
	go p.Run(runCtx)

	jobCtx, cancelJob := context.WithCancel(context.Background())
	p.Submit(jobCtx, testFrame(1))
	<-started
	cancelJob()

	out := receive(t, p)
	if !errors.Is(out.Err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", out.Err)
	}
	if errors.Is(out.Err, ErrDetectionTimeout) {
		t.Error("cancellation reported as timeout")
	}
	stats := p.Stats()
	if stats.Cancelled != 1 || stats.Failed != 0 {
		t.Errorf("stats = %+v, want one cancelled and no failures", stats)
	}
}

func TestPipeline_HungEngineHoldsSlot(t *testing.T) {
	release := make(chan struct{})
	engine := &detection.MockEngine{
		DetectFunc: func(ctx context.Context, img detection.Image, opts detection.Options) ([]detection.Detection, error) {
			<-release // ignores ctx
			return nil, nil
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := NewPipeline(engine, detection.DefaultOptions(), 10*time.Millisecond, nil, quietLogger())
	go p.Run(ctx)

	if !p.Submit(ctx, testFrame(1)) {
		t.Fatal("first submission rejected")
	}
	out := receive(t, p)
	if !errors.Is(out.Err, ErrDetectionTimeout) {
		t.Fatalf("err = %v, want ErrDetectionTimeout", out.Err)
	}

	// The timeout is reported, but the engine is still inside Detect
	for i := uint64(2); i <= 50; i++ {
		if p.Submit(ctx, testFrame(i)) {
			t.Fatalf("submission %d accepted while the engine is still running", i)
		}
		time.Sleep(time.Millisecond)
	}
	if !p.Busy() {
		t.Error("Busy() = false while the engine is still running")
	}
	if engine.Calls() != 1 {
		t.Errorf("engine calls = %d, want 1", engine.Calls())
	}
	stats := p.Stats()
	if stats.DroppedBusy != 49 || stats.Stalled != 49 {
		t.Errorf("stats = %+v, want 49 stalled drops", stats)
	}

	close(release)
	waitFor(t, "engine to return", func() bool { return !p.Busy() })
	if !p.Submit(ctx, testFrame(51)) {
		t.Fatal("submission rejected after the engine returned")
	}
	if out := receive(t, p); out.Err != nil || out.Seq != 51 {
		t.Errorf("outcome = %+v", out)
	}
	if engine.Calls() != 2 {
		t.Errorf("engine calls = %d, want 2", engine.Calls())
	}
}
