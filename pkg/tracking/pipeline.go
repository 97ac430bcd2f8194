package tracking

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-skytrack/pkg/tracking/detection"
	"github.com/teslashibe/go-skytrack/pkg/video"
)

// Outcome is the asynchronous result of one detection job
type Outcome struct {
	Seq         uint64
	Generation  uint64
	FrameWidth  int
	FrameHeight int
	Detections  []detection.Detection
	Err         error // *InferenceError when set
	Latency     time.Duration
}

// PipelineStats are cumulative pipeline counters
type PipelineStats struct {
	Submitted   uint64 `json:"submitted"`
	DroppedBusy uint64 `json:"dropped_busy"`
	Completed   uint64 `json:"completed"`
	Failed      uint64 `json:"failed"`
	TimedOut    uint64 `json:"timed_out"`
	Cancelled   uint64 `json:"cancelled"`
	// Stalled counts submissions rejected because an abandoned detector
	// call had not returned yet. They are included in DroppedBusy.
	Stalled uint64 `json:"stalled"`
}

type job struct {
	ctx   context.Context
	frame video.Frame
	gen   uint64
	start time.Time
}

type engineResult struct {
	dets []detection.Detection
	err  error
}

// Pipeline runs detection on a dedicated worker with at most one job in
// flight. Submissions made while a job is outstanding are rejected, never
// queued. A job that times out reports at once, but the slot stays taken
// until the engine call itself returns.
type Pipeline struct {
	engine  detection.Engine
	opts    detection.Options
	timeout time.Duration
	gen     *Generation
	logger  *slog.Logger

	jobs    chan job
	results chan Outcome
	busy    atomic.Bool
	// engineRunning is set while a Detect call is executing, including one
	// abandoned after its deadline
	engineRunning atomic.Bool

	submitted   atomic.Uint64
	droppedBusy atomic.Uint64
	completed   atomic.Uint64
	failed      atomic.Uint64
	timedOut    atomic.Uint64
	cancelled   atomic.Uint64
	stalled     atomic.Uint64
}

// NewPipeline creates a pipeline. gen stamps each job with the generation
// current at submission; a nil gen stamps zero.
func NewPipeline(engine detection.Engine, opts detection.Options, timeout time.Duration, gen *Generation, logger *slog.Logger) *Pipeline {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if gen == nil {
		gen = &Generation{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		engine:  engine,
		opts:    opts,
		timeout: timeout,
		gen:     gen,
		logger:  logger.With("component", "tracking.pipeline"),
		jobs:    make(chan job, 1),
		results: make(chan Outcome, 1),
	}
}

// Results delivers one Outcome per accepted submission
func (p *Pipeline) Results() <-chan Outcome {
	return p.results
}

// Busy reports whether a job is outstanding or the engine is still
// working on an abandoned one
func (p *Pipeline) Busy() bool {
	return p.busy.Load() || p.engineRunning.Load()
}

// Submit hands frame to the worker. It returns false when a job is already
// outstanding. ctx bounds the job; cancelling it abandons the inference.
func (p *Pipeline) Submit(ctx context.Context, frame video.Frame) bool {
	if p.engineRunning.Load() {
		p.droppedBusy.Add(1)
		p.stalled.Add(1)
		p.logger.Debug("detector still running, frame skipped", "seq", frame.Seq)
		return false
	}
	if !p.busy.CompareAndSwap(false, true) {
		p.droppedBusy.Add(1)
		p.logger.Debug("detection busy, frame skipped", "seq", frame.Seq)
		return false
	}
	p.submitted.Add(1)
	// Capacity 1 and the busy flag guarantee this never blocks.
	p.jobs <- job{ctx: ctx, frame: frame, gen: p.gen.Current(), start: time.Now()}
	return true
}

// Run processes jobs until ctx is cancelled
func (p *Pipeline) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-p.jobs:
			out := p.process(j)
			select {
			case p.results <- out:
			case <-ctx.Done():
				p.busy.Store(false)
				return
			}
			p.busy.Store(false)
		}
	}
}

func (p *Pipeline) process(j job) Outcome {
	out := Outcome{
		Seq:         j.frame.Seq,
		Generation:  j.gen,
		FrameWidth:  j.frame.Width,
		FrameHeight: j.frame.Height,
	}

	ctx, cancel := context.WithTimeout(j.ctx, p.timeout)
	defer cancel()

	img := detection.Image{
		Data:   j.frame.Data,
		Width:  j.frame.Width,
		Height: j.frame.Height,
		Format: j.frame.Format,
	}

	// Buffered so an abandoned call can finish without a reader
	done := make(chan engineResult, 1)
	p.engineRunning.Store(true)
	go func() {
		defer p.engineRunning.Store(false)
		defer func() {
			if r := recover(); r != nil {
				done <- engineResult{err: &InferenceError{Seq: j.frame.Seq, Panic: r, Err: errors.New("engine panic")}}
			}
		}()
		dets, err := p.engine.Detect(ctx, img, p.opts)
		done <- engineResult{dets: dets, err: err}
	}()

	select {
	case r := <-done:
		out.Detections = r.dets
		if r.err != nil {
			var ie *InferenceError
			if !errors.As(r.err, &ie) {
				ie = &InferenceError{Seq: j.frame.Seq, Err: r.err}
			}
			if ctx.Err() != nil {
				ie.Err = p.deadlineErr(j.ctx, ctx)
			}
			out.Err = ie
		}
	case <-ctx.Done():
		out.Err = &InferenceError{Seq: j.frame.Seq, Err: p.deadlineErr(j.ctx, ctx)}
	}
	out.Latency = time.Since(j.start)

	switch {
	case out.Err == nil:
		p.completed.Add(1)
	case errors.Is(out.Err, ErrDetectionTimeout):
		p.timedOut.Add(1)
		p.logger.Warn("detection timed out", "seq", out.Seq, "timeout", p.timeout)
	case errors.Is(out.Err, context.Canceled):
		p.cancelled.Add(1)
		p.logger.Debug("detection cancelled", "seq", out.Seq)
	default:
		p.failed.Add(1)
		p.logger.Warn("detection failed", "seq", out.Seq, "error", out.Err)
	}
	return out
}

// deadlineErr maps our own timeout to ErrDetectionTimeout and passes a
// cancelled parent through.
func (p *Pipeline) deadlineErr(parent, ctx context.Context) error {
	if parent.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrDetectionTimeout
	}
	return ctx.Err()
}

// Stats returns cumulative counters
func (p *Pipeline) Stats() PipelineStats {
	return PipelineStats{
		Submitted:   p.submitted.Load(),
		DroppedBusy: p.droppedBusy.Load(),
		Completed:   p.completed.Load(),
		Failed:      p.failed.Load(),
		TimedOut:    p.timedOut.Load(),
		Cancelled:   p.cancelled.Load(),
		Stalled:     p.stalled.Load(),
	}
}
