package webcam

import (
	"context"
	"log/slog"
	"sync"

	"github.com/narvanalabs/camfleet/internal/capture"
	"github.com/narvanalabs/camfleet/internal/readiness"
)

// Pipeline runs a capture source, publishing each frame to the latest-frame
// buffer and recording it on the frame clock.
type Pipeline struct {
	source capture.Source
	clock  *readiness.FrameClock
	latest *capture.Latest
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPipeline creates a pipeline. Nothing runs until Start.
func NewPipeline(source capture.Source, clock *readiness.FrameClock, latest *capture.Latest, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		source: source,
		clock:  clock,
		latest: latest,
		logger: logger.With("component", "capture"),
	}
}

// Start runs the source in the background. A second call is a no-op.
//
// If the source returns early the clock is left alone: frames stop arriving
// and readiness goes stale on its own.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done != nil {
		return
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		if err := p.source.Run(ctx, p.emit); err != nil && ctx.Err() == nil {
			p.logger.Error("capture source failed", "error", err)
		}
	}()
}

func (p *Pipeline) emit(f capture.Frame) {
	if f.CapturedAt.IsZero() {
		f.CapturedAt = p.clock.Now()
	}
	p.latest.Publish(f)
	p.clock.RecordFrameAt(f.CapturedAt)
}

// Stop halts capture, waits for the source to return and marks the clock
// stopped so readiness is withdrawn.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	p.clock.Stop()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	p.logger.Info("capture stopped", "frames", p.clock.Snapshot().FrameCount)
}
