// Package readiness turns capture activity into a binary "safe to serve" verdict.
//
// A FrameClock records frame arrivals from the single capture producer; an
// Evaluator reads it on every readiness query and compares the age of the last
// frame against a threshold that can be changed at runtime.
package readiness

import (
	"sync/atomic"
	"time"
)

// frameState is replaced wholesale on every update, so readers always see a
// coherent (started, lastFrameAt, frames) triple.
type frameState struct {
	started     bool
	stopped     bool
	lastFrameAt time.Time
	frames      uint64
}

// FrameClock tracks when the most recent frame was captured.
type FrameClock struct {
	state     atomic.Pointer[frameState]
	now       func() time.Time
	createdAt time.Time
}

// Snapshot is a point-in-time copy of the clock state.
type Snapshot struct {
	CaptureStarted bool
	Stopped        bool
	LastFrameAt    time.Time
	FrameCount     uint64
	CreatedAt      time.Time
}

// Option configures a FrameClock.
type Option func(*FrameClock)

// WithNow injects the time source. Tests use it to synthesize frame ages.
func WithNow(now func() time.Time) Option {
	return func(c *FrameClock) {
		c.now = now
	}
}

// NewFrameClock creates a clock with no frames recorded.
func NewFrameClock(opts ...Option) *FrameClock {
	c := &FrameClock{now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	c.createdAt = c.now()
	c.state.Store(&frameState{})
	return c
}

// RecordFrame notes a frame arrival at the current time. It never blocks.
func (c *FrameClock) RecordFrame() {
	c.RecordFrameAt(c.now())
}

// RecordFrameAt notes a frame captured at t. The last-frame timestamp never
// moves backwards; an out-of-order frame still counts. Frames recorded after
// Stop are ignored.
func (c *FrameClock) RecordFrameAt(t time.Time) {
	for {
		old := c.state.Load()
		if old.stopped {
			return
		}
		next := &frameState{
			started:     true,
			lastFrameAt: old.lastFrameAt,
			frames:      old.frames + 1,
		}
		if t.After(old.lastFrameAt) {
			next.lastFrameAt = t
		}
		if c.state.CompareAndSwap(old, next) {
			return
		}
	}
}

// Stop marks capture as shut down. Readiness reports not_started from then on.
func (c *FrameClock) Stop() {
	for {
		old := c.state.Load()
		if old.stopped {
			return
		}
		next := *old
		next.stopped = true
		if c.state.CompareAndSwap(old, &next) {
			return
		}
	}
}

// Snapshot returns the current state.
func (c *FrameClock) Snapshot() Snapshot {
	s := c.state.Load()
	return Snapshot{
		CaptureStarted: s.started,
		Stopped:        s.stopped,
		LastFrameAt:    s.lastFrameAt,
		FrameCount:     s.frames,
		CreatedAt:      c.createdAt,
	}
}

// Now returns the clock's notion of the current time.
func (c *FrameClock) Now() time.Time {
	return c.now()
}

// Age returns how old the last frame is. ok is false before the first frame.
// A frame stamped in the future has age zero.
func (s Snapshot) Age(now time.Time) (age time.Duration, ok bool) {
	if !s.CaptureStarted {
		return 0, false
	}
	age = now.Sub(s.LastFrameAt)
	if age < 0 {
		age = 0
	}
	return age, true
}
