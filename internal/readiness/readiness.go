package readiness

import (
	"fmt"
	"sync/atomic"
	"time"
)

// State is the readiness verdict.
type State string

const (
	StateNotStarted State = "not_started"
	StateStale      State = "stale"
	StateReady      State = "ready"
)

// Reason codes attached to a verdict.
const (
	CodeOK                = "ok"
	CodeCaptureNotStarted = "capture_not_started"
	CodeCaptureStopped    = "capture_stopped"
	CodeFrameStale        = "frame_stale"
)

// Verdict is the result of one readiness evaluation.
type Verdict struct {
	State            State    `json:"state"`
	Code             string   `json:"code"`
	Reason           string   `json:"reason"`
	FrameAgeSeconds  *float64 `json:"frame_age_seconds"`
	ThresholdSeconds float64  `json:"threshold_seconds"`
}

// Ready reports whether the node is safe to serve.
func (v Verdict) Ready() bool {
	return v.State == StateReady
}

// Evaluator computes verdicts from a FrameClock and a staleness threshold.
type Evaluator struct {
	clock     *FrameClock
	threshold atomic.Int64
}

// NewEvaluator creates an evaluator with the given staleness threshold.
func NewEvaluator(clock *FrameClock, threshold time.Duration) *Evaluator {
	e := &Evaluator{clock: clock}
	e.threshold.Store(int64(threshold))
	return e
}

// SetThreshold changes the staleness threshold. Non-positive values are ignored.
// The next Evaluate call uses the new value.
func (e *Evaluator) SetThreshold(d time.Duration) bool {
	if d <= 0 {
		return false
	}
	e.threshold.Store(int64(d))
	return true
}

// Threshold returns the current staleness threshold.
func (e *Evaluator) Threshold() time.Duration {
	return time.Duration(e.threshold.Load())
}

// Evaluate returns not_started before the first frame or after Stop,
// stale when the last frame is older than the threshold, ready otherwise.
func (e *Evaluator) Evaluate() Verdict {
	return Evaluate(e.clock.Snapshot(), e.clock.Now(), e.Threshold())
}

// Evaluate is the pure verdict function over a clock snapshot.
func Evaluate(s Snapshot, now time.Time, threshold time.Duration) Verdict {
	v := Verdict{ThresholdSeconds: threshold.Seconds()}

	if s.Stopped {
		v.State = StateNotStarted
		v.Code = CodeCaptureStopped
		v.Reason = "capture stopped"
		return v
	}

	age, ok := s.Age(now)
	if !ok {
		v.State = StateNotStarted
		v.Code = CodeCaptureNotStarted
		v.Reason = "capture has not produced a frame yet"
		return v
	}

	secs := age.Seconds()
	v.FrameAgeSeconds = &secs

	if age > threshold {
		v.State = StateStale
		v.Code = CodeFrameStale
		v.Reason = fmt.Sprintf("last frame is %s old, threshold is %s",
			age.Round(time.Millisecond), threshold)
		return v
	}

	v.State = StateReady
	v.Code = CodeOK
	v.Reason = "frames are fresh"
	return v
}
