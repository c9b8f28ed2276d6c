package readiness

import (
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// *For any* threshold T and frame age A, a started clock is ready iff A <= T
// and stale iff A > T.
func TestEvaluateTruthTable(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("ready iff age <= threshold", prop.ForAll(
		func(thresholdMS, ageMS int64) bool {
			fc := newFakeClock()
			clock := NewFrameClock(WithNow(fc.Now))
			eval := NewEvaluator(clock, time.Duration(thresholdMS)*time.Millisecond)

			clock.RecordFrame()
			fc.Advance(time.Duration(ageMS) * time.Millisecond)

			v := eval.Evaluate()
			if v.FrameAgeSeconds == nil {
				return false
			}
			if ageMS <= thresholdMS {
				return v.State == StateReady && v.Code == CodeOK && v.Ready()
			}
			return v.State == StateStale && v.Code == CodeFrameStale && !v.Ready()
		},
		gen.Int64Range(1, 60_000),
		gen.Int64Range(0, 600_000),
	))

	properties.Property("never started is not_started for any threshold", prop.ForAll(
		func(thresholdMS, elapsedMS int64) bool {
			fc := newFakeClock()
			clock := NewFrameClock(WithNow(fc.Now))
			eval := NewEvaluator(clock, time.Duration(thresholdMS)*time.Millisecond)
			fc.Advance(time.Duration(elapsedMS) * time.Millisecond)

			v := eval.Evaluate()
			return v.State == StateNotStarted &&
				v.Code == CodeCaptureNotStarted &&
				v.FrameAgeSeconds == nil
		},
		gen.Int64Range(1, 60_000),
		gen.Int64Range(0, 600_000),
	))

	properties.TestingRun(t)
}

// *For any* sequence of frame timestamps, the last-frame time is the maximum
// seen and the frame count equals the number recorded.
func TestFrameClockMonotonic(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("last frame never regresses", prop.ForAll(
		func(offsets []int64) bool {
			base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
			clock := NewFrameClock(WithNow(func() time.Time { return base }))

			var maxAt time.Time
			for _, off := range offsets {
				at := base.Add(time.Duration(off) * time.Second)
				clock.RecordFrameAt(at)
				if at.After(maxAt) {
					maxAt = at
				}
			}

			s := clock.Snapshot()
			if len(offsets) == 0 {
				return !s.CaptureStarted && s.FrameCount == 0
			}
			return s.CaptureStarted &&
				s.FrameCount == uint64(len(offsets)) &&
				s.LastFrameAt.Equal(maxAt)
		},
		gen.SliceOf(gen.Int64Range(1, 10_000)),
	))

	properties.TestingRun(t)
}

func TestThresholdChangeTakesEffectImmediately(t *testing.T) {
	fc := newFakeClock()
	clock := NewFrameClock(WithNow(fc.Now))
	eval := NewEvaluator(clock, 10*time.Second)

	clock.RecordFrame()
	fc.Advance(15 * time.Second)

	if got := eval.Evaluate().State; got != StateStale {
		t.Fatalf("state = %s, want stale", got)
	}

	if !eval.SetThreshold(30 * time.Second) {
		t.Fatal("SetThreshold(30s) rejected")
	}
	if got := eval.Evaluate().State; got != StateReady {
		t.Fatalf("state after raising threshold = %s, want ready", got)
	}

	if eval.SetThreshold(0) {
		t.Fatal("SetThreshold(0) accepted")
	}
	if eval.Threshold() != 30*time.Second {
		t.Fatalf("threshold = %s, want 30s", eval.Threshold())
	}
}

func TestStopReportsNotStarted(t *testing.T) {
	fc := newFakeClock()
	clock := NewFrameClock(WithNow(fc.Now))
	eval := NewEvaluator(clock, 10*time.Second)

	clock.RecordFrame()
	if !eval.Evaluate().Ready() {
		t.Fatal("expected ready after a fresh frame")
	}

	clock.Stop()
	clock.RecordFrame()

	v := eval.Evaluate()
	if v.State != StateNotStarted || v.Code != CodeCaptureStopped {
		t.Fatalf("after Stop: state=%s code=%s, want not_started/capture_stopped", v.State, v.Code)
	}
	if clock.Snapshot().FrameCount != 1 {
		t.Fatalf("frames recorded after Stop were counted")
	}
}

func TestFutureFrameHasZeroAge(t *testing.T) {
	fc := newFakeClock()
	clock := NewFrameClock(WithNow(fc.Now))
	eval := NewEvaluator(clock, time.Second)

	clock.RecordFrameAt(fc.Now().Add(time.Minute))

	v := eval.Evaluate()
	if v.State != StateReady {
		t.Fatalf("state = %s, want ready", v.State)
	}
	if v.FrameAgeSeconds == nil || *v.FrameAgeSeconds != 0 {
		t.Fatalf("frame age = %v, want 0", v.FrameAgeSeconds)
	}
}

// Readers racing a single producer always see a coherent snapshot.
func TestConcurrentRecordAndEvaluate(t *testing.T) {
	clock := NewFrameClock()
	eval := NewEvaluator(clock, time.Hour)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			clock.RecordFrame()
		}
	}()

	for i := 0; i < 1000; i++ {
		s := clock.Snapshot()
		if s.FrameCount > 0 && (!s.CaptureStarted || s.LastFrameAt.IsZero()) {
			t.Fatalf("torn snapshot: %+v", s)
		}
		v := eval.Evaluate()
		if v.State == StateStale {
			t.Fatalf("unexpected stale verdict with a one hour threshold")
		}
	}
	<-done

	if got := clock.Snapshot().FrameCount; got != 1000 {
		t.Fatalf("FrameCount = %d, want 1000", got)
	}
}
