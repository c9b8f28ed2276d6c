package webcam

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/narvanalabs/camfleet/internal/readiness"
)

// ThresholdLoader returns the staleness threshold from current configuration.
type ThresholdLoader func() (time.Duration, error)

// WatchThreshold re-reads the threshold each time a signal arrives on sigCh
// and applies it to eval. It returns when ctx is done.
func WatchThreshold(ctx context.Context, sigCh <-chan os.Signal, eval *readiness.Evaluator, load ThresholdLoader, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigCh:
			d, err := load()
			if err != nil {
				logger.Error("reloading staleness threshold", "signal", sig, "error", err)
				continue
			}
			old := eval.Threshold()
			if !eval.SetThreshold(d) {
				logger.Warn("ignoring non-positive staleness threshold", "signal", sig, "threshold", d)
				continue
			}
			if old != d {
				logger.Info("staleness threshold changed", "old", old, "new", d, "source", "signal")
			}
		}
	}
}
