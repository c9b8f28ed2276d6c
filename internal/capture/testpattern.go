package capture

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"log/slog"
	"time"
)

// TestPattern is a synthetic Source that renders a moving bar so the webcam
// role runs without camera hardware.
type TestPattern struct {
	Width    int
	Height   int
	Interval time.Duration
	Quality  int
	Logger   *slog.Logger

	now func() time.Time
}

// NewTestPattern creates a test pattern source.
func NewTestPattern(width, height int, interval time.Duration, logger *slog.Logger) *TestPattern {
	if logger == nil {
		logger = slog.Default()
	}
	return &TestPattern{
		Width:    width,
		Height:   height,
		Interval: interval,
		Quality:  75,
		Logger:   logger,
		now:      time.Now,
	}
}

// Run emits one frame per interval until ctx is cancelled.
func (p *TestPattern) Run(ctx context.Context, emit func(Frame)) error {
	if p.Width <= 0 || p.Height <= 0 {
		return fmt.Errorf("invalid test pattern size %dx%d", p.Width, p.Height)
	}
	if p.Interval <= 0 {
		return fmt.Errorf("invalid capture interval %s", p.Interval)
	}

	p.Logger.Info("test pattern capture starting",
		"width", p.Width,
		"height", p.Height,
		"interval", p.Interval,
	)

	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	var seq uint64
	for {
		select {
		case <-ctx.Done():
			p.Logger.Info("test pattern capture stopped", "frames", seq)
			return nil
		case <-ticker.C:
			seq++
			data, err := p.render(seq)
			if err != nil {
				p.Logger.Warn("failed to encode test frame", "seq", seq, "error", err)
				continue
			}
			emit(Frame{
				Data:       data,
				Width:      p.Width,
				Height:     p.Height,
				CapturedAt: p.now(),
				Seq:        seq,
			})
		}
	}
}

func (p *TestPattern) render(seq uint64) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, p.Width, p.Height))
	barWidth := max(p.Width/16, 1)
	barX := int(seq*uint64(barWidth)) % p.Width

	for y := 0; y < p.Height; y++ {
		shade := uint8(64 + (y*128)/p.Height)
		for x := 0; x < p.Width; x++ {
			c := color.RGBA{R: shade / 2, G: shade / 2, B: shade, A: 255}
			if x >= barX && x < barX+barWidth {
				c = color.RGBA{R: 255, G: 255, B: 255, A: 255}
			}
			img.SetRGBA(x, y, c)
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: p.Quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
