package capture

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mikeyg42/rtcdetect/internal/model"
)

// Synthetic renders a moving test pattern. It has no media track and is
// meant for benchmarks and machines without a camera.
type Synthetic struct {
	width, height int
	interval      time.Duration
	quality       int
	logger        *zap.Logger
}

func NewSynthetic(width, height, frameRate, quality int) *Synthetic {
	if frameRate <= 0 {
		frameRate = 15
	}
	return &Synthetic{
		width:    width,
		height:   height,
		interval: time.Second / time.Duration(frameRate),
		quality:  quality,
		logger:   zap.L().Named("capture"),
	}
}

func (s *Synthetic) Tracks() []webrtc.TrackLocal { return nil }

func (s *Synthetic) Run(ctx context.Context, emit func(*model.Frame)) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.logger.Info("synthetic capture started",
		zap.Int("width", s.width), zap.Int("height", s.height), zap.Duration("interval", s.interval))

	var seq int
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			f, err := EncodeFrame(s.render(seq), s.quality, now)
			if err != nil {
				return fmt.Errorf("encode synthetic frame: %w", err)
			}
			seq++
			emit(f)
		}
	}
}

// render draws a box that sweeps across a grey background.
func (s *Synthetic) render(seq int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, s.width, s.height))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.Gray{Y: 96}}, image.Point{}, draw.Src)

	size := min(s.width, s.height) / 4
	if size == 0 {
		return img
	}
	span := s.width - size
	x := 0
	if span > 0 {
		x = (seq * 8) % span
	}
	y := (s.height - size) / 2
	box := image.Rect(x, y, x+size, y+size)
	draw.Draw(img, box, &image.Uniform{C: color.RGBA{R: 220, G: 40, B: 40, A: 255}}, image.Point{}, draw.Src)
	return img
}

func (s *Synthetic) Close() error { return nil }
