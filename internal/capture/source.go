// Package capture provides the frame sources a sending session runs on.
package capture

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/mikeyg42/rtcdetect/internal/model"
)

// Source produces frames for detection and, optionally, media tracks for
// the peer connection.
type Source interface {
	// Tracks are attached to the peer connection; may be empty.
	Tracks() []webrtc.TrackLocal
	// Run emits frames until ctx ends or the source fails.
	Run(ctx context.Context, emit func(*model.Frame)) error
	Close() error
}

// EncodeFrame JPEG-encodes img into a new frame stamped with capturedAt.
func EncodeFrame(img image.Image, quality int, capturedAt time.Time) (*model.Frame, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return &model.Frame{
		ID:               uuid.NewString(),
		Payload:          buf.Bytes(),
		CaptureTimestamp: capturedAt,
	}, nil
}
