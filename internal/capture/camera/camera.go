// Package camera captures from a local video device with pion/mediadevices.
// One device feeds both the encoded track sent to the peer and the raw
// frames handed to detection.
package camera

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera" // registers camera devices
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/mikeyg42/rtcdetect/internal/capture"
	"github.com/mikeyg42/rtcdetect/internal/config"
	"github.com/mikeyg42/rtcdetect/internal/fault"
	"github.com/mikeyg42/rtcdetect/internal/model"
)

// Stats counts frames read from the device.
type Stats struct {
	TotalFrames   int64
	EncodeErrors  int64
	LastFrameTime time.Time
}

// Source is a capture.Source backed by a camera.
type Source struct {
	cfg      config.CaptureConfig
	selector *mediadevices.CodecSelector
	stream   mediadevices.MediaStream
	track    *mediadevices.VideoTrack
	logger   *zap.Logger

	totalFrames  atomic.Int64
	encodeErrors atomic.Int64
	lastFrame    atomic.Value // time.Time
}

var _ capture.Source = (*Source)(nil)

// NewCodecSelector builds the encoder for the outgoing track.
func NewCodecSelector(codec string, bitRate int) (*mediadevices.CodecSelector, error) {
	var (
		params vpx.Params
		err    error
	)
	switch codec {
	case "vp9":
		params, err = vpx.NewVP9Params()
	default:
		params, err = vpx.NewVP8Params()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s params: %w", codec, err)
	}
	params.BitRate = bitRate
	params.KeyFrameInterval = 15
	params.RateControlEndUsage = vpx.RateControlVBR
	params.Deadline = 200 * time.Millisecond

	return mediadevices.NewCodecSelector(mediadevices.WithVideoEncoders(&params)), nil
}

// Open acquires the configured device, or the first video input when no
// device id is set. A missing device is a resource acquisition fault.
func Open(cfg config.CaptureConfig, codec string) (*Source, error) {
	logger := zap.L().Named("camera")

	deviceID := cfg.DeviceID
	if deviceID == "" {
		for _, d := range mediadevices.EnumerateDevices() {
			if d.Kind == mediadevices.VideoInput {
				deviceID = d.DeviceID
				logger.Info("using camera", zap.String("label", d.Label), zap.String("id", d.DeviceID))
				break
			}
		}
	}
	if deviceID == "" {
		return nil, fault.New(fault.KindResourceAcquisition, "open camera", fault.ErrNoCaptureDevice)
	}

	selector, err := NewCodecSelector(codec, cfg.BitRate)
	if err != nil {
		return nil, err
	}

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.DeviceID = prop.String(deviceID)
			c.Width = prop.Int(cfg.Width)
			c.Height = prop.Int(cfg.Height)
			c.FrameRate = prop.Float(float64(cfg.FrameRate))
			c.DiscardFramesOlderThan = 500 * time.Millisecond
		},
		Codec: selector,
	})
	if err != nil {
		return nil, fault.New(fault.KindResourceAcquisition, "open camera", fmt.Errorf("failed to get user media: %w", err))
	}

	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, fault.New(fault.KindResourceAcquisition, "open camera", errors.New("no video tracks available"))
	}
	track, ok := tracks[0].(*mediadevices.VideoTrack)
	if !ok {
		for _, t := range tracks {
			t.Close()
		}
		return nil, fault.New(fault.KindResourceAcquisition, "open camera", fmt.Errorf("track is not a VideoTrack: %T", tracks[0]))
	}

	s := &Source{cfg: cfg, selector: selector, stream: stream, track: track, logger: logger}
	s.lastFrame.Store(time.Time{})
	return s, nil
}

// Populate registers the selected encoder with a peer connection's media engine.
func (s *Source) Populate(m *webrtc.MediaEngine) {
	s.selector.Populate(m)
}

func (s *Source) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{s.track}
}

// Run reads raw frames and emits them JPEG-encoded.
func (s *Source) Run(ctx context.Context, emit func(*model.Frame)) error {
	reader := s.track.NewReader(false)
	s.logger.Info("camera capture started", zap.String("track", s.track.ID()))

	for ctx.Err() == nil {
		img, release, err := reader.Read()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fault.New(fault.KindResourceAcquisition, "read camera", err)
		}
		now := time.Now()
		f, err := capture.EncodeFrame(img, s.cfg.JPEGQuality, now)
		if release != nil {
			release()
		}
		if err != nil {
			s.encodeErrors.Add(1)
			s.logger.Debug("failed to encode frame", zap.Error(err))
			continue
		}
		s.totalFrames.Add(1)
		s.lastFrame.Store(now)
		emit(f)
	}
	return nil
}

func (s *Source) Stats() Stats {
	return Stats{
		TotalFrames:   s.totalFrames.Load(),
		EncodeErrors:  s.encodeErrors.Load(),
		LastFrameTime: s.lastFrame.Load().(time.Time),
	}
}

// Close stops every track of the stream.
func (s *Source) Close() error {
	var err error
	for _, t := range s.stream.GetTracks() {
		err = multierr.Append(err, t.Close())
	}
	return err
}
