// Package media consumes the remote video track on the receiving side:
// RTP packets are reassembled into codec samples, counted for bandwidth
// figures and optionally recorded to disk.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/samplebuilder"
	"go.uber.org/zap"
)

const defaultMaxLate = 64

var ErrUnsupportedCodec = errors.New("unsupported codec")

// PacketSource is satisfied by *webrtc.TrackRemote.
type PacketSource interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// Options configures a Reader. All callbacks are optional.
type Options struct {
	// MaxLate is how many packets the sample builder waits for a gap.
	MaxLate uint16
	// RecordPath writes VP8 tracks to an IVF file.
	RecordPath string
	OnBytes    func(n int)
	OnSample   func(media.Sample)
}

// Stats counts what a Reader has seen.
type Stats struct {
	Packets    uint64
	Bytes      uint64
	Samples    uint64
	Keyframes  uint64
	LastSample time.Time
}

// Reader reassembles one track.
type Reader struct {
	codec   webrtc.RTPCodecParameters
	opts    Options
	builder *samplebuilder.SampleBuilder
	ivf     *ivfwriter.IVFWriter
	isVP8   bool
	logger  *zap.Logger

	mu    sync.Mutex
	stats Stats
}

func depacketizer(mimeType string) (rtp.Depacketizer, error) {
	switch strings.ToLower(mimeType) {
	case strings.ToLower(webrtc.MimeTypeVP8):
		return &codecs.VP8Packet{}, nil
	case strings.ToLower(webrtc.MimeTypeVP9):
		return &codecs.VP9Packet{}, nil
	case strings.ToLower(webrtc.MimeTypeH264):
		return &codecs.H264Packet{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCodec, mimeType)
	}
}

// NewReader prepares a reader for codec. Recording is only available for VP8.
func NewReader(codec webrtc.RTPCodecParameters, opts Options) (*Reader, error) {
	dep, err := depacketizer(codec.MimeType)
	if err != nil {
		return nil, err
	}
	if opts.MaxLate == 0 {
		opts.MaxLate = defaultMaxLate
	}
	r := &Reader{
		codec:   codec,
		opts:    opts,
		builder: samplebuilder.New(opts.MaxLate, dep, codec.ClockRate),
		isVP8:   strings.EqualFold(codec.MimeType, webrtc.MimeTypeVP8),
		logger:  zap.L().Named("media"),
	}
	if opts.RecordPath != "" {
		if !r.isVP8 {
			return nil, fmt.Errorf("recording %s: %w", codec.MimeType, ErrUnsupportedCodec)
		}
		ivf, err := ivfwriter.New(opts.RecordPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create recording: %w", err)
		}
		r.ivf = ivf
	}
	return r, nil
}

// Push feeds one packet and emits every sample it completes.
func (r *Reader) Push(pkt *rtp.Packet) {
	size := pkt.MarshalSize()

	r.mu.Lock()
	r.stats.Packets++
	r.stats.Bytes += uint64(size)
	r.mu.Unlock()

	if r.opts.OnBytes != nil {
		r.opts.OnBytes(size)
	}
	if r.ivf != nil {
		if err := r.ivf.WriteRTP(pkt); err != nil {
			r.logger.Warn("failed to record packet", zap.Error(err))
		}
	}

	r.builder.Push(pkt)
	for sample := r.builder.Pop(); sample != nil; sample = r.builder.Pop() {
		r.mu.Lock()
		r.stats.Samples++
		if r.isVP8 && isVP8Keyframe(sample.Data) {
			r.stats.Keyframes++
		}
		r.stats.LastSample = time.Now()
		r.mu.Unlock()

		if r.opts.OnSample != nil {
			r.opts.OnSample(*sample)
		}
	}
}

// Run reads from src until it ends or ctx is cancelled.
func (r *Reader) Run(ctx context.Context, src PacketSource) error {
	r.logger.Info("reading track", zap.String("codec", r.codec.MimeType))
	defer r.close()
	for ctx.Err() == nil {
		pkt, _, err := src.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read rtp: %w", err)
		}
		r.Push(pkt)
	}
	return nil
}

func (r *Reader) close() {
	if r.ivf == nil {
		return
	}
	if err := r.ivf.Close(); err != nil {
		r.logger.Warn("failed to close recording", zap.Error(err))
	}
}

func (r *Reader) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// isVP8Keyframe reads the P bit of the VP8 payload header.
func isVP8Keyframe(frame []byte) bool {
	return len(frame) > 0 && frame[0]&0x01 == 0
}
