package media

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var vp8 = webrtc.RTPCodecParameters{
	RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
	PayloadType:        96,
}

// vp8Packets builds one single-packet frame per timestamp; the first is a keyframe.
func vp8Packets(n int) []*rtp.Packet {
	pkts := make([]*rtp.Packet, 0, n)
	for i := 0; i < n; i++ {
		frameHeader := byte(0x01)
		if i == 0 {
			frameHeader = 0x00
		}
		pkts = append(pkts, &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         true,
				PayloadType:    96,
				SequenceNumber: uint16(100 + i),
				Timestamp:      uint32(3000 * i),
				SSRC:           42,
			},
			Payload: []byte{0x10, frameHeader, 0x02, 0x03, 0x04},
		})
	}
	return pkts
}

type packetSource struct{ pkts []*rtp.Packet }

func (s *packetSource) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	if len(s.pkts) == 0 {
		return nil, nil, io.EOF
	}
	p := s.pkts[0]
	s.pkts = s.pkts[1:]
	return p, nil, nil
}

func TestUnsupportedCodec(t *testing.T) {
	_, err := NewReader(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000},
	}, Options{})
	assert.ErrorIs(t, err, ErrUnsupportedCodec)
}

func TestPushAssemblesSamplesAndCountsBytes(t *testing.T) {
	var (
		bytesSeen int
		samples   []media.Sample
	)
	r, err := NewReader(vp8, Options{
		OnBytes:  func(n int) { bytesSeen += n },
		OnSample: func(s media.Sample) { samples = append(samples, s) },
	})
	require.NoError(t, err)

	want := 0
	for _, p := range vp8Packets(5) {
		want += p.MarshalSize()
		r.Push(p)
	}

	st := r.Stats()
	assert.Equal(t, uint64(5), st.Packets)
	assert.Equal(t, uint64(want), st.Bytes)
	assert.Equal(t, want, bytesSeen)
	assert.GreaterOrEqual(t, len(samples), 3)
	assert.Equal(t, uint64(len(samples)), st.Samples)
	assert.Equal(t, uint64(1), st.Keyframes)
}

func TestRunRecordsToIVF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "track.ivf")
	r, err := NewReader(vp8, Options{RecordPath: path})
	require.NoError(t, err)

	require.NoError(t, r.Run(context.Background(), &packetSource{pkts: vp8Packets(4)}))
	assert.Equal(t, uint64(4), r.Stats().Packets)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(data), 32)
	assert.Equal(t, "DKIF", string(data[:4]))
}

func TestRecordingRequiresVP8(t *testing.T) {
	h264 := webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: 90000},
	}
	_, err := NewReader(h264, Options{RecordPath: filepath.Join(t.TempDir(), "x.ivf")})
	assert.ErrorIs(t, err, ErrUnsupportedCodec)
}
