package negotiation

import (
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mikeyg42/rtcdetect/internal/config"
)

// PionConfig configures connections built on pion/webrtc.
type PionConfig struct {
	ICEServers []webrtc.ICEServer
	// Populate lets the capture pipeline register its encoder codecs.
	Populate func(*webrtc.MediaEngine)
	// OnTrack receives remote media on the answering side.
	OnTrack func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
}

// ICEServers converts configured ICE servers to pion's form.
func ICEServers(servers []config.ICEServerConfig) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		srv := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			srv.Credential = s.Credential
			srv.CredentialType = webrtc.ICECredentialTypePassword
		}
		out = append(out, srv)
	}
	return out
}

// NewPionFactory builds the shared pion API once and returns a factory
// for peer connections on it.
func NewPionFactory(cfg PionConfig) (ConnFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register default codecs: %w", err)
	}
	mediaEngine.RegisterFeedback(webrtc.RTCPFeedback{Type: "transport-cc"}, webrtc.RTPCodecTypeVideo)
	if cfg.Populate != nil {
		cfg.Populate(mediaEngine)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetICETimeouts(5*time.Second, 10*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settingEngine),
	)
	pcConfig := webrtc.Configuration{
		ICEServers:         cfg.ICEServers,
		ICETransportPolicy: webrtc.ICETransportPolicyAll,
	}
	logger := zap.L().Named("pion")

	return func() (Conn, error) {
		pc, err := api.NewPeerConnection(pcConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create peer connection: %w", err)
		}
		if cfg.OnTrack != nil {
			pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
				logger.Info("received track",
					zap.String("id", track.ID()),
					zap.Stringer("kind", track.Kind()),
					zap.Uint32("ssrc", uint32(track.SSRC())),
					zap.String("codec", track.Codec().MimeType))
				cfg.OnTrack(track, receiver)
			})
		}
		return &pionConn{pc: pc, logger: logger}, nil
	}, nil
}

type pionConn struct {
	pc     *webrtc.PeerConnection
	logger *zap.Logger
}

// CreateOffer asks to receive video when there is nothing local to send,
// so a capture-less side can still start the session.
func (c *pionConn) CreateOffer() (webrtc.SessionDescription, error) {
	if len(c.pc.GetTransceivers()) == 0 {
		if _, err := c.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return webrtc.SessionDescription{}, fmt.Errorf("add video transceiver: %w", err)
		}
	}
	return c.pc.CreateOffer(nil)
}

func (c *pionConn) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *pionConn) SetLocalDescription(d webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(d)
}

func (c *pionConn) SetRemoteDescription(d webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(d)
}

func (c *pionConn) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

// SetTrack keeps m-line order stable across renegotiations by replacing
// the track on an existing sender of the same kind.
func (c *pionConn) SetTrack(track webrtc.TrackLocal) (bool, error) {
	for _, tr := range c.pc.GetTransceivers() {
		if tr.Kind() != track.Kind() || tr.Sender() == nil {
			continue
		}
		if err := tr.Sender().ReplaceTrack(track); err != nil {
			return false, fmt.Errorf("replace track: %w", err)
		}
		return true, nil
	}

	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return false, fmt.Errorf("add track: %w", err)
	}
	// Interceptors only see RTCP that is read
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return false, nil
}

func (c *pionConn) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		fn(candidate.ToJSON())
	})
}

func (c *pionConn) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	c.pc.OnConnectionStateChange(fn)
}

func (c *pionConn) Close() error {
	return c.pc.Close()
}
