// Package negotiation drives the offer/answer/candidate exchange that
// establishes the peer connection between sender and receiver.
package negotiation

import (
	"github.com/pion/webrtc/v4"
)

// Conn is the connection primitive the Machine drives. Descriptions and
// candidates pass through it uninspected.
type Conn interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error

	// SetTrack puts track on the existing transceiver of the same kind,
	// adding a transceiver only when none exists. It reports whether an
	// existing transceiver was reused.
	SetTrack(track webrtc.TrackLocal) (replaced bool, err error)

	OnICECandidate(func(webrtc.ICECandidateInit))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	Close() error
}

// ConnFactory creates a fresh Conn.
type ConnFactory func() (Conn, error)

// State is a negotiation state.
type State int

const (
	StateIdle State = iota
	StateCreatingOffer
	StateOfferSent
	StateAnswerReceived
	StateOfferReceived
	StateCreatingAnswer
	StateAnswerSent
	StateNegotiated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCreatingOffer:
		return "creating-offer"
	case StateOfferSent:
		return "offer-sent"
	case StateAnswerReceived:
		return "answer-received"
	case StateOfferReceived:
		return "offer-received"
	case StateCreatingAnswer:
		return "creating-answer"
	case StateAnswerSent:
		return "answer-sent"
	case StateNegotiated:
		return "negotiated"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// offerOutstanding reports whether our own offer is in flight.
func (s State) offerOutstanding() bool {
	return s == StateCreatingOffer || s == StateOfferSent
}
