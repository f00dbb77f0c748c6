package negotiation

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mikeyg42/rtcdetect/internal/fault"
	"github.com/mikeyg42/rtcdetect/internal/signaling"
)

var (
	ErrNegotiationInProgress = errors.New("negotiation already in progress")
	ErrClosed                = errors.New("negotiation closed")
)

// Signaler is the part of the signaling channel the machine needs.
type Signaler interface {
	Send(msg signaling.Message) bool
	SendOrDefer(msg signaling.Message) bool
}

type pendingOffer struct {
	target string
	desc   webrtc.SessionDescription
}

// Machine is the negotiation state machine for one client session.
type Machine struct {
	newConn  ConnFactory
	signaler Signaler
	faults   *fault.Log
	logger   *zap.Logger

	mu           sync.Mutex
	state        State
	conn         Conn
	tracks       []webrtc.TrackLocal
	captureReady bool
	// offerer is set once this side has started an offer; only the
	// offering side re-offers after a restart.
	offerer       bool
	reoffering    bool
	reanswering   bool
	pendingOffer  *pendingOffer
	remoteApplied map[string]bool
	candidates    map[string][]webrtc.ICECandidateInit
	onState       func(State)

	// read by conn callbacks without taking mu
	peerID atomic.Value
	gen    atomic.Uint64
}

// New creates an idle machine. faults may be nil.
func New(newConn ConnFactory, signaler Signaler, faults *fault.Log) *Machine {
	if faults == nil {
		faults = fault.NewLog(64)
	}
	m := &Machine{
		newConn:       newConn,
		signaler:      signaler,
		faults:        faults,
		logger:        zap.L().Named("negotiation"),
		remoteApplied: make(map[string]bool),
		candidates:    make(map[string][]webrtc.ICECandidateInit),
	}
	m.peerID.Store("")
	return m
}

// OnStateChange registers an observer called (outside the lock) after every transition.
func (m *Machine) OnStateChange(fn func(State)) {
	m.mu.Lock()
	m.onState = fn
	m.mu.Unlock()
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// PeerID is the client currently negotiated with, empty when none.
func (m *Machine) PeerID() string {
	return m.peerID.Load().(string)
}

// HasPendingOffer reports whether an offer is waiting for a transport.
func (m *Machine) HasPendingOffer() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pendingOffer != nil
}

// BufferedCandidates returns how many remote candidates from sender are
// waiting for its description.
func (m *Machine) BufferedCandidates(sender string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.candidates[sender])
}

// LocalCaptureReady records the local tracks. From Idle it starts an
// offer to the current peer (or the whole room); from Negotiated it
// renegotiates on the existing connection.
func (m *Machine) LocalCaptureReady(tracks ...webrtc.TrackLocal) error {
	m.mu.Lock()
	m.tracks = tracks
	m.captureReady = true

	var (
		err      error
		observer = m.onState
	)
	switch m.state {
	case StateIdle:
		err = m.startOfferLocked(m.PeerID())
	case StateNegotiated:
		if m.offerer {
			err = m.startOfferLocked(m.PeerID())
		}
	}
	state := m.state
	m.mu.Unlock()

	notify(observer, state)
	return err
}

// StartOffer begins a negotiation as the offering side. An empty
// targetID offers to the whole room.
func (m *Machine) StartOffer(targetID string) error {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state != StateIdle {
		m.mu.Unlock()
		return ErrNegotiationInProgress
	}
	err := m.startOfferLocked(targetID)
	state, observer := m.state, m.onState
	m.mu.Unlock()

	notify(observer, state)
	return err
}

// startOfferLocked creates, applies and sends an offer. It reuses the
// current conn when there is one, replacing tracks in place.
func (m *Machine) startOfferLocked(target string) error {
	m.offerer = true
	m.peerID.Store(target)
	m.state = StateCreatingOffer

	conn, err := m.ensureConnLocked()
	if err != nil {
		return m.failLocked("create connection", err)
	}
	if err := m.attachTracksLocked(conn); err != nil {
		return m.failLocked("attach tracks", err)
	}

	offer, err := conn.CreateOffer()
	if err != nil {
		return m.failLocked("create offer", err)
	}
	if err := conn.SetLocalDescription(offer); err != nil {
		return m.failLocked("set local description", err)
	}

	m.state = StateOfferSent
	msg := signaling.Message{TargetID: target, Payload: signaling.Offer{Description: offer}}
	if !m.signaler.Send(msg) {
		m.pendingOffer = &pendingOffer{target: target, desc: offer}
		m.logger.Info("no signaling transport, offer pending", zap.String("target", target))
		return nil
	}
	m.pendingOffer = nil
	m.logger.Debug("offer sent", zap.String("target", target))
	return nil
}

// OnTransportReady resends a pending offer once and settles an answer
// that was deferred until the transport came back.
func (m *Machine) OnTransportReady() {
	m.mu.Lock()
	p := m.pendingOffer
	m.pendingOffer = nil
	gen := m.gen.Load()
	if m.state == StateAnswerSent {
		m.state = StateNegotiated
	}
	state, observer := m.state, m.onState
	m.mu.Unlock()
	notify(observer, state)

	if p == nil {
		return
	}

	msg := signaling.Message{TargetID: p.target, Payload: signaling.Offer{Description: p.desc}}
	if m.signaler.Send(msg) {
		m.logger.Info("pending offer sent", zap.String("target", p.target))
		return
	}

	m.mu.Lock()
	if m.gen.Load() == gen && m.state == StateOfferSent && m.pendingOffer == nil {
		m.pendingOffer = p
	}
	m.mu.Unlock()
}

// HandleMessage applies one incoming signaling message. Messages that do
// not concern negotiation are ignored.
func (m *Machine) HandleMessage(msg signaling.Message) {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return
	}

	switch p := msg.Payload.(type) {
	case signaling.Offer:
		m.handleOfferLocked(msg.SenderID, p.Description)
	case signaling.Answer:
		m.handleAnswerLocked(msg.SenderID, p.Description)
	case signaling.ICECandidate:
		m.handleCandidateLocked(msg.SenderID, p.Candidate)
	case signaling.UserLeft:
		if p.ClientID != "" && p.ClientID == m.PeerID() {
			m.logger.Info("peer left", zap.String("peer", p.ClientID))
			m.restartLocked()
		}
	case signaling.UserJoined:
		if !m.captureReady || p.ClientID == "" {
			break
		}
		// A broadcast offer sent into an empty room is never answered
		if m.state == StateOfferSent && m.PeerID() == "" {
			m.logger.Info("re-addressing unanswered offer", zap.String("to", p.ClientID))
			m.restartLocked()
		}
		if m.state == StateIdle {
			_ = m.startOfferLocked(p.ClientID)
		}
	case signaling.RoomUsers, signaling.GetRoomUsers,
		signaling.DetectionFrame, signaling.DetectionResult, signaling.DetectionError:
		// not negotiation traffic
	}

	state, observer := m.state, m.onState
	m.mu.Unlock()
	notify(observer, state)
}

func (m *Machine) handleOfferLocked(sender string, desc webrtc.SessionDescription) {
	switch {
	case m.state.offerOutstanding():
		m.logger.Info("offer collision, restarting before answering", zap.String("from", sender))
		m.restartKeepingLocked(sender)
	case m.state != StateIdle && sender != m.PeerID():
		m.logger.Info("offer from new peer, restarting", zap.String("from", sender), zap.String("previous", m.PeerID()))
		m.restartKeepingLocked(sender)
	}

	m.offerer = false
	m.peerID.Store(sender)
	m.state = StateOfferReceived

	conn, err := m.ensureConnLocked()
	if err != nil {
		_ = m.failLocked("create connection", err)
		return
	}
	if err := conn.SetRemoteDescription(desc); err != nil {
		if m.reanswering {
			_ = m.failLocked("set remote description", err)
			return
		}
		// The offerer never hears about a rejected offer; answer once more
		// from a fresh connection.
		m.faults.Record(fault.KindNegotiation, fault.New(fault.KindNegotiation, "set remote description", err))
		m.logger.Info("retrying offer on a fresh connection", zap.String("from", sender), zap.Error(err))
		m.restartKeepingLocked(sender)
		m.reanswering = true
		m.handleOfferLocked(sender, desc)
		m.reanswering = false
		return
	}
	m.remoteApplied[sender] = true
	if err := m.drainCandidatesLocked(conn, sender); err != nil {
		_ = m.failLocked("add buffered candidate", err)
		return
	}

	m.state = StateCreatingAnswer
	if m.captureReady {
		if err := m.attachTracksLocked(conn); err != nil {
			_ = m.failLocked("attach tracks", err)
			return
		}
	}
	answer, err := conn.CreateAnswer()
	if err != nil {
		_ = m.failLocked("create answer", err)
		return
	}
	if err := conn.SetLocalDescription(answer); err != nil {
		_ = m.failLocked("set local description", err)
		return
	}

	m.state = StateAnswerSent
	if m.signaler.SendOrDefer(signaling.Message{TargetID: sender, Payload: signaling.Answer{Description: answer}}) {
		m.state = StateNegotiated
	}
}

func (m *Machine) handleAnswerLocked(sender string, desc webrtc.SessionDescription) {
	if m.state != StateOfferSent {
		m.logger.Info("ignoring stray answer", zap.String("from", sender), zap.Stringer("state", m.state))
		return
	}
	peer := m.PeerID()
	if peer != "" && sender != peer {
		m.logger.Info("ignoring answer from non-target", zap.String("from", sender), zap.String("target", peer))
		return
	}

	m.peerID.Store(sender)
	m.pendingOffer = nil
	m.state = StateAnswerReceived

	if err := m.conn.SetRemoteDescription(desc); err != nil {
		_ = m.failLocked("set remote description", err)
		return
	}
	m.remoteApplied[sender] = true
	if err := m.drainCandidatesLocked(m.conn, sender); err != nil {
		_ = m.failLocked("add buffered candidate", err)
		return
	}
	m.state = StateNegotiated
}

func (m *Machine) handleCandidateLocked(sender string, c webrtc.ICECandidateInit) {
	if m.conn == nil || !m.remoteApplied[sender] {
		m.candidates[sender] = append(m.candidates[sender], c)
		return
	}
	if err := m.conn.AddICECandidate(c); err != nil {
		_ = m.failLocked("add candidate", err)
	}
}

// drainCandidatesLocked replays sender's buffered candidates in arrival order.
func (m *Machine) drainCandidatesLocked(conn Conn, sender string) error {
	buffered := m.candidates[sender]
	delete(m.candidates, sender)
	for i, c := range buffered {
		if err := conn.AddICECandidate(c); err != nil {
			return fmt.Errorf("candidate %d of %d: %w", i+1, len(buffered), err)
		}
	}
	if len(buffered) > 0 {
		m.logger.Debug("replayed buffered candidates", zap.String("from", sender), zap.Int("count", len(buffered)))
	}
	return nil
}

func (m *Machine) ensureConnLocked() (Conn, error) {
	if m.conn != nil {
		return m.conn, nil
	}
	conn, err := m.newConn()
	if err != nil {
		return nil, err
	}

	gen := m.gen.Load()
	conn.OnICECandidate(func(c webrtc.ICECandidateInit) {
		if m.gen.Load() != gen {
			return
		}
		m.signaler.SendOrDefer(signaling.Message{TargetID: m.PeerID(), Payload: signaling.ICECandidate{Candidate: c}})
	})
	conn.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		m.logger.Debug("connection state", zap.Stringer("state", s))
		if s == webrtc.PeerConnectionStateFailed {
			// pion must not be closed from inside its own callback
			go m.handleConnFailure(gen)
		}
	})
	m.conn = conn
	return conn, nil
}

func (m *Machine) attachTracksLocked(conn Conn) error {
	for _, t := range m.tracks {
		replaced, err := conn.SetTrack(t)
		if err != nil {
			return fmt.Errorf("track %s: %w", t.ID(), err)
		}
		if replaced {
			m.logger.Debug("replaced track on existing transceiver", zap.String("track", t.ID()))
		}
	}
	return nil
}

func (m *Machine) handleConnFailure(gen uint64) {
	m.mu.Lock()
	if m.gen.Load() != gen || m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	_ = m.failLocked("connection", errors.New("peer connection failed"))
	state, observer := m.state, m.onState
	m.mu.Unlock()
	notify(observer, state)
}

// failLocked records a negotiation error and restarts. The offering side
// re-offers once when local capture is ready.
func (m *Machine) failLocked(op string, err error) error {
	ferr := fault.New(fault.KindNegotiation, op, err)
	m.faults.Record(fault.KindNegotiation, ferr)

	reoffer := m.offerer && m.captureReady && !m.reoffering
	peer := m.PeerID()
	m.restartLocked()
	if reoffer {
		m.logger.Info("re-offering after failure", zap.String("target", peer))
		m.reoffering = true
		_ = m.startOfferLocked(peer)
		m.reoffering = false
	}
	return ferr
}

// Restart releases the connection and returns to Idle.
func (m *Machine) Restart() {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	m.restartLocked()
	state, observer := m.state, m.onState
	m.mu.Unlock()
	notify(observer, state)
}

// restartKeepingLocked restarts but keeps the candidates sender has
// already sent, so they replay on the next connection.
func (m *Machine) restartKeepingLocked(sender string) {
	kept := m.candidates[sender]
	m.restartLocked()
	if len(kept) > 0 {
		m.candidates[sender] = kept
	}
}

func (m *Machine) restartLocked() {
	m.gen.Add(1)
	if m.conn != nil {
		if err := m.conn.Close(); err != nil {
			m.logger.Warn("closing connection", zap.Error(err))
		}
		m.conn = nil
	}
	m.pendingOffer = nil
	m.remoteApplied = make(map[string]bool)
	m.candidates = make(map[string][]webrtc.ICECandidateInit)
	m.peerID.Store("")
	m.state = StateIdle
}

// Close releases the connection; the machine ignores everything afterwards.
func (m *Machine) Close() error {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return nil
	}
	m.gen.Add(1)
	var err error
	if m.conn != nil {
		err = m.conn.Close()
		m.conn = nil
	}
	m.pendingOffer = nil
	m.candidates = nil
	m.state = StateClosed
	observer := m.onState
	m.mu.Unlock()

	notify(observer, StateClosed)
	return err
}

func notify(fn func(State), s State) {
	if fn != nil {
		fn(s)
	}
}
