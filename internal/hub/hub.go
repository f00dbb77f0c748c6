// Package hub is the signaling server. It keeps rooms of clients, relays
// signaling messages between them over websocket (push) or per-client
// mailboxes (pull), and answers untargeted detection frames itself.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/mikeyg42/rtcdetect/internal/detect"
	"github.com/mikeyg42/rtcdetect/internal/signaling"
)

const (
	DefaultMailboxSize = 512
	pushBuffer         = 64
)

var (
	ErrNotMember = errors.New("client is not a member of the room")
	errNoEngine  = errors.New("hub has no detection engine")
)

// member is one client in a room. Push members own a writer goroutine
// fed by out; pull members accumulate messages in mailbox until polled.
type member struct {
	id      string
	out     chan []byte
	mailbox []json.RawMessage
	closed  bool
}

func (m *member) isPush() bool { return m.out != nil }

type room struct {
	id      string
	members map[string]*member
	order   []string
}

func (r *room) users() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Hub routes messages between room members. It is safe for concurrent use.
type Hub struct {
	mailboxSize int
	responder   *detect.Responder
	ctx         context.Context
	cancel      context.CancelFunc
	logger      *zap.Logger

	mu    sync.Mutex
	rooms map[string]*room
}

// New creates a hub. A nil responder answers detection frames with an error.
func New(mailboxSize int, responder *detect.Responder) *Hub {
	if mailboxSize < 1 {
		mailboxSize = DefaultMailboxSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		mailboxSize: mailboxSize,
		responder:   responder,
		ctx:         ctx,
		cancel:      cancel,
		logger:      zap.L().Named("hub"),
		rooms:       make(map[string]*room),
	}
}

// Join adds clientID to roomID, creating the room if needed, and returns
// the member together with the room's users after the join. Joining again
// with the same transport kind is a no-op; switching kind replaces the
// old member without a leave notification.
func (h *Hub) Join(roomID, clientID string, push bool) (*member, []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[roomID]
	if !ok {
		r = &room{id: roomID, members: make(map[string]*member)}
		h.rooms[roomID] = r
		h.logger.Info("room created", zap.String("room", roomID))
	}

	if old, exists := r.members[clientID]; exists {
		if !push && !old.isPush() {
			return old, r.users()
		}
		h.closeLocked(old)
		m := newMember(clientID, push)
		r.members[clientID] = m
		return m, r.users()
	}

	m := newMember(clientID, push)
	r.members[clientID] = m
	r.order = append(r.order, clientID)
	h.logger.Info("client joined",
		zap.String("room", roomID), zap.String("client", clientID), zap.Bool("push", push), zap.Int("size", len(r.order)))

	h.broadcastLocked(r, signaling.Message{Payload: signaling.UserJoined{ClientID: clientID}}, clientID)
	return m, r.users()
}

func newMember(id string, push bool) *member {
	m := &member{id: id}
	if push {
		m.out = make(chan []byte, pushBuffer)
	}
	return m
}

// Leave removes clientID from roomID. It reports whether it was a member.
func (h *Hub) Leave(roomID, clientID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[roomID]
	if !ok {
		return false
	}
	m, ok := r.members[clientID]
	if !ok {
		return false
	}
	h.removeLocked(r, m)
	return true
}

// leaveMember removes m only if it is still the current member for its id,
// so a stale websocket cannot evict a client that has since rejoined.
func (h *Hub) leaveMember(roomID string, m *member) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[roomID]
	if !ok || r.members[m.id] != m {
		return
	}
	h.removeLocked(r, m)
}

func (h *Hub) removeLocked(r *room, m *member) {
	h.closeLocked(m)
	delete(r.members, m.id)
	for i, id := range r.order {
		if id == m.id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	h.logger.Info("client left", zap.String("room", r.id), zap.String("client", m.id), zap.Int("size", len(r.order)))

	if len(r.order) == 0 {
		delete(h.rooms, r.id)
		h.logger.Info("room reclaimed", zap.String("room", r.id))
		return
	}
	h.broadcastLocked(r, signaling.Message{Payload: signaling.UserLeft{ClientID: m.id}}, m.id)
}

func (h *Hub) closeLocked(m *member) {
	if m.closed {
		return
	}
	m.closed = true
	if m.out != nil {
		close(m.out)
	}
}

// Users lists roomID's members in join order; nil if the room does not exist.
func (h *Hub) Users(roomID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.rooms[roomID]; ok {
		return r.users()
	}
	return nil
}

// Rooms is the number of live rooms.
func (h *Hub) Rooms() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// Drain empties a pull member's mailbox, returning messages in arrival order.
func (h *Hub) Drain(roomID, clientID string) ([]json.RawMessage, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[roomID]
	if !ok {
		return nil, ErrNotMember
	}
	m, ok := r.members[clientID]
	if !ok {
		return nil, ErrNotMember
	}
	msgs := m.mailbox
	m.mailbox = nil
	if msgs == nil {
		msgs = []json.RawMessage{}
	}
	return msgs, nil
}

// IsMember reports whether clientID is in roomID.
func (h *Hub) IsMember(roomID, clientID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[roomID]
	if !ok {
		return false
	}
	_, ok = r.members[clientID]
	return ok
}

// Route handles one message from a room member. The sender id is stamped
// here; whatever the client put in it is discarded.
func (h *Hub) Route(roomID, senderID string, msg signaling.Message) {
	msg.SenderID = senderID

	switch p := msg.Payload.(type) {
	case signaling.GetRoomUsers:
		users := h.Users(roomID)
		if users == nil {
			users = []string{}
		}
		h.Deliver(roomID, signaling.Message{
			TargetID: senderID,
			Payload:  signaling.RoomUsers{RoomID: roomID, Users: users},
		})
		return

	case signaling.UserJoined, signaling.UserLeft, signaling.RoomUsers:
		h.logger.Debug("ignoring hub-only message from client",
			zap.String("client", senderID), zap.String("type", string(msg.Type())))
		return

	case signaling.DetectionFrame:
		if msg.TargetID == "" {
			h.detect(roomID, msg, p)
			return
		}
	}

	h.Deliver(roomID, msg)
}

func (h *Hub) detect(roomID string, msg signaling.Message, frame signaling.DetectionFrame) {
	reply := func(out signaling.Message) bool { return h.Deliver(roomID, out) }
	if h.responder == nil {
		reply(signaling.Message{
			TargetID: msg.SenderID,
			Payload:  signaling.DetectionError{FrameID: frame.FrameID, Error: errNoEngine.Error()},
		})
		return
	}
	h.responder.Go(h.ctx, msg, reply)
}

// Deliver sends msg to its target, or to every other member of the room
// when it has none. It reports whether at least one member received it.
func (h *Hub) Deliver(roomID string, msg signaling.Message) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Warn("dropping unencodable message", zap.Error(err))
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[roomID]
	if !ok {
		return false
	}

	if msg.TargetID == "" {
		return h.fanoutLocked(r, data, msg.SenderID, lossy(msg)) > 0
	}
	m, ok := r.members[msg.TargetID]
	if !ok {
		h.logger.Debug("target not in room",
			zap.String("room", roomID), zap.String("target", msg.TargetID), zap.String("type", string(msg.Type())))
		return false
	}
	return h.enqueueLocked(m, data, lossy(msg))
}

func (h *Hub) broadcastLocked(r *room, msg signaling.Message, exclude string) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Warn("dropping unencodable message", zap.Error(err))
		return
	}
	h.fanoutLocked(r, data, exclude, lossy(msg))
}

func (h *Hub) fanoutLocked(r *room, data []byte, exclude string, droppable bool) int {
	n := 0
	for _, id := range r.order {
		if id == exclude {
			continue
		}
		if h.enqueueLocked(r.members[id], data, droppable) {
			n++
		}
	}
	return n
}

// lossy reports whether msg may be dropped for a slow client.
func lossy(msg signaling.Message) bool {
	switch msg.Payload.(type) {
	case signaling.DetectionFrame, signaling.DetectionResult, signaling.DetectionError:
		return true
	}
	return false
}

// enqueueLocked queues data for m. A push client whose buffer is full
// loses droppable messages; anything else disconnects it, so it rejoins
// rather than miss part of a negotiation.
func (h *Hub) enqueueLocked(m *member, data []byte, droppable bool) bool {
	if m.closed {
		return false
	}
	if m.isPush() {
		select {
		case m.out <- data:
			return true
		default:
		}
		if droppable {
			h.logger.Warn("push client too slow, detection message dropped", zap.String("client", m.id))
			return false
		}
		h.logger.Warn("push client too slow, disconnecting", zap.String("client", m.id))
		h.closeLocked(m)
		return false
	}

	if len(m.mailbox) >= h.mailboxSize {
		m.mailbox[0] = nil
		m.mailbox = m.mailbox[1:]
		h.logger.Warn("mailbox full, oldest message dropped", zap.String("client", m.id))
	}
	m.mailbox = append(m.mailbox, json.RawMessage(data))
	return true
}

// Close disconnects every member and stops in-flight detections.
func (h *Hub) Close() {
	h.cancel()
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range h.rooms {
		for _, m := range r.members {
			h.closeLocked(m)
		}
	}
	h.rooms = make(map[string]*room)
}
