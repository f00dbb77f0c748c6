package signaling

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/mikeyg42/rtcdetect/internal/model"
)

// Type is the wire discriminator of a signaling message.
type Type string

// Message type constants.
const (
	TypeOffer           Type = "offer"
	TypeAnswer          Type = "answer"
	TypeICECandidate    Type = "ice_candidate"
	TypeDetectionFrame  Type = "detection_frame"
	TypeDetectionResult Type = "detection_result"
	TypeDetectionError  Type = "detection_error"
	TypeUserJoined      Type = "user_joined"
	TypeUserLeft        Type = "user_left"
	TypeRoomUsers       Type = "room_users"
	TypeGetRoomUsers    Type = "get_room_users"
)

var ErrUnknownMessageType = errors.New("unknown signaling message type")

// Payload is implemented only by the message variants in this package.
type Payload interface {
	MessageType() Type
	sealed()
}

// Offer carries the offering side's session description.
type Offer struct {
	Description webrtc.SessionDescription
}

// Answer carries the answering side's session description.
type Answer struct {
	Description webrtc.SessionDescription
}

// ICECandidate carries one connectivity candidate.
type ICECandidate struct {
	Candidate webrtc.ICECandidateInit
}

// DetectionFrame asks the receiving side to run inference on one frame.
// FrameData is base64 on the wire.
type DetectionFrame struct {
	FrameID   string  `json:"frame_id"`
	FrameData []byte  `json:"frame_data"`
	CaptureTS float64 `json:"capture_ts"`
}

// DetectionResult answers a DetectionFrame.
type DetectionResult struct {
	FrameID     string            `json:"frame_id"`
	CaptureTS   float64           `json:"capture_ts"`
	RecvTS      float64           `json:"recv_ts"`
	InferenceTS float64           `json:"inference_ts"`
	Detections  []model.Detection `json:"detections"`
}

// DetectionError reports that inference failed for a frame.
type DetectionError struct {
	FrameID string `json:"frame_id,omitempty"`
	Error   string `json:"error"`
}

type UserJoined struct {
	ClientID string `json:"client_id"`
}

type UserLeft struct {
	ClientID string `json:"client_id"`
}

// RoomUsers lists every client currently in a room.
type RoomUsers struct {
	RoomID string   `json:"room_id"`
	Users  []string `json:"users"`
}

// GetRoomUsers requests a RoomUsers reply.
type GetRoomUsers struct{}

func (Offer) MessageType() Type           { return TypeOffer }
func (Answer) MessageType() Type          { return TypeAnswer }
func (ICECandidate) MessageType() Type    { return TypeICECandidate }
func (DetectionFrame) MessageType() Type  { return TypeDetectionFrame }
func (DetectionResult) MessageType() Type { return TypeDetectionResult }
func (DetectionError) MessageType() Type  { return TypeDetectionError }
func (UserJoined) MessageType() Type      { return TypeUserJoined }
func (UserLeft) MessageType() Type        { return TypeUserLeft }
func (RoomUsers) MessageType() Type       { return TypeRoomUsers }
func (GetRoomUsers) MessageType() Type    { return TypeGetRoomUsers }

func (Offer) sealed()           {}
func (Answer) sealed()          {}
func (ICECandidate) sealed()    {}
func (DetectionFrame) sealed()  {}
func (DetectionResult) sealed() {}
func (DetectionError) sealed()  {}
func (UserJoined) sealed()      {}
func (UserLeft) sealed()        {}
func (RoomUsers) sealed()       {}
func (GetRoomUsers) sealed()    {}

// Message is one signaling message. SenderID is stamped by the hub;
// an empty TargetID means broadcast to the room.
type Message struct {
	SenderID string
	TargetID string
	Payload  Payload
}

// Type returns the payload's discriminator, or "" for an empty message.
func (m Message) Type() Type {
	if m.Payload == nil {
		return ""
	}
	return m.Payload.MessageType()
}

type envelope struct {
	Type     Type            `json:"type"`
	SenderID string          `json:"sender_id,omitempty"`
	TargetID string          `json:"target_id,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	if m.Payload == nil {
		return nil, fmt.Errorf("marshal signaling message: %w", ErrUnknownMessageType)
	}

	var data any
	switch p := m.Payload.(type) {
	case Offer:
		data = p.Description
	case Answer:
		data = p.Description
	case ICECandidate:
		data = p.Candidate
	case GetRoomUsers:
		data = nil
	default:
		data = p
	}

	env := envelope{Type: m.Payload.MessageType(), SenderID: m.SenderID, TargetID: m.TargetID}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal %s data: %w", env.Type, err)
		}
		env.Data = raw
	}
	return json.Marshal(env)
}

func (m *Message) UnmarshalJSON(b []byte) error {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}

	var (
		payload Payload
		err     error
	)
	switch env.Type {
	case TypeOffer:
		var p Offer
		err = decodeData(env.Data, &p.Description)
		payload = p
	case TypeAnswer:
		var p Answer
		err = decodeData(env.Data, &p.Description)
		payload = p
	case TypeICECandidate:
		var p ICECandidate
		err = decodeData(env.Data, &p.Candidate)
		payload = p
	case TypeDetectionFrame:
		var p DetectionFrame
		err = decodeData(env.Data, &p)
		payload = p
	case TypeDetectionResult:
		var p DetectionResult
		err = decodeData(env.Data, &p)
		payload = p
	case TypeDetectionError:
		var p DetectionError
		err = decodeData(env.Data, &p)
		payload = p
	case TypeUserJoined:
		var p UserJoined
		err = decodeData(env.Data, &p)
		payload = p
	case TypeUserLeft:
		var p UserLeft
		err = decodeData(env.Data, &p)
		payload = p
	case TypeRoomUsers:
		var p RoomUsers
		err = decodeData(env.Data, &p)
		payload = p
	case TypeGetRoomUsers:
		payload = GetRoomUsers{}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessageType, env.Type)
	}
	if err != nil {
		return fmt.Errorf("decode %s data: %w", env.Type, err)
	}

	m.SenderID = env.SenderID
	m.TargetID = env.TargetID
	m.Payload = payload
	return nil
}

func decodeData(raw json.RawMessage, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

// NewDetectionResult converts an engine result into its wire form.
func NewDetectionResult(r *model.DetectionResult) DetectionResult {
	dets := r.Detections
	if dets == nil {
		dets = []model.Detection{}
	}
	return DetectionResult{
		FrameID:     r.FrameID,
		CaptureTS:   model.UnixSeconds(r.CaptureTimestamp),
		RecvTS:      model.UnixSeconds(r.ReceiveTimestamp),
		InferenceTS: model.UnixSeconds(r.InferenceTimestamp),
		Detections:  dets,
	}
}

// Result converts the wire form back into a model result.
func (p DetectionResult) Result() *model.DetectionResult {
	return &model.DetectionResult{
		FrameID:            p.FrameID,
		CaptureTimestamp:   model.FromUnixSeconds(p.CaptureTS),
		ReceiveTimestamp:   model.FromUnixSeconds(p.RecvTS),
		InferenceTimestamp: model.FromUnixSeconds(p.InferenceTS),
		Detections:         p.Detections,
	}
}
