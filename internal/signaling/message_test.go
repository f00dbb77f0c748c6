package signaling

import (
	"encoding/json"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeyg42/rtcdetect/internal/model"
)

func TestOfferEncodesDescriptionAsData(t *testing.T) {
	msg := Message{TargetID: "peer-b", Payload: Offer{Description: webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}}}

	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"offer","target_id":"peer-b","data":{"type":"offer","sdp":"v=0"}}`, string(raw))
}

func TestDecodeDetectionResultFromHub(t *testing.T) {
	raw := `{"type":"detection_result","sender_id":"srv","data":{
		"frame_id":"f-1","capture_ts":1700000000.5,"recv_ts":1700000000.6,"inference_ts":1700000000.7,
		"detections":[{"label":"person","score":0.85,"xmin":50,"ymin":30,"xmax":200,"ymax":250}]}}`

	var msg Message
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))
	assert.Equal(t, TypeDetectionResult, msg.Type())
	assert.Equal(t, "srv", msg.SenderID)

	res := msg.Payload.(DetectionResult).Result()
	assert.Equal(t, "f-1", res.FrameID)
	require.Len(t, res.Detections, 1)
	assert.Equal(t, "person", res.Detections[0].Label)
	assert.InDelta(t, 0.85, res.Detections[0].Confidence, 1e-9)
	assert.InDelta(t, 150.0, res.Detections[0].Width(), 1e-9)
	assert.InDelta(t, 100, res.InferenceLatency().Milliseconds(), 1)
}

func TestICECandidateKeepsOptionalFields(t *testing.T) {
	raw := `{"type":"ice_candidate","data":{"candidate":"candidate:1 1 udp 1 10.0.0.1 5000 typ host","sdpMid":"0","sdpMLineIndex":0}}`

	var msg Message
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))
	c := msg.Payload.(ICECandidate).Candidate
	require.NotNil(t, c.SDPMid)
	assert.Equal(t, "0", *c.SDPMid)
	require.NotNil(t, c.SDPMLineIndex)
	assert.Equal(t, uint16(0), *c.SDPMLineIndex)
}

func TestUnknownTypeIsRejected(t *testing.T) {
	var msg Message
	err := json.Unmarshal([]byte(`{"type":"chat","data":{}}`), &msg)
	require.ErrorIs(t, err, ErrUnknownMessageType)
}

func TestDetectionFrameCarriesBase64Payload(t *testing.T) {
	msg := Message{Payload: DetectionFrame{FrameID: "f-2", FrameData: []byte{0xff, 0xd8}, CaptureTS: 12.5}}
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"frame_data":"/9g="`)

	var back Message
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, []byte{0xff, 0xd8}, back.Payload.(DetectionFrame).FrameData)
}

func TestNewDetectionResultNeverEncodesNullDetections(t *testing.T) {
	p := NewDetectionResult(&model.DetectionResult{FrameID: "f-3"})
	raw, err := json.Marshal(Message{Payload: p})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"detections":[]`)
	assert.Contains(t, string(raw), `"capture_ts":0`)
}

func TestWebsocketURL(t *testing.T) {
	u, err := websocketURL("https://hub.example.com/base/", "lab 1", "c-1")
	require.NoError(t, err)
	assert.Equal(t, "wss://hub.example.com/base/api/ws/lab%201?client_id=c-1", u)
}
