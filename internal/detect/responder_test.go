package detect

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeyg42/rtcdetect/internal/model"
	"github.com/mikeyg42/rtcdetect/internal/signaling"
)

func frameMessage(sender, id string, capture time.Time) signaling.Message {
	return signaling.Message{SenderID: sender, Payload: signaling.DetectionFrame{
		FrameID:   id,
		FrameData: []byte{1},
		CaptureTS: model.UnixSeconds(capture),
	}}
}

func TestResponderRepliesToSender(t *testing.T) {
	r := NewResponder(NewMockEngine(3, 0), 1)
	capture := time.Now().Add(-time.Second)

	reply, ok := r.Respond(context.Background(), frameMessage("sender-1", "f-1", capture))
	require.True(t, ok)
	assert.Equal(t, "sender-1", reply.TargetID)

	res, isResult := reply.Payload.(signaling.DetectionResult)
	require.True(t, isResult)
	assert.Equal(t, "f-1", res.FrameID)
	assert.InDelta(t, model.UnixSeconds(capture), res.CaptureTS, 1e-3)
	assert.GreaterOrEqual(t, res.InferenceTS, res.RecvTS)
	assert.Len(t, res.Detections, 1)
}

func TestResponderReportsEngineErrors(t *testing.T) {
	r := NewResponder(failingEngine{err: errors.New("bad image")}, 1)
	reply, ok := r.Respond(context.Background(), frameMessage("s", "f-2", time.Now()))
	require.True(t, ok)
	assert.Equal(t, signaling.DetectionError{FrameID: "f-2", Error: "bad image"}, reply.Payload)
}

func TestResponderIgnoresOtherMessages(t *testing.T) {
	r := NewResponder(NewMockEngine(3, 0), 1)
	_, ok := r.Respond(context.Background(), signaling.Message{Payload: signaling.UserJoined{ClientID: "x"}})
	assert.False(t, ok)
}

func TestResponderAndDispatcherRoundTrip(t *testing.T) {
	r := NewResponder(NewMockEngine(3, time.Millisecond), 1)
	sender := &fakeSender{ok: true}
	d := NewRemote(sender, nil, time.Second, nil)
	sender.reply = func(msg signaling.Message) {
		msg.SenderID = "sender"
		r.Go(context.Background(), msg, func(reply signaling.Message) bool {
			d.HandleMessage(reply)
			return true
		})
	}

	res := d.Process(context.Background(), testFrame("f-9"))
	require.NotNil(t, res)
	assert.Equal(t, "f-9", res.FrameID)
	assert.Len(t, res.Detections, 1)
}
