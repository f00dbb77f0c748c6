package detect

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/mikeyg42/rtcdetect/internal/model"
	"github.com/mikeyg42/rtcdetect/internal/signaling"
)

// Responder is the serving side of remote mode: it answers detection_frame
// messages with the result of a local engine.
type Responder struct {
	engine Engine
	slots  *semaphore.Weighted
	logger *zap.Logger
}

// NewResponder limits concurrent inferences to concurrency (at least 1).
func NewResponder(engine Engine, concurrency int64) *Responder {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Responder{
		engine: engine,
		slots:  semaphore.NewWeighted(concurrency),
		logger: zap.L().Named("responder"),
	}
}

// Respond runs inference for a detection_frame and returns the reply
// addressed to its sender. ok is false for any other message type.
func (r *Responder) Respond(ctx context.Context, msg signaling.Message) (reply signaling.Message, ok bool) {
	frame, isFrame := msg.Payload.(signaling.DetectionFrame)
	if !isFrame {
		return signaling.Message{}, false
	}
	reply.TargetID = msg.SenderID

	received := timeNow()
	dets, err := r.engine.Detect(ctx, frame.FrameData)
	if err != nil {
		r.logger.Warn("detection failed", zap.String("frame", frame.FrameID), zap.String("from", msg.SenderID), zap.Error(err))
		reply.Payload = signaling.DetectionError{FrameID: frame.FrameID, Error: err.Error()}
		return reply, true
	}
	reply.Payload = signaling.NewDetectionResult(&model.DetectionResult{
		FrameID:            frame.FrameID,
		CaptureTimestamp:   model.FromUnixSeconds(frame.CaptureTS),
		ReceiveTimestamp:   received,
		InferenceTimestamp: timeNow(),
		Detections:         dets,
	})
	return reply, true
}

// Go answers msg in the background once a slot is free, handing the reply
// to send. Messages that are not detection frames are ignored.
func (r *Responder) Go(ctx context.Context, msg signaling.Message, send func(signaling.Message) bool) {
	if _, ok := msg.Payload.(signaling.DetectionFrame); !ok {
		return
	}
	go func() {
		if err := r.slots.Acquire(ctx, 1); err != nil {
			return
		}
		defer r.slots.Release(1)
		if reply, ok := r.Respond(ctx, msg); ok && !send(reply) {
			r.logger.Debug("detection reply not delivered", zap.String("to", reply.TargetID))
		}
	}()
}
