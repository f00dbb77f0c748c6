// Package model holds the frame and detection types shared by the pipeline.
package model

import (
	"time"
)

// Frame is a single captured video frame travelling through the pipeline.
// Payload is the encoded image (JPEG from the camera source, raw codec
// samples from the RTP reader); the pipeline never decodes it.
type Frame struct {
	ID               string
	Payload          []byte
	CaptureTimestamp time.Time
	EnqueueTimestamp time.Time
}

// BBox is a bounding box in input-image pixel coordinates.
type BBox struct {
	XMin float64 `json:"xmin"`
	YMin float64 `json:"ymin"`
	XMax float64 `json:"xmax"`
	YMax float64 `json:"ymax"`
}

func (b BBox) Width() float64  { return b.XMax - b.XMin }
func (b BBox) Height() float64 { return b.YMax - b.YMin }

// Detection is one labelled box produced by an inference engine.
type Detection struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"score"`
	BBox
}

// DetectionResult carries the detections for one frame together with the
// timestamps needed for latency benchmarking.
type DetectionResult struct {
	FrameID            string
	CaptureTimestamp   time.Time
	ReceiveTimestamp   time.Time
	InferenceTimestamp time.Time
	Detections         []Detection
}

// InferenceLatency is the time spent inside the engine.
func (r *DetectionResult) InferenceLatency() time.Duration {
	return r.InferenceTimestamp.Sub(r.ReceiveTimestamp)
}

// HandoffLatency is the time between capture and the engine receiving the frame.
func (r *DetectionResult) HandoffLatency() time.Duration {
	return r.ReceiveTimestamp.Sub(r.CaptureTimestamp)
}

// FromUnixSeconds converts the wire timestamp format (float seconds) to time.Time.
func FromUnixSeconds(ts float64) time.Time {
	if ts == 0 {
		return time.Time{}
	}
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec)
}

// UnixSeconds converts t to the wire timestamp format.
func UnixSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / float64(time.Second)
}
