package detect

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/rtcdetect/internal/fault"
	"github.com/mikeyg42/rtcdetect/internal/model"
	"github.com/mikeyg42/rtcdetect/internal/signaling"
)

const DefaultTimeout = 5 * time.Second

var timeNow = time.Now

// Mode selects where inference runs.
type Mode int

const (
	ModeLocal Mode = iota
	ModeRemote
)

func (m Mode) String() string {
	if m == ModeRemote {
		return "remote"
	}
	return "local"
}

// ParseMode maps the configured mode name; anything but "remote" is local.
func ParseMode(s string) Mode {
	if s == "remote" {
		return ModeRemote
	}
	return ModeLocal
}

// Sender is the part of the signaling channel remote mode needs.
type Sender interface {
	Send(msg signaling.Message) bool
}

// Dispatcher sends frames to an engine and returns results. Process never
// fails loudly: every failure path yields nil, which the queue counts as a
// dropped frame.
type Dispatcher struct {
	mode    Mode
	engine  Engine
	sender  Sender
	target  func() string
	timeout time.Duration
	faults  *fault.Log
	now     func() time.Time
	logger  *zap.Logger

	mu      sync.Mutex
	pending map[string]chan *model.DetectionResult
}

// NewLocal runs engine in-process.
func NewLocal(engine Engine, faults *fault.Log) *Dispatcher {
	d := newDispatcher(ModeLocal, faults)
	d.engine = engine
	return d
}

// NewRemote ships frames over sender as detection_frame messages. target
// returns the peer to address, "" addresses the hub itself; a nil target
// always addresses the hub.
func NewRemote(sender Sender, target func() string, timeout time.Duration, faults *fault.Log) *Dispatcher {
	d := newDispatcher(ModeRemote, faults)
	d.sender = sender
	d.target = target
	if timeout > 0 {
		d.timeout = timeout
	}
	return d
}

func newDispatcher(mode Mode, faults *fault.Log) *Dispatcher {
	if faults == nil {
		faults = fault.NewLog(0)
	}
	return &Dispatcher{
		mode:    mode,
		timeout: DefaultTimeout,
		faults:  faults,
		now:     timeNow,
		logger:  zap.L().Named("detect"),
		pending: make(map[string]chan *model.DetectionResult),
	}
}

func (d *Dispatcher) Mode() Mode { return d.mode }

// Process runs detection for f and returns nil on any failure.
func (d *Dispatcher) Process(ctx context.Context, f *model.Frame) (res *model.DetectionResult) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("detection panicked", zap.String("frame", f.ID), zap.Any("panic", r))
			res = nil
		}
	}()
	if d.mode == ModeRemote {
		return d.processRemote(ctx, f)
	}
	return d.processLocal(ctx, f)
}

func (d *Dispatcher) processLocal(ctx context.Context, f *model.Frame) *model.DetectionResult {
	received := d.now()
	dets, err := d.engine.Detect(ctx, f.Payload)
	if err != nil {
		d.logger.Warn("local detection failed", zap.String("frame", f.ID), zap.Error(err))
		return nil
	}
	return &model.DetectionResult{
		FrameID:            f.ID,
		CaptureTimestamp:   f.CaptureTimestamp,
		ReceiveTimestamp:   received,
		InferenceTimestamp: d.now(),
		Detections:         dets,
	}
}

func (d *Dispatcher) processRemote(ctx context.Context, f *model.Frame) *model.DetectionResult {
	handedOff := d.now()
	done := make(chan *model.DetectionResult, 1)

	d.mu.Lock()
	d.pending[f.ID] = done
	d.mu.Unlock()

	msg := signaling.Message{Payload: signaling.DetectionFrame{
		FrameID:   f.ID,
		FrameData: f.Payload,
		CaptureTS: model.UnixSeconds(f.CaptureTimestamp),
	}}
	if d.target != nil {
		msg.TargetID = d.target()
	}
	if !d.sender.Send(msg) {
		d.remove(f.ID)
		d.logger.Debug("detection frame not sent", zap.String("frame", f.ID))
		return nil
	}

	timer := time.NewTimer(d.timeout)
	defer timer.Stop()

	var remote *model.DetectionResult
	select {
	case remote = <-done:
	case <-timer.C:
		if d.remove(f.ID) {
			d.faults.Record(fault.KindDetectionTimeout, fault.New(fault.KindDetectionTimeout, "remote detect",
				fmt.Errorf("frame %s: %w", f.ID, fault.ErrDetectionTimeout)))
			return nil
		}
		// resolved concurrently with the deadline
		remote = <-done
	case <-ctx.Done():
		d.remove(f.ID)
		return nil
	}
	if remote == nil {
		return nil
	}

	res := &model.DetectionResult{
		FrameID:            f.ID,
		CaptureTimestamp:   f.CaptureTimestamp,
		ReceiveTimestamp:   remote.ReceiveTimestamp,
		InferenceTimestamp: remote.InferenceTimestamp,
		Detections:         remote.Detections,
	}
	if res.ReceiveTimestamp.IsZero() {
		res.ReceiveTimestamp = handedOff
	}
	if res.InferenceTimestamp.IsZero() {
		res.InferenceTimestamp = d.now()
	}
	return res
}

// HandleMessage resolves pending remote detections. Results for frames no
// longer pending are ignored.
func (d *Dispatcher) HandleMessage(msg signaling.Message) {
	switch p := msg.Payload.(type) {
	case signaling.DetectionResult:
		d.resolve(p.FrameID, p.Result())
	case signaling.DetectionError:
		d.logger.Warn("remote detection error", zap.String("frame", p.FrameID), zap.String("error", p.Error))
		d.resolve(p.FrameID, nil)
	}
}

func (d *Dispatcher) resolve(frameID string, res *model.DetectionResult) {
	d.mu.Lock()
	done, ok := d.pending[frameID]
	delete(d.pending, frameID)
	d.mu.Unlock()
	if !ok {
		d.logger.Debug("late detection result ignored", zap.String("frame", frameID))
		return
	}
	done <- res
}

func (d *Dispatcher) remove(frameID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[frameID]
	delete(d.pending, frameID)
	return ok
}

// CancelAll resolves every outstanding remote detection with nil.
func (d *Dispatcher) CancelAll() int {
	d.mu.Lock()
	pending := d.pending
	d.pending = make(map[string]chan *model.DetectionResult)
	d.mu.Unlock()

	for _, done := range pending {
		done <- nil
	}
	return len(pending)
}

// Pending is the number of remote detections awaiting a result.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Close cancels pending work and releases the local engine.
func (d *Dispatcher) Close() error {
	d.CancelAll()
	if d.engine != nil {
		return d.engine.Close()
	}
	return nil
}
