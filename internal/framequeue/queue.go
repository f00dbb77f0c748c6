// Package framequeue is the bounded frame buffer between capture and
// detection. It sheds load instead of queueing: an interval gate, adaptive
// thinning and oldest-first eviction keep the queue short, and auto rate
// control moves the target frame rate toward what the consumer sustains.
package framequeue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/mikeyg42/rtcdetect/internal/fault"
	"github.com/mikeyg42/rtcdetect/internal/model"
)

// Policy constants.
const (
	// gateFraction of the target interval must pass after a dequeue starts
	// before another frame is admitted.
	gateFraction = 0.8
	// thinFactor × interval of average processing time enables thinning
	// and lowers the target rate.
	thinFactor = 1.5
	// raiseFactor × interval of average processing time allows raising
	// the target rate.
	raiseFactor = 0.5
	// raiseMaxFill is the queue fill ratio at or below which a raise is allowed.
	raiseMaxFill = 0.25

	rollingWindow = 10
	minSamples    = 5
	rateStep      = 1

	DefaultMaxSize = 5
	DefaultRate    = 15
	DefaultMinRate = 5
	DefaultMaxRate = 30
)

// ProcessFunc runs detection for one frame; nil means it failed.
type ProcessFunc func(ctx context.Context, f *model.Frame) *model.DetectionResult

// DropReason is why a frame never reached a successful detection.
type DropReason int

const (
	DropInterval DropReason = iota
	DropThinning
	DropEvicted
	DropFailed
	DropCleared
	numDropReasons
)

func (r DropReason) String() string {
	switch r {
	case DropInterval:
		return "interval"
	case DropThinning:
		return "thinning"
	case DropEvicted:
		return "evicted"
	case DropFailed:
		return "failed"
	case DropCleared:
		return "cleared"
	default:
		return "unknown"
	}
}

// Options configures a Queue. Zero values take the defaults.
type Options struct {
	MaxSize    int
	TargetRate int
	MinRate    int
	MaxRate    int
	AutoRate   bool
	// Faults receives evictions as backpressure events. Optional.
	Faults *fault.Log
	// Clock is injectable for tests.
	Clock func() time.Time
}

// Metrics is a point-in-time snapshot of the queue.
type Metrics struct {
	QueueLength         int
	DroppedCount        uint64
	ProcessedCount      uint64
	TotalSubmitted      uint64
	InFlight            int
	DropRatePercent     float64
	AvgProcessingTimeMs float64
	TargetRate          int
	EstimatedActualRate float64
	Drops               map[DropReason]uint64
}

// Queue is safe for concurrent producers; dequeues are serialized so at
// most one frame is ever in flight.
type Queue struct {
	opts     Options
	now      func() time.Time
	inflight *semaphore.Weighted
	ready    chan struct{}
	logger   *zap.Logger

	mu               sync.Mutex
	frames           []*model.Frame
	targetRate       int
	submitted        uint64
	processed        uint64
	drops            [numDropReasons]uint64
	inFlightCount    int
	durations        [rollingWindow]time.Duration
	durCount         int
	durNext          int
	lastDequeueStart time.Time
	thinSkip         bool
}

// New creates a queue, filling unset options with defaults.
func New(opts Options) *Queue {
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.MinRate <= 0 {
		opts.MinRate = DefaultMinRate
	}
	if opts.MaxRate <= 0 {
		opts.MaxRate = DefaultMaxRate
	}
	if opts.TargetRate <= 0 {
		opts.TargetRate = DefaultRate
	}
	opts.TargetRate = clamp(opts.TargetRate, opts.MinRate, opts.MaxRate)
	now := opts.Clock
	if now == nil {
		now = time.Now
	}

	return &Queue{
		opts:       opts,
		now:        now,
		inflight:   semaphore.NewWeighted(1),
		ready:      make(chan struct{}, 1),
		logger:     zap.L().Named("framequeue"),
		frames:     make([]*model.Frame, 0, opts.MaxSize),
		targetRate: opts.TargetRate,
	}
}

// Enqueue admits f or counts it as dropped. The gate is checked before
// thinning, so each rejected frame has exactly one reason.
func (q *Queue) Enqueue(f *model.Frame) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.submitted++
	now := q.now()
	interval := q.intervalLocked()

	if !q.lastDequeueStart.IsZero() && now.Sub(q.lastDequeueStart) < time.Duration(gateFraction*float64(interval)) {
		q.drops[DropInterval]++
		return false
	}

	if q.thinningLocked(interval) {
		q.thinSkip = !q.thinSkip
		if q.thinSkip {
			q.drops[DropThinning]++
			return false
		}
	} else {
		q.thinSkip = false
	}

	if len(q.frames) >= q.opts.MaxSize {
		evicted := q.frames[0]
		q.frames[0] = nil
		q.frames = q.frames[1:]
		q.drops[DropEvicted]++
		if q.opts.Faults != nil {
			q.opts.Faults.Record(fault.KindQueueOverflow,
				fault.New(fault.KindQueueOverflow, "enqueue", fmt.Errorf("evicted frame %s", evicted.ID)))
		}
	}

	f.EnqueueTimestamp = now
	q.frames = append(q.frames, f)

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true
}

// Dequeue processes the oldest frame. It returns ok=false without doing
// anything when the queue is empty or another dequeue is in flight.
func (q *Queue) Dequeue(ctx context.Context, fn ProcessFunc) (res *model.DetectionResult, ok bool) {
	if !q.inflight.TryAcquire(1) {
		return nil, false
	}
	defer q.inflight.Release(1)

	q.mu.Lock()
	if len(q.frames) == 0 {
		q.mu.Unlock()
		return nil, false
	}
	f := q.frames[0]
	q.frames[0] = nil
	q.frames = q.frames[1:]
	start := q.now()
	q.lastDequeueStart = start
	q.inFlightCount = 1
	q.mu.Unlock()

	res = q.run(ctx, fn, f)

	q.mu.Lock()
	defer q.mu.Unlock()
	q.inFlightCount = 0
	q.recordDurationLocked(q.now().Sub(start))
	if res == nil {
		q.drops[DropFailed]++
	} else {
		q.processed++
	}
	if q.opts.AutoRate {
		q.adjustRateLocked()
	}
	return res, true
}

func (q *Queue) run(ctx context.Context, fn ProcessFunc, f *model.Frame) (res *model.DetectionResult) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("process func panicked", zap.String("frame", f.ID), zap.Any("panic", r))
			res = nil
		}
	}()
	return fn(ctx, f)
}

// Ready is signalled whenever a frame is admitted.
func (q *Queue) Ready() <-chan struct{} { return q.ready }

// Run is the consumer loop: it drains the queue each time a frame is
// admitted until ctx ends. onResult sees every successful result.
func (q *Queue) Run(ctx context.Context, fn ProcessFunc, onResult func(*model.DetectionResult)) error {
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-q.ready:
		}

		for ctx.Err() == nil {
			res, ok := q.Dequeue(ctx, fn)
			if !ok {
				break
			}
			if res != nil && onResult != nil {
				onResult(res)
			}
		}
	}
}

// Clear drops every queued frame, counting them as cleared.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.frames)
	q.drops[DropCleared] += uint64(n)
	for i := range q.frames {
		q.frames[i] = nil
	}
	q.frames = q.frames[:0]
	return n
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

func (q *Queue) TargetRate() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.targetRate
}

// Metrics returns a snapshot of counters and rates.
func (q *Queue) Metrics() Metrics {
	q.mu.Lock()
	defer q.mu.Unlock()

	m := Metrics{
		QueueLength:    len(q.frames),
		ProcessedCount: q.processed,
		TotalSubmitted: q.submitted,
		InFlight:       q.inFlightCount,
		TargetRate:     q.targetRate,
		Drops:          make(map[DropReason]uint64, numDropReasons),
	}
	for r := DropReason(0); r < numDropReasons; r++ {
		m.Drops[r] = q.drops[r]
		m.DroppedCount += q.drops[r]
	}
	if q.submitted > 0 {
		m.DropRatePercent = float64(m.DroppedCount) / float64(q.submitted) * 100
	}

	avg := q.avgLocked()
	m.AvgProcessingTimeMs = float64(avg) / float64(time.Millisecond)
	m.EstimatedActualRate = float64(q.targetRate)
	if m.AvgProcessingTimeMs > 0 {
		m.EstimatedActualRate = min(float64(q.targetRate), 1000/m.AvgProcessingTimeMs)
	}
	return m
}

func (q *Queue) intervalLocked() time.Duration {
	return time.Second / time.Duration(q.targetRate)
}

func (q *Queue) thinningLocked(interval time.Duration) bool {
	return q.durCount >= minSamples && float64(q.avgLocked()) > thinFactor*float64(interval)
}

func (q *Queue) recordDurationLocked(d time.Duration) {
	q.durations[q.durNext] = d
	q.durNext = (q.durNext + 1) % rollingWindow
	if q.durCount < rollingWindow {
		q.durCount++
	}
}

func (q *Queue) avgLocked() time.Duration {
	if q.durCount == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < q.durCount; i++ {
		sum += q.durations[i]
	}
	return sum / time.Duration(q.durCount)
}

// adjustRateLocked moves the target rate one step toward what the
// consumer sustains, within [MinRate, MaxRate].
func (q *Queue) adjustRateLocked() {
	if q.durCount < minSamples {
		return
	}
	avg := float64(q.avgLocked())
	interval := float64(q.intervalLocked())
	fill := float64(len(q.frames)) / float64(q.opts.MaxSize)

	next := q.targetRate
	switch {
	case avg > thinFactor*interval:
		next = clamp(q.targetRate-rateStep, q.opts.MinRate, q.opts.MaxRate)
	case avg < raiseFactor*interval && fill <= raiseMaxFill:
		next = clamp(q.targetRate+rateStep, q.opts.MinRate, q.opts.MaxRate)
	}
	if next != q.targetRate {
		q.logger.Debug("target rate adjusted",
			zap.Int("from", q.targetRate), zap.Int("to", next),
			zap.Float64("avg_ms", avg/float64(time.Millisecond)))
		q.targetRate = next
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
