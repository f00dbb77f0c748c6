// Package metrics aggregates detection results into rolling latency and
// throughput figures and publishes periodic benchmark reports. It only
// observes the pipeline and never influences it.
package metrics

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/rtcdetect/internal/framequeue"
	"github.com/mikeyg42/rtcdetect/internal/model"
)

// QueueStats is the queue view the aggregator reads FPS and drop figures from.
type QueueStats interface {
	Metrics() framequeue.Metrics
}

// Snapshot is the current state of every window plus queue figures.
type Snapshot struct {
	E2E             Summary `json:"e2e_ms"`
	Inference       Summary `json:"inference_ms"`
	Network         Summary `json:"network_ms"`
	FPS             float64 `json:"fps"`
	TargetRate      int     `json:"target_rate"`
	DropRatePercent float64 `json:"drop_rate_percent"`
	Processed       uint64  `json:"processed"`
	Dropped         uint64  `json:"dropped"`
	QueueLength     int     `json:"queue_length"`
	Detections      uint64  `json:"detections"`
	BandwidthKbps   float64 `json:"bandwidth_kbps"`
}

// Aggregator keeps rolling windows of per-frame latencies. Durations are
// recorded in milliseconds.
type Aggregator struct {
	e2e       *Window
	inference *Window
	network   *Window
	now       func() time.Time
	logger    *zap.Logger

	mu         sync.Mutex
	queue      QueueStats
	detections uint64
	bytes      uint64
	started    time.Time
}

func NewAggregator(windowSize int) *Aggregator {
	return &Aggregator{
		e2e:       NewWindow(windowSize),
		inference: NewWindow(windowSize),
		network:   NewWindow(windowSize),
		now:       time.Now,
		logger:    zap.L().Named("metrics"),
	}
}

// Observe attaches the queue whose stats feed FPS and drop figures.
func (a *Aggregator) Observe(q QueueStats) {
	a.mu.Lock()
	a.queue = q
	a.mu.Unlock()
}

// Record adds one completed detection. Results with missing timestamps
// only contribute the latencies that can be computed.
func (a *Aggregator) Record(res *model.DetectionResult) {
	if res == nil {
		return
	}
	now := a.now()
	a.mu.Lock()
	if a.started.IsZero() {
		a.started = now
	}
	a.detections += uint64(len(res.Detections))
	a.mu.Unlock()

	if !res.CaptureTimestamp.IsZero() {
		a.e2e.Add(ms(now.Sub(res.CaptureTimestamp)))
	}
	if !res.ReceiveTimestamp.IsZero() && !res.InferenceTimestamp.IsZero() {
		a.inference.Add(ms(res.InferenceLatency()))
	}
	if !res.ReceiveTimestamp.IsZero() && !res.CaptureTimestamp.IsZero() {
		a.network.Add(ms(res.HandoffLatency()))
	}
}

// AddBytes counts media bytes for the bandwidth estimate.
func (a *Aggregator) AddBytes(n int) {
	a.mu.Lock()
	if a.started.IsZero() {
		a.started = a.now()
	}
	a.bytes += uint64(n)
	a.mu.Unlock()
}

func (a *Aggregator) Snapshot() Snapshot {
	s := Snapshot{
		E2E:       a.e2e.Summary(),
		Inference: a.inference.Summary(),
		Network:   a.network.Summary(),
	}

	a.mu.Lock()
	q := a.queue
	s.Detections = a.detections
	if !a.started.IsZero() {
		if secs := a.now().Sub(a.started).Seconds(); secs > 0 {
			s.BandwidthKbps = float64(a.bytes) * 8 / 1000 / secs
		}
	}
	a.mu.Unlock()

	if q != nil {
		qm := q.Metrics()
		s.TargetRate = qm.TargetRate
		s.DropRatePercent = qm.DropRatePercent
		s.Processed = qm.ProcessedCount
		s.Dropped = qm.DroppedCount
		s.QueueLength = qm.QueueLength
		s.FPS = FPS(qm.TargetRate, qm.AvgProcessingTimeMs)
	}
	return s
}

// FPS is the sustainable frame rate: the target rate, capped by how fast
// the consumer processes frames.
func FPS(targetRate int, avgProcessingMs float64) float64 {
	if avgProcessingMs <= 0 {
		return float64(targetRate)
	}
	return min(float64(targetRate), 1000/avgProcessingMs)
}

// Reset clears every window and counter.
func (a *Aggregator) Reset() {
	a.e2e.Reset()
	a.inference.Reset()
	a.network.Reset()
	a.mu.Lock()
	a.detections = 0
	a.bytes = 0
	a.started = time.Time{}
	a.mu.Unlock()
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
