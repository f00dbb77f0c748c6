package metrics

import (
	"math"
	"sort"
	"sync"
)

const DefaultWindowSize = 100

// Summary describes the samples currently held by a Window.
type Summary struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	P95    float64 `json:"p95"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

// Window keeps the most recent samples in a fixed-capacity ring.
type Window struct {
	mu       sync.RWMutex
	data     []float64
	capacity int
	size     int
	head     int // next write position
}

func NewWindow(capacity int) *Window {
	if capacity <= 0 {
		capacity = DefaultWindowSize
	}
	return &Window{data: make([]float64, capacity), capacity: capacity}
}

// Add records a sample, overwriting the oldest one when full. NaN and
// infinite samples are discarded.
func (w *Window) Add(v float64) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.data[w.head] = v
	w.head = (w.head + 1) % w.capacity
	if w.size < w.capacity {
		w.size++
	}
}

// Values returns the samples oldest first.
func (w *Window) Values() []float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]float64, w.size)
	start := (w.head - w.size + w.capacity) % w.capacity
	for i := 0; i < w.size; i++ {
		out[i] = w.data[(start+i)%w.capacity]
	}
	return out
}

func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.size
}

func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.size = 0
	w.head = 0
}

func (w *Window) Summary() Summary {
	vals := w.Values()
	if len(vals) == 0 {
		return Summary{}
	}
	sort.Float64s(vals)

	var sum float64
	for _, v := range vals {
		sum += v
	}
	return Summary{
		Count:  len(vals),
		Mean:   sum / float64(len(vals)),
		Median: percentile(vals, 50),
		P95:    percentile(vals, 95),
		Min:    vals[0],
		Max:    vals[len(vals)-1],
	}
}

// percentile interpolates linearly between closest ranks of sorted.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	frac := rank - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}
