package detect

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/mikeyg42/rtcdetect/internal/model"
)

const DefaultMockLatency = 20 * time.Millisecond

// MockEngine returns one canned detection per frame after a fixed delay:
// a person 70% of the time, otherwise a car.
type MockEngine struct {
	latency time.Duration

	mu     sync.Mutex
	rng    *rand.Rand
	closed bool
}

func NewMockEngine(seed int64, latency time.Duration) *MockEngine {
	return &MockEngine{latency: latency, rng: rand.New(rand.NewSource(seed))}
}

func (e *MockEngine) Detect(ctx context.Context, _ []byte) ([]model.Detection, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrEngineClosed
	}
	roll := e.rng.Float64()
	e.mu.Unlock()

	if e.latency > 0 {
		timer := time.NewTimer(e.latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	if roll < 0.7 {
		return []model.Detection{{
			Label:      Label(COCOLabels, 0),
			Confidence: 0.85,
			BBox:       model.BBox{XMin: 50, YMin: 30, XMax: 200, YMax: 250},
		}}, nil
	}
	return []model.Detection{{
		Label:      Label(COCOLabels, 2),
		Confidence: 0.72,
		BBox:       model.BBox{XMin: 100, YMin: 150, XMax: 280, YMax: 220},
	}}, nil
}

func (e *MockEngine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}
