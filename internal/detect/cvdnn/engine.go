// Package cvdnn runs SSD-style object detection models through OpenCV's DNN
// module.
package cvdnn

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/mikeyg42/rtcdetect/internal/detect"
	"github.com/mikeyg42/rtcdetect/internal/model"
)

// SSD detection output rows are [batch, class, confidence, left, top, right, bottom]
// with the box normalized to [0, 1].
const rowWidth = 7

// Options configures an Engine.
type Options struct {
	ModelPath  string
	ConfigPath string
	InputSize  int
	Threshold  float64
	Labels     []string
}

// Stats are running counters for the engine.
type Stats struct {
	FramesProcessed int64
	Detections      int64
	LastInference   time.Duration
	LastProcessed   time.Time
}

// Engine is a detect.Engine backed by a gocv.Net. A Net is not safe for
// concurrent use, so inference is serialized.
type Engine struct {
	opts Options

	mu    sync.Mutex
	net   *gocv.Net
	stats Stats
}

var _ detect.Engine = (*Engine)(nil)

// Open loads the model. ConfigPath may be empty for ONNX models.
func Open(opts Options) (*Engine, error) {
	if opts.ModelPath == "" {
		return nil, fmt.Errorf("model path cannot be empty")
	}
	if opts.InputSize <= 0 {
		opts.InputSize = 300
	}
	if opts.Threshold <= 0 {
		opts.Threshold = 0.5
	}
	if opts.Labels == nil {
		opts.Labels = detect.COCOLabels
	}

	net := gocv.ReadNet(opts.ModelPath, opts.ConfigPath)
	if net.Empty() {
		return nil, fmt.Errorf("failed to load model %s", opts.ModelPath)
	}
	if err := net.SetPreferableBackend(gocv.NetBackendDefault); err != nil {
		net.Close()
		return nil, fmt.Errorf("failed to set backend: %w", err)
	}
	if err := net.SetPreferableTarget(gocv.NetTargetCPU); err != nil {
		net.Close()
		return nil, fmt.Errorf("failed to set target: %w", err)
	}
	return &Engine{opts: opts, net: &net}, nil
}

// Detect decodes an encoded image (JPEG, PNG) and runs the model on it.
func (e *Engine) Detect(ctx context.Context, img []byte) ([]model.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mat, err := gocv.IMDecode(img, gocv.IMReadColor)
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	defer mat.Close()
	if mat.Empty() {
		return nil, fmt.Errorf("decode frame: empty image")
	}
	return e.detectMat(mat)
}

// DetectImage runs the model on an already decoded image.
func (e *Engine) DetectImage(img image.Image) ([]model.Detection, error) {
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, fmt.Errorf("convert image: %w", err)
	}
	defer mat.Close()
	return e.detectMat(mat)
}

func (e *Engine) detectMat(mat gocv.Mat) ([]model.Detection, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.net == nil {
		return nil, detect.ErrEngineClosed
	}

	start := time.Now()
	size := e.opts.InputSize
	blob := gocv.BlobFromImage(mat, 1.0, image.Pt(size, size), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	e.net.SetInput(blob, "")
	out := e.net.Forward("")
	defer out.Close()

	rows := out.Total() / rowWidth
	flat := out.Reshape(1, rows)
	defer flat.Close()

	dets := parseRows(rows, flat.GetFloatAt, float64(mat.Cols()), float64(mat.Rows()), e.opts.Threshold, e.opts.Labels)

	e.stats.FramesProcessed++
	e.stats.Detections += int64(len(dets))
	e.stats.LastInference = time.Since(start)
	e.stats.LastProcessed = time.Now()
	return dets, nil
}

// parseRows converts SSD output rows into detections scaled to a w×h image,
// keeping those at or above threshold.
func parseRows(rows int, at func(row, col int) float32, w, h, threshold float64, labels []string) []model.Detection {
	dets := make([]model.Detection, 0)
	for i := 0; i < rows; i++ {
		confidence := float64(at(i, 2))
		if confidence < threshold {
			continue
		}
		box := model.BBox{
			XMin: clamp01(float64(at(i, 3))) * w,
			YMin: clamp01(float64(at(i, 4))) * h,
			XMax: clamp01(float64(at(i, 5))) * w,
			YMax: clamp01(float64(at(i, 6))) * h,
		}
		if box.Width() <= 0 || box.Height() <= 0 {
			continue
		}
		dets = append(dets, model.Detection{
			Label:      detect.Label(labels, int(at(i, 1))),
			Confidence: confidence,
			BBox:       box,
		})
	}
	return dets
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Close releases the network.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.net == nil {
		return nil
	}
	err := e.net.Close()
	e.net = nil
	return err
}
