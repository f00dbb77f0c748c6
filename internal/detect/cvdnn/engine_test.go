package cvdnn

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeyg42/rtcdetect/internal/detect"
)

func TestParseRowsFiltersAndScales(t *testing.T) {
	out := [][]float32{
		{0, 0, 0.9, 0.1, 0.2, 0.5, 0.6},
		{0, 2, 0.3, 0.0, 0.0, 1.0, 1.0},
		{0, 17, 0.6, -0.1, 0.5, 1.2, 0.5},
		{0, 90, 0.7, 0.0, 0.0, 0.5, 0.5},
	}
	at := func(r, c int) float32 { return out[r][c] }

	dets := parseRows(len(out), at, 640, 480, 0.5, detect.COCOLabels)
	require.Len(t, dets, 2)

	assert.Equal(t, "person", dets[0].Label)
	assert.InDelta(t, 0.9, dets[0].Confidence, 1e-6)
	assert.InDelta(t, 64, dets[0].XMin, 1e-3)
	assert.InDelta(t, 96, dets[0].YMin, 1e-3)
	assert.InDelta(t, 320, dets[0].XMax, 1e-3)
	assert.InDelta(t, 288, dets[0].YMax, 1e-3)

	// zero-height box after clamping is discarded
	assert.Equal(t, "class_90", dets[1].Label)
}

func TestParseRowsNeverNil(t *testing.T) {
	dets := parseRows(0, nil, 1, 1, 0.5, nil)
	assert.NotNil(t, dets)
	assert.Empty(t, dets)
}

func TestOpenRejectsMissingModel(t *testing.T) {
	_, err := Open(Options{})
	assert.Error(t, err)
}

// Runs only when a model is available, e.g. RTCDETECT_TEST_MODEL=models/ssd_mobilenet_v1.onnx.
func TestDetectWithRealModel(t *testing.T) {
	path := os.Getenv("RTCDETECT_TEST_MODEL")
	if path == "" {
		t.Skip("RTCDETECT_TEST_MODEL not set")
	}
	e, err := Open(Options{ModelPath: path, ConfigPath: os.Getenv("RTCDETECT_TEST_MODEL_CONFIG")})
	require.NoError(t, err)
	defer e.Close()

	_, err = e.Detect(context.Background(), []byte("not an image"))
	assert.Error(t, err)
	assert.Zero(t, e.Stats().FramesProcessed)
}
