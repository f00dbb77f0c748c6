package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/rtcdetect/internal/capture"
	"github.com/mikeyg42/rtcdetect/internal/capture/camera"
	"github.com/mikeyg42/rtcdetect/internal/config"
	"github.com/mikeyg42/rtcdetect/internal/detect"
	"github.com/mikeyg42/rtcdetect/internal/detect/cvdnn"
	"github.com/mikeyg42/rtcdetect/internal/detect/rpcengine"
	"github.com/mikeyg42/rtcdetect/internal/fault"
)

// newEngine builds the configured inference engine. Model-backed engines
// fall back to the mock engine when a frame fails.
func newEngine(ctx context.Context, c config.DetectionConfig) (detect.Engine, error) {
	mock := detect.NewMockEngine(time.Now().UnixNano(), 0)

	switch c.Engine {
	case "cvdnn":
		e, err := cvdnn.Open(cvdnn.Options{
			ModelPath:  c.ModelPath,
			ConfigPath: c.ModelConfigPath,
			InputSize:  c.InputSize,
			Threshold:  c.ConfidenceThreshold,
			Labels:     detect.COCOLabels,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to load model: %w", err)
		}
		return detect.WithFallback(e, mock), nil
	case "rpc":
		if c.WorkerURL == "" {
			return nil, fmt.Errorf("detection.worker_url is required for the rpc engine")
		}
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		client, err := rpcengine.Dial(dialCtx, c.WorkerURL, c.ConfidenceThreshold)
		if err != nil {
			return nil, err
		}
		if err := client.Health(dialCtx); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("inference worker unhealthy: %w", err)
		}
		return detect.WithFallback(client, mock), nil
	default:
		return mock, nil
	}
}

// openSource opens the configured capture source. A missing camera is
// recorded and the session continues without one.
func openSource(c *config.Config, faults *fault.Log) (capture.Source, error) {
	switch c.Capture.Source {
	case "camera":
		src, err := camera.Open(c.Capture, c.WebRTC.Codec)
		if err != nil {
			if fault.Is(err, fault.KindResourceAcquisition) {
				faults.Record(fault.KindResourceAcquisition, err)
				zap.L().Warn("camera unavailable, continuing without capture", zap.Error(err))
				return nil, nil
			}
			return nil, err
		}
		return src, nil
	case "synthetic":
		return capture.NewSynthetic(c.Capture.Width, c.Capture.Height, c.Capture.FrameRate, c.Capture.JPEGQuality), nil
	default:
		return nil, nil
	}
}
