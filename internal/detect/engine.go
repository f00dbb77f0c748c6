// Package detect turns queued frames into detection results, either with an
// in-process engine or by handing frames to a remote peer over signaling.
package detect

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/mikeyg42/rtcdetect/internal/model"
)

// Engine runs object detection on one encoded image.
type Engine interface {
	Detect(ctx context.Context, image []byte) ([]model.Detection, error)
	Close() error
}

var ErrEngineClosed = errors.New("detection engine closed")

// WithFallback uses secondary whenever primary fails, typically a model
// engine backed by the mock.
func WithFallback(primary, secondary Engine) Engine {
	return &fallbackEngine{
		primary:   primary,
		secondary: secondary,
		logger:    zap.L().Named("detect"),
	}
}

type fallbackEngine struct {
	primary   Engine
	secondary Engine
	logger    *zap.Logger
}

func (e *fallbackEngine) Detect(ctx context.Context, image []byte) ([]model.Detection, error) {
	dets, err := e.primary.Detect(ctx, image)
	if err == nil {
		return dets, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}
	e.logger.Warn("primary engine failed, using fallback", zap.Error(err))
	dets, ferr := e.secondary.Detect(ctx, image)
	if ferr != nil {
		return nil, fmt.Errorf("fallback engine: %w", errors.Join(err, ferr))
	}
	return dets, nil
}

func (e *fallbackEngine) Close() error {
	return multierr.Combine(e.primary.Close(), e.secondary.Close())
}
