package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mikeyg42/rtcdetect/internal/capture"
	"github.com/mikeyg42/rtcdetect/internal/detect"
	"github.com/mikeyg42/rtcdetect/internal/fault"
	"github.com/mikeyg42/rtcdetect/internal/metrics"
	"github.com/mikeyg42/rtcdetect/internal/model"
	"github.com/mikeyg42/rtcdetect/internal/session"
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Join a room as the camera-bearing sender",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runSession(cmd.Context(), session.RoleSender)
	},
}

var receiveCmd = &cobra.Command{
	Use:   "receive",
	Short: "Join a room as the receiver and answer detection frames",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runSession(cmd.Context(), session.RoleReceiver)
	},
}

// newSession builds a session for role from the loaded config.
func newSession(ctx context.Context, role session.Role) (*session.Session, error) {
	faults := fault.NewLog(256)

	var src capture.Source
	if role == session.RoleSender {
		var err error
		if src, err = openSource(cfg, faults); err != nil {
			return nil, err
		}
	}

	var engine detect.Engine
	if role == session.RoleReceiver || detect.ParseMode(cfg.Detection.Mode) == detect.ModeLocal {
		var err error
		if engine, err = newEngine(ctx, cfg.Detection); err != nil {
			if src != nil {
				_ = src.Close()
			}
			return nil, err
		}
	}

	s, err := session.New(session.Options{
		Config: cfg,
		Role:   role,
		Source: src,
		Engine: engine,
		Faults: faults,
	})
	if err != nil {
		if src != nil {
			_ = src.Close()
		}
		if engine != nil {
			_ = engine.Close()
		}
		return nil, err
	}
	return s, nil
}

func runSession(ctx context.Context, role session.Role) (err error) {
	s, err := newSession(ctx, role)
	if err != nil {
		return err
	}
	defer func() {
		if stopErr := s.Stop(); stopErr != nil && err == nil {
			err = stopErr
		}
	}()

	logger := zap.L().Named("cli").With(zap.String("client", s.ClientID()))
	s.OnResult(func(r *model.DetectionResult) {
		logger.Debug("detections", zap.String("frame", r.FrameID), zap.Int("count", len(r.Detections)))
	})
	if err := s.Start(ctx); err != nil {
		return err
	}
	logger.Info("joined room", zap.String("room", cfg.Signaling.Room), zap.Stringer("role", role), zap.Stringer("transport", s.TransportKind()))

	if err := s.Wait(); err != nil {
		return err
	}
	return printReport(s.Report())
}

func printReport(r metrics.Report) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}
