package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mikeyg42/rtcdetect/internal/metrics"
	"github.com/mikeyg42/rtcdetect/internal/session"
)

var (
	flagBenchDuration time.Duration
	flagBenchPublish  bool
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Run a sender for a fixed time and print its benchmark report",
	Long: `Run a sending session for --duration, then print the latency, throughput
and drop figures as JSON. With --publish the report is also posted to the
hub's metrics endpoint.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), flagBenchDuration)
		defer cancel()

		s, err := newSession(ctx, session.RoleSender)
		if err != nil {
			return err
		}
		if err := s.Start(ctx); err != nil {
			_ = s.Stop()
			return err
		}
		zap.L().Info("benchmark running", zap.Duration("duration", flagBenchDuration), zap.String("mode", cfg.Detection.Mode))

		waitErr := s.Wait()
		report := s.Report()
		if err := s.Stop(); err != nil {
			zap.L().Warn("teardown reported errors", zap.Error(err))
		}
		if waitErr != nil {
			return waitErr
		}

		if flagBenchPublish {
			pubCtx, pubCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer pubCancel()
			if err := metrics.NewHTTPPublisher(cfg.Signaling.ServerURL).Publish(pubCtx, report); err != nil {
				zap.L().Warn("failed to publish benchmark report", zap.Error(err))
			}
		}
		return printReport(report)
	},
}

func init() {
	benchCmd.Flags().DurationVar(&flagBenchDuration, "duration", 30*time.Second, "how long to run")
	benchCmd.Flags().BoolVar(&flagBenchPublish, "publish", false, "post the final report to the hub")
}
