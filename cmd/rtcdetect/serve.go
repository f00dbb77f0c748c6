package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mikeyg42/rtcdetect/internal/hub"
	"github.com/mikeyg42/rtcdetect/internal/metricsstore"
	"github.com/mikeyg42/rtcdetect/internal/relay"
)

var flagNoDetect bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the signaling hub",
	Long: `Run the signaling hub: websocket and polling endpoints for rooms, the
detection endpoint, benchmark metrics and, when enabled, an embedded TURN
relay and a Postgres metrics store.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		logger := zap.L().Named("serve")
		opts := hub.Options{Config: cfg.Hub}

		if !flagNoDetect {
			engine, err := newEngine(ctx, cfg.Detection)
			if err != nil {
				return err
			}
			defer engine.Close()
			opts.Engine = engine
		}

		if cfg.MetricsStore.Enabled {
			store, err := metricsstore.Open(ctx, cfg.MetricsStore)
			if err != nil {
				return err
			}
			defer store.Close()
			opts.Store = store
		}

		server := hub.NewServer(opts)
		g, gctx := errgroup.WithContext(ctx)
		if cfg.Relay.Enabled {
			r := relay.New(cfg.Relay)
			g.Go(func() error { return r.Run(gctx) })
		}
		g.Go(func() error { return server.Serve(gctx) })

		logger.Info("hub listening",
			zap.String("addr", cfg.Hub.ListenAddr),
			zap.Bool("detection", opts.Engine != nil),
			zap.Bool("relay", cfg.Relay.Enabled),
			zap.Bool("metrics_store", cfg.MetricsStore.Enabled))
		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().BoolVar(&flagNoDetect, "no-detect", false, "answer detection requests with an error instead of running an engine")
}
