package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mikeyg42/rtcdetect/internal/detect/rpcengine"
)

var flagWorkerAddr string

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Serve the configured engine as a JSON-RPC inference worker",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if cfg.Detection.Engine == "rpc" {
			return errors.New("a worker needs a local engine (mock or cvdnn)")
		}
		ctx := cmd.Context()
		engine, err := newEngine(ctx, cfg.Detection)
		if err != nil {
			return err
		}
		defer engine.Close()

		mux := http.NewServeMux()
		mux.Handle("/rpc", rpcengine.Handler(engine))
		srv := &http.Server{
			Addr:              flagWorkerAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			zap.L().Info("inference worker listening", zap.String("addr", flagWorkerAddr), zap.String("engine", cfg.Detection.Engine))
			errCh <- srv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			return fmt.Errorf("worker stopped: %w", err)
		case <-ctx.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

func init() {
	workerCmd.Flags().StringVar(&flagWorkerAddr, "listen", "127.0.0.1:8765", "address for the worker's /rpc websocket endpoint")
}
