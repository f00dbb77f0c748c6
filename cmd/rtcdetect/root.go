package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mikeyg42/rtcdetect/internal/config"
	"github.com/mikeyg42/rtcdetect/internal/logging"
)

var (
	flagConfig string
	flagRoom   string
	flagServer string

	cfg           *config.Config
	restoreLogger = func() {}
)

var rootCmd = &cobra.Command{
	Use:   "rtcdetect",
	Short: "WebRTC object detection pipeline with push/pull signaling",
	Long: `rtcdetect connects a camera-bearing sender to a detection-running receiver
over WebRTC. Signaling prefers a websocket and falls back to HTTP polling;
detection runs locally, on the peer or on the hub.`,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		loaded, err := config.Load(flagConfig)
		if err != nil {
			return err
		}
		if flagRoom != "" {
			loaded.Signaling.Room = flagRoom
		}
		if flagServer != "" {
			loaded.Signaling.ServerURL = flagServer
		}
		restore, err := logging.Install(loaded.Log)
		if err != nil {
			return fmt.Errorf("failed to set up logging: %w", err)
		}
		cfg, restoreLogger = loaded, restore
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "config file (yaml, json or toml)")
	rootCmd.PersistentFlags().StringVar(&flagRoom, "room", "", "signaling room, overrides the config")
	rootCmd.PersistentFlags().StringVar(&flagServer, "server", "", "signaling server base URL, overrides the config")

	rootCmd.AddCommand(serveCmd, sendCmd, receiveCmd, workerCmd, benchCmd)
}

// Execute runs the root command until it finishes or the process is
// interrupted.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	err := rootCmd.ExecuteContext(ctx)
	restoreLogger()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
