package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/swarmmail/internal/telemetry"
	"github.com/mistakeknot/swarmmail/pkg/embedded"
)

func newServeCmd(flags *globalFlags) *cobra.Command {
	var addr, socket string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		Long:  "Serve the REST API and the live event feed until interrupted.\nThe reservation reaper and key file watcher run alongside when configured.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if socket != "" {
				cfg.Server.SocketPath = socket
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger := flags.logger(cmd, cfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			tp, err := telemetry.Init(ctx, cfg.Telemetry)
			if err != nil {
				return fmt.Errorf("telemetry: %w", err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := tp.Shutdown(shutdownCtx); err != nil {
					logger.Warn("telemetry shutdown", "error", err)
				}
			}()

			srv, err := embedded.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			logger.Info("swarmmail starting", "driver", cfg.Database.Driver, "version", version)
			return srv.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "TCP listen address (overrides config)")
	cmd.Flags().StringVar(&socket, "socket", "", "also listen on this unix socket")
	return cmd
}
