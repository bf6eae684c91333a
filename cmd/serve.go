package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/audiolibrelab/kwikrec/internal/server"
	"github.com/audiolibrelab/kwikrec/internal/service"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP control server",
	Long: `Start the kwikrec control server to drive acquisition and recordings
remotely. POST /api/start opens the next recording (starting the acquisition
when needed), POST /api/stop closes it and GET /api/status reports progress.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetString("port")
		acquire, _ := cmd.Flags().GetBool("acquire")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		svc, cleanup, err := newService(ctx)
		if err != nil {
			return err
		}
		defer func() {
			if err := cleanup(); err != nil {
				slog.Warn("Failed to release integrations", "error", err)
			}
		}()

		if acquire {
			if err := svc.StartAcquisition(context.Background()); err != nil {
				return fmt.Errorf("failed to start acquisition: %w", err)
			}
		}

		slog.Info("kwikrec control server starting", "port", port, "config", cfgFile)
		srvErr := server.New(svc, port).Start(ctx)

		if err := svc.StopAcquisition(context.Background()); err != nil && !errors.Is(err, service.ErrNotAcquiring) {
			slog.Error("Failed to stop acquisition", "error", err)
		}
		if srvErr != nil {
			return fmt.Errorf("server failed: %w", srvErr)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().String("port", "8080", "port for the control server")
	serveCmd.Flags().Bool("acquire", false, "start the acquisition immediately")
}
