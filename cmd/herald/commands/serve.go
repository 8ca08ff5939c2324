package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/herald/internal/health"
	"github.com/dyluth/herald/internal/printer"
)

var (
	serveAddr     string
	serveInterval time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Keep the relay connection supervised and expose /healthz",
	Long: `Connect to the configured relays and keep the connection alive,
reconnecting every --interval when it drops. GET /healthz returns 200 with
the endpoint table while connected, 503 otherwise.

Examples:
  herald serve
  herald serve --addr :9090 --interval 10s`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "Health endpoint listen address")
	serveCmd.Flags().DurationVar(&serveInterval, "interval", 30*time.Second, "Connection check interval")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	client, logger, closer, err := newClient(cmd)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, cancel := signalContext()
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		logger.Warn().Err(err).Msg("Initial connect failed, monitor will retry")
	}

	monitor := health.NewMonitor(client.Supervisor(), serveInterval, logger)
	hs := health.NewHealthServer(serveAddr, client.Supervisor(), client.HealthChecks(), logger)
	hs.SetMonitor(monitor)
	if err := hs.Start(); err != nil {
		return printer.ErrorWithContext(
			"failed to start health server",
			err.Error(),
			map[string]string{"Address": serveAddr},
			[]string{"Choose another address with --addr"},
		)
	}

	monitor.Start()
	defer monitor.Stop()

	printer.Success("Serving health on %s\n", hs.Addr())
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return hs.Shutdown(shutdownCtx)
}
