package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/samber/do/v2"
	"github.com/spf13/cobra"

	"github.com/nfrund/remora/internal/config"
	"github.com/nfrund/remora/internal/logging"
	"github.com/nfrund/remora/internal/relay"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the development relay",
	Long: `Run the development relay: a WebSocket endpoint that honors subscribe
frames, a publish endpoint, and an optional fixture directory feed.

The relay is a test bench for sync clients, not a product backend. Point
clients at ws://<addr>/ws and push events with "remora publish" or by
dropping <topic>.json files into the feed directory.

Examples:
  remora serve                      # listen on the configured address
  REMORA_RELAY_ADDR=:9000 remora serve
  REMORA_RELAY_FEED_DIR=./fixtures remora serve`,
	Run: serveHandler,
}

func serveHandler(cmd *cobra.Command, args []string) {
	injector := do.New()

	do.Provide(injector, func(do.Injector) (*config.Config, error) {
		return config.Load(overrides())
	})
	do.Provide(injector, func(i do.Injector) (*slog.Logger, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return logging.New(cfg.Log.Format, cfg.Log.Level), nil
	})
	do.Provide(injector, func(i do.Injector) (*relay.Server, error) {
		cfg := do.MustInvoke[*config.Config](i)
		logger := do.MustInvoke[*slog.Logger](i)
		return relay.New(relay.Config{
			Addr:    cfg.Relay.Addr,
			FeedDir: cfg.Relay.FeedDir,
			Tracing: relay.TracingConfig{
				Enabled:     cfg.Tracing.Enabled,
				ServiceName: cfg.Tracing.Service,
				ZipkinURL:   cfg.Tracing.ZipkinURL,
			},
		}, relay.WithLogger(logger))
	})

	srv, err := do.Invoke[*relay.Server](injector)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to assemble the relay: %v\n", err)
		os.Exit(1)
	}
	defer injector.Shutdown()

	if err := srv.ListenAndServe(cmd.Context()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: relay exited: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
