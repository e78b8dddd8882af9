package main

import (
	"github.com/spf13/cobra"

	"github.com/jackzampolin/readshelf/internal/server"
)

var (
	serveHost string
	servePort string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the readshelf server",
	Long: `Start the readshelf HTTP server and OCR queue worker.

The worker processes pending pages in capture order for as long as the
server runs. Pages left PROCESSING by a previous run are requeued on start.
Changes to the config file are picked up without a restart; a changed
API key also clears an insufficient-credits hold.

Examples:
  readshelf serve                    # Start on the configured address
  readshelf serve --port 3000        # Start on custom port
  readshelf serve --host 0.0.0.0     # Bind to all interfaces`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		h, cm, logger, err := setup()
		if err != nil {
			return err
		}

		cfg := cm.Get()
		host, port := cfg.Server.Host, cfg.Server.Port
		if cmd.Flags().Changed("host") {
			host = serveHost
		}
		if cmd.Flags().Changed("port") {
			port = servePort
		}

		if used := cm.ConfigFileUsed(); used != "" {
			logger.Info("using config file", "path", used)
			cm.WatchConfig()
		}

		srv, err := server.New(server.Config{
			Host:          host,
			Port:          port,
			Home:          h,
			ConfigManager: cm,
			Logger:        logger,
		})
		if err != nil {
			return err
		}

		// Start server (blocks until shutdown)
		return srv.Start(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "127.0.0.1", "Host to bind to")
	serveCmd.Flags().StringVar(&servePort, "port", "8080", "Port to listen on")

	rootCmd.AddCommand(serveCmd)
}
