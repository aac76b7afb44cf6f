package main

import (
	"log/slog"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/gradescan/internal/config"
	"github.com/jackzampolin/gradescan/internal/server"
)

var (
	serveHost  string
	servePort  string
	serveStack bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gradescan server",
	Long: `Start the gradescan HTTP server.

With --stack, the dockerized OCR engine containers are started with the
server and stopped when it shuts down (via Ctrl+C or SIGTERM).

The server provides:
  - GET  /health            - Server health check
  - GET  /api/v1/engines    - Registered engines with health probes
  - POST /api/v1/jobs       - Submit a PDF for processing
  - GET  /api/v1/jobs/{id}  - Poll job status and results

Examples:
  gradescan serve                  # Start on default port 8080
  gradescan serve --port 3000      # Start on custom port
  gradescan serve --stack          # Also manage engine containers`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))

		h, err := getHome()
		if err != nil {
			return err
		}

		cm, err := config.NewManager(cfgFile)
		if err != nil {
			return err
		}
		cm.WatchConfig()

		appCfg := cm.Get()
		host := serveHost
		if host == "" {
			host = appCfg.Server.Host
		}
		port := servePort
		if port == "" && appCfg.Server.Port != 0 {
			port = strconv.Itoa(appCfg.Server.Port)
		}

		srv, err := server.New(server.Config{
			Host:          host,
			Port:          port,
			ConfigManager: cm,
			Home:          h,
			ManageStack:   serveStack,
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
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host to bind to (default from config)")
	serveCmd.Flags().StringVar(&servePort, "port", "", "Port to listen on (default from config)")
	serveCmd.Flags().BoolVar(&serveStack, "stack", false, "Start and stop the engine containers with the server")

	rootCmd.AddCommand(serveCmd)
}
