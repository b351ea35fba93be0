package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/artpar/entigate/bootstrap"
	"github.com/artpar/entigate/config"
)

var hotReload bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long: `Start the entigate HTTP server.

The server will:
  - Load configuration from entigate.yaml (or --config)
  - Or load configuration from ENTIGATE_* environment variables
  - Open the entity store
  - Load datatype definitions from definitions.dir
  - Serve /api/{type}, /_schema and /metrics

Environment variables (for Docker deployments):
  ENTIGATE_DATABASE_DRIVER  - sqlite, postgres or memory
  ENTIGATE_DATABASE_DSN     - Database DSN (default: entigate.db)
  ENTIGATE_DEFINITIONS_DIR  - Datatype definitions directory
  ENTIGATE_SERVER_PORT      - Server port (default: 8080)
  ENTIGATE_LOG_LEVEL        - Log level: debug, info, warn, error

Examples:
  entigate serve
  entigate serve --config /etc/entigate/config.yaml
  entigate serve --hot-reload=false`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&hotReload, "hot-reload", true, "reload configuration and definitions on change")
}

func runServe(cmd *cobra.Command, args []string) error {
	hasConfigFile := false
	if _, err := os.Stat(cfgFile); err == nil {
		hasConfigFile = true
	}

	var opts bootstrap.Options
	switch {
	case hasConfigFile && hotReload:
		// Hot reload only works with a config file
		opts.ConfigPath = cfgFile
	default:
		cfg, err := config.LoadWithFallback(cfgFile)
		if err != nil {
			return fmt.Errorf("error loading config: %w", err)
		}
		if !hasConfigFile {
			fmt.Fprintln(cmd.ErrOrStderr(), "Running with environment variables (no config file)")
		}
		opts.Config = cfg
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	app, err := bootstrap.New(ctx, opts)
	if err != nil {
		return fmt.Errorf("error initializing: %w", err)
	}

	// Run (blocks until shutdown)
	return app.Run(ctx)
}
