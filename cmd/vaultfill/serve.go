package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/forest6511/vaultfill/internal/api"
	"github.com/forest6511/vaultfill/pkg/audit"
)

var serveListen string

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Listen address (default listen_addr from config)")
}

// serveCmd exposes the fill broker to host integrations over local HTTP
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the local HTTP fill service",
	Long: `Start the local HTTP fill service for host integrations.

Endpoints:
  POST /v1/fill                       phase 1: classify, returns a token or 204
  POST /v1/fill/{token}/authenticate  phase 2: authenticate, returns datasets or 204
  POST /v1/save                       save offers are acknowledged and discarded
  GET  /livez, /readyz                health

Authentication prompts appear on the terminal running this command.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		broker, err := newBroker(audit.SourceAPI)
		if err != nil {
			return err
		}

		addr := serveListen
		if addr == "" {
			addr = cfg.ListenAddr
		}

		ctx, cancel := signalContext()
		defer cancel()

		srv := api.New(api.Config{ListenAddr: addr, Log: logger}, broker)
		if err := srv.Run(ctx); err != nil {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	},
}
