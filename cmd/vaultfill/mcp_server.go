package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/forest6511/vaultfill/internal/mcp"
	"github.com/forest6511/vaultfill/pkg/audit"
)

func init() {
	rootCmd.AddCommand(mcpServerCmd)
}

// mcpServerCmd starts the MCP server for AI agent integration
var mcpServerCmd = &cobra.Command{
	Use:   "mcp-server",
	Short: "Start the MCP server for AI agent integration",
	Long: `Start the MCP server over stdio. Agents never receive credential values.

Available tools:
  - autofill_classify: field ids that would receive the username and password
  - autofill_request:  start a fill; returns a single-use token and field ids

Policy:
  Create <data-dir>/mcp-policy.yaml (mode 0600) to allow packages:

    version: 1
    default_action: deny
    allowed_packages:
      - com.example.*

  Without a policy file, autofill_request is disabled (deny-by-default).

Example MCP client configuration:
  {
    "mcpServers": {
      "vaultfill": {
        "type": "stdio",
        "command": "/path/to/vaultfill",
        "args": ["mcp-server"]
      }
    }
  }`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCPServer()
	},
}

func runMCPServer() error {
	broker, err := newBroker(audit.SourceMCP)
	if err != nil {
		return err
	}

	opts := &mcp.ServerOptions{
		PolicyPath: filepath.Join(cfg.DataDir, mcp.PolicyFileName),
		Logger:     logger,
	}
	if l := openAudit(); l != nil {
		opts.Audit = l
	}
	server, err := mcp.NewServer(broker, opts)
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	if err := server.Run(ctx); err != nil {
		// Don't report context canceled as an error
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("MCP server error: %w", err)
	}
	return nil
}
