package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// buildServeCmd creates the "serve" command that starts the Parachute
// server: the HTTP/SSE surface, the Agent Runtime wiring, and (if
// configured) the bot connectors.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Parachute server",
		Long: `Start the Parachute server.

The server will:
1. Load configuration from the specified file (or parachute.yaml)
2. Open the session store
3. Construct the configured LLM provider and tool registry
4. Start the Container Sandbox Manager, if docker is available
5. Start the bot connectors for any enabled channel
6. Serve the HTTP/SSE API

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  parachute serve

  # Start with a specific config file
  parachute serve --config /etc/parachute/parachute.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, resolveConfigPath(configPath), debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func fmtAddr(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}
