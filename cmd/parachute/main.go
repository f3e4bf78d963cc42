// Package main provides the CLI entry point for Parachute, a local-first
// AI assistant server.
//
// Parachute runs turns through an Agent Runtime (direct or sandboxed),
// gates tool calls through a Permission Handler, and exposes both a
// local HTTP/SSE surface and chat-platform bot connectors.
//
// # Basic Usage
//
// Start the server:
//
//	parachute serve --config parachute.yaml
//
// # Environment Variables
//
//   - PARACHUTE_CONFIG: path to configuration file (default: parachute.yaml)
//   - PARACHUTE_HOST, PARACHUTE_HTTP_PORT, PARACHUTE_VAULT_PATH
//   - PARACHUTE_JWT_SECRET, PARACHUTE_DATABASE_URL
//   - ANTHROPIC_API_KEY, OPENAI_API_KEY, GOOGLE_API_KEY
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "parachute",
		Short: "Parachute - local-first AI assistant server",
		Long: `Parachute runs an Agent Runtime behind a permission gate, optionally
inside a container sandbox, and exposes it over HTTP/SSE and chat
platform bots (Telegram, Discord, Matrix).`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildSessionsCmd(),
		buildContainersCmd(),
		buildPairingCmd(),
	)

	return rootCmd
}

func resolveConfigPath(path string) string {
	if path != "" {
		return path
	}
	if v := os.Getenv("PARACHUTE_CONFIG"); v != "" {
		return v
	}
	return "parachute.yaml"
}
