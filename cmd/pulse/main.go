// Package main provides the CLI entry point for the Pulse realtime gateway.
//
// Pulse keeps WebSocket connections for DM threads, per-user notification
// streams and place-chat rooms, and fans out messages, typing indicators,
// read receipts, reactions and presence between them.
//
// # Basic Usage
//
// Start the server:
//
//	pulse serve --config pulse.yaml
//
// Mint a development token:
//
//	pulse token --config pulse.yaml --user 42
//
// Check a config file:
//
//	pulse config validate --config pulse.yaml
//
// # Environment Variables
//
//   - PULSE_CONFIG: Path to configuration file (default: pulse.yaml)
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigPath = "pulse.yaml"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pulse",
		Short: "Pulse - realtime presence and message delivery gateway",
		Long: `Pulse serves the realtime WebSocket endpoints for direct messages,
user notification streams and place chat.

Endpoints:
  /ws/dms/{threadID}          direct-message thread
  /ws/user/{userID}           notifications and presence
  /ws/places/{placeID}/chat   place chat for recently checked-in users`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildTokenCmd(),
		buildConfigCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

// resolveConfigPath applies PULSE_CONFIG when the flag was left at its default.
func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) == "" || path == defaultConfigPath {
		if env := strings.TrimSpace(os.Getenv("PULSE_CONFIG")); env != "" {
			return env
		}
		return defaultConfigPath
	}
	return path
}
